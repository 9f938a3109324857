// Package transport defines the interface for the API front ends.
//
// Each transport (HTTP, gRPC) implements this interface and hands incoming
// synthesis requests to the Handler. Transports don't care how the text is
// turned into audio; they only translate requests and errors.
package transport

import (
	"context"

	"github.com/nadzzz/longspeech/internal/narrate"
)

// Handler runs one synthesis request. (*narrate.Narrator).Synthesize is the
// production implementation.
type Handler func(ctx context.Context, req narrate.Request) (*narrate.Result, error)

// Transport is the interface that every transport adapter must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "http", "grpc").
	Name() string

	// Listen starts accepting requests and passes them to the handler.
	// It blocks until the context is cancelled.
	Listen(ctx context.Context, handler Handler) error

	// Close gracefully shuts down the transport, draining in-flight work.
	Close() error
}
