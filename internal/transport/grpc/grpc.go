// Package grpc implements the gRPC transport for longspeech.
//
// The service longspeech.v1.Speech exposes one unary method, Synthesize,
// that returns the complete MP3. Messages are JSON encoded (content-subtype
// "json"), so clients need no generated stubs: use Client, or any gRPC
// client invoking /longspeech.v1.Speech/Synthesize with that codec.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nadzzz/longspeech/internal/narrate"
	"github.com/nadzzz/longspeech/internal/transport"
)

const (
	serviceName          = "longspeech.v1.Speech"
	synthesizeFullMethod = "/" + serviceName + "/Synthesize"
)

// SynthesizeRequest is the request message of Speech/Synthesize.
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// SynthesizeResponse carries the MP3 and synthesis statistics.
type SynthesizeResponse struct {
	Audio        []byte `json:"audio"`
	ContentType  string `json:"content_type"`
	Voice        string `json:"voice"`
	Chunks       int    `json:"chunks"`
	Segments     int    `json:"segments"`
	FallbackUsed bool   `json:"fallback_used"`
	FallbackFrom int    `json:"fallback_from"`
	DurationMs   int64  `json:"duration_ms"`
}

// SpeechServer is the server API of longspeech.v1.Speech.
type SpeechServer interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)
}

var speechServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SpeechServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Synthesize", Handler: synthesizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "longspeech/v1/speech.proto",
}

func synthesizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SynthesizeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SpeechServer).Synthesize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: synthesizeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SpeechServer).Synthesize(ctx, req.(*SynthesizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds the Speech service backed by handler to s.
func Register(s *grpc.Server, handler transport.Handler) {
	s.RegisterService(&speechServiceDesc, &speechServer{handler: handler})
}

type speechServer struct {
	handler transport.Handler
}

func (s *speechServer) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	res, err := s.handler(ctx, narrate.Request{Text: req.Text, Voice: req.Voice})
	if err != nil {
		return nil, status.Error(codeFor(err), err.Error())
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			slog.Warn("failed to remove request directory", "dir", res.Dir, "error", err)
		}
	}()

	audio, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading output: %v", err)
	}
	return &SynthesizeResponse{
		Audio:        audio,
		ContentType:  "audio/mpeg",
		Voice:        res.Voice,
		Chunks:       res.Chunks,
		Segments:     res.Segments,
		FallbackUsed: res.FallbackUsed,
		FallbackFrom: res.FallbackFrom,
		DurationMs:   res.Duration.Milliseconds(),
	}, nil
}

// codeFor maps an error kind to a gRPC status code.
func codeFor(err error) codes.Code {
	switch narrate.KindOf(err) {
	case narrate.KindInput:
		return codes.InvalidArgument
	case narrate.KindConfiguration:
		return codes.FailedPrecondition
	case narrate.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return codes.DeadlineExceeded
		}
		return codes.Canceled
	case narrate.KindSynthesis:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Client calls longspeech.v1.Speech on a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Synthesize calls Speech/Synthesize.
func (c *Client) Synthesize(ctx context.Context, req *SynthesizeRequest, opts ...grpc.CallOption) (*SynthesizeResponse, error) {
	out := new(SynthesizeResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, synthesizeFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Transport implements transport.Transport over gRPC.
type Transport struct {
	port   int
	server *grpc.Server
}

// New creates a new gRPC transport on the given port.
func New(port int) *Transport {
	return &Transport{port: port}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// Listen starts the gRPC server and routes incoming requests to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	t.server = grpc.NewServer(grpc.MaxSendMsgSize(256 << 20))
	Register(t.server, handler)

	slog.Info("grpc transport listening", "port", t.port, "service", serviceName)

	go func() {
		<-ctx.Done()
		slog.Info("grpc transport shutting down")
		t.server.GracefulStop()
	}()

	return t.server.Serve(lis)
}

// Close gracefully stops the gRPC server.
func (t *Transport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}
