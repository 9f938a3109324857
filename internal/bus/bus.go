// Package bus publishes job progress to NATS so that other services can
// follow synthesis without polling the HTTP API.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/jobs"
)

// Publisher forwards job events to <subject>.<job id>.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the configured NATS servers.
func Connect(cfg config.BusConfig) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{nats.Name("longspeech")}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	subject := strings.TrimSuffix(cfg.Subject, ".")
	if subject == "" {
		subject = "longspeech.progress"
	}
	slog.Info("connected to NATS", "servers", url, "subject", subject)
	return &Publisher{conn: conn, subject: subject}, nil
}

// Subject returns the subject events of jobID are published on.
func (p *Publisher) Subject(jobID string) string {
	return p.subject + "." + jobID
}

// Publish implements jobs.Publisher. Failures are logged, never returned:
// the bus is an observer and must not fail a job.
func (p *Publisher) Publish(ev jobs.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode job event", "job_id", ev.JobID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.JobID), data); err != nil {
		slog.Warn("failed to publish job event", "job_id", ev.JobID, "error", err)
	}
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	slog.Info("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}
