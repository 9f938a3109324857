package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nadzzz/longspeech/internal/narrate"
	grpctransport "github.com/nadzzz/longspeech/internal/transport/grpc"
)

type oneShot struct {
	in     string
	out    string
	voice  string
	remote string
}

func (o oneShot) readText() (string, error) {
	var (
		data []byte
		err  error
	)
	if o.in == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(o.in)
	}
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(data), nil
}

func runRemote(ctx context.Context, text string, opts oneShot) error {
	conn, err := grpc.NewClient(opts.remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", opts.remote, err)
	}
	defer conn.Close()

	client := grpctransport.NewClient(conn)
	resp, err := client.Synthesize(ctx, &grpctransport.SynthesizeRequest{Text: text, Voice: opts.voice},
		grpc.MaxCallRecvMsgSize(256<<20))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(opts.out, resp.Audio); err != nil {
		return err
	}
	slog.Info("wrote audio",
		"path", opts.out,
		"remote", opts.remote,
		"voice", resp.Voice,
		"chunks", resp.Chunks,
		"fallback_used", resp.FallbackUsed,
		"duration_ms", resp.DurationMs)
	return nil
}

// progressLogger logs every tenth of the way.
func progressLogger() func(float64) {
	next := 0.1
	return func(f float64) {
		if f+1e-9 < next && f < 1 {
			return
		}
		slog.Info("synthesis progress", "percent", int(f*100))
		for next <= f+1e-9 {
			next += 0.1
		}
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return &narrate.Error{Kind: narrate.KindOutput, Chunk: -1, Err: err}
	}
	return writeFileAtomic(dst, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".longspeech-*.mp3")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
