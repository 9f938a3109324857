// Longspeech converts long texts to a single MP3 by splitting them into
// chunks, synthesizing each chunk with a neural voice service (degrading to a
// local engine when that fails) and concatenating the segments with ffmpeg.
//
// Usage:
//
//	longspeech [flags]                                   serve the web UI and APIs
//	longspeech --config /path/to/longspeech.yaml
//	longspeech -in chapter.txt -out chapter.mp3 [-voice en-GB-RyanNeural]
//	longspeech -in chapter.txt -remote localhost:50051   synthesize on a running daemon
//
// @title						longspeech API
// @version					1.0
// @description				Long text to MP3 synthesis with chunking, engine fallback and ffmpeg concatenation.
// @BasePath					/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nadzzz/longspeech/internal/bus"
	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/health"
	"github.com/nadzzz/longspeech/internal/jobs"
	"github.com/nadzzz/longspeech/internal/media"
	"github.com/nadzzz/longspeech/internal/narrate"
	"github.com/nadzzz/longspeech/internal/telemetry"
	"github.com/nadzzz/longspeech/internal/transport"
	grpctransport "github.com/nadzzz/longspeech/internal/transport/grpc"
	httptransport "github.com/nadzzz/longspeech/internal/transport/http"
	"github.com/nadzzz/longspeech/internal/tts"
	"github.com/nadzzz/longspeech/internal/tts/command"
	"github.com/nadzzz/longspeech/internal/tts/edge"
	"github.com/nadzzz/longspeech/internal/tts/piper"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/longspeech.yaml)")
	inFile := flag.String("in", "", "synthesize this text file once and exit (- for stdin)")
	outFile := flag.String("out", narrate.OutputName, "output MP3 path for -in")
	voice := flag.String("voice", "", "voice id for -in (default from config)")
	remote := flag.String("remote", "", "gRPC address of a running daemon to use for -in")
	flag.Parse()

	if *showVersion {
		fmt.Printf("longspeech %s\n", version)
		os.Exit(0)
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	config.SetupLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *inFile != "" {
		opts := oneShot{in: *inFile, out: *outFile, voice: *voice, remote: *remote}
		if err := runOnce(ctx, cfg, opts); err != nil {
			slog.Error("synthesis failed", "error", err, "kind", narrate.KindOf(err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg); err != nil {
		slog.Error("longspeech failed", "error", err)
		os.Exit(1)
	}
}

// buildNarrator wires the catalog, both engines and telemetry instruments.
// The returned closer releases the engines.
func buildNarrator(cfg *config.Config) (*narrate.Narrator, *tts.Catalog, func(), error) {
	catalog, err := loadCatalog(cfg.TTS)
	if err != nil {
		return nil, nil, nil, err
	}

	primary := edge.New(cfg.TTS.Edge)
	var fallback tts.Synthesizer
	switch cfg.TTS.Fallback.Backend {
	case "command":
		cmd, err := command.New(cfg.TTS.Fallback.Command, cfg.TTS.Fallback.Language)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fallback engine: %w", err)
		}
		fallback = cmd
		slog.Info("using command fallback engine", "language", cfg.TTS.Fallback.Language)
	case "piper":
		fallback = piper.New(cfg.TTS.Fallback.Piper, cfg.TTS.Fallback.Language)
		slog.Info("using piper fallback engine",
			"language", cfg.TTS.Fallback.Language,
			"endpoint", cfg.TTS.Fallback.Piper.Endpoint)
	default:
		slog.Info("no fallback engine configured")
	}

	n := narrate.New(narrate.Options{
		Primary:     primary,
		Fallback:    fallback,
		Catalog:     catalog,
		Synthesis:   cfg.Synthesis,
		Media:       cfg.Media,
		Instruments: telemetry.NewInstruments(),
	})
	closeEngines := func() {
		primary.Close()
		if fallback != nil {
			fallback.Close()
		}
	}
	return n, catalog, closeEngines, nil
}

func loadCatalog(cfg config.TTSConfig) (*tts.Catalog, error) {
	if cfg.VoicesFile != "" {
		return tts.LoadCatalog(cfg.VoicesFile, cfg.DefaultVoice)
	}
	return tts.NewCatalog(tts.DefaultVoices, cfg.DefaultVoice)
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("longspeech starting", "version", version)

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	narrator, catalog, closeEngines, err := buildNarrator(cfg)
	if err != nil {
		return err
	}
	defer closeEngines()

	healthServer := health.New(cfg.Server.HealthPort)
	healthServer.SetMetricsHandler(tel.MetricsHandler)
	healthServer.AddCheck("ffmpeg", func(context.Context) error {
		_, err := media.Locate(cfg.Media)
		return err
	})

	var publishers []jobs.Publisher
	if cfg.Bus.Enabled {
		pub, err := bus.Connect(cfg.Bus)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
		healthServer.AddCheck("bus", func(context.Context) error {
			if !pub.Healthy() {
				return fmt.Errorf("nats connection down")
			}
			return nil
		})
	}

	manager := jobs.NewManager(narrator, cfg.Jobs, publishers...)
	defer manager.Close()
	go manager.Run(ctx)

	var transports []transport.Transport
	if cfg.HTTP.Enabled {
		transports = append(transports, httptransport.New(httptransport.Options{
			Port:         cfg.HTTP.Port,
			MaxTextBytes: cfg.HTTP.MaxTextBytes,
			Catalog:      catalog,
			Jobs:         manager,
			Status: func(ctx context.Context) media.Status {
				return media.Probe(ctx, cfg.Media)
			},
		}))
	}
	if cfg.GRPC.Enabled {
		transports = append(transports, grpctransport.New(cfg.GRPC.Port))
	}
	if len(transports) == 0 {
		return fmt.Errorf("no transports enabled, enable http or grpc in config")
	}

	if st := media.Probe(ctx, cfg.Media); st.Available {
		slog.Info("ffmpeg found", "path", st.Path, "version", st.Version)
	} else {
		slog.Warn("ffmpeg not found, synthesis requests will fail until it is installed", "error", st.Error)
	}

	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx, narrator.Synthesize); err != nil {
				slog.Error("transport failed", "name", t.Name(), "error", err)
			}
		}(t)
	}

	healthServer.SetReady(true)
	slog.Info("longspeech ready",
		"transports", len(transports),
		"health_port", cfg.Server.HealthPort,
		"default_voice", catalog.Default())

	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)

	for _, t := range transports {
		if err := t.Close(); err != nil {
			slog.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	wg.Wait()
	slog.Info("longspeech stopped")
	return nil
}

// runOnce synthesizes a single file, either in-process or against a remote
// daemon.
func runOnce(ctx context.Context, cfg *config.Config, opts oneShot) error {
	text, err := opts.readText()
	if err != nil {
		return err
	}
	if opts.remote != "" {
		return runRemote(ctx, text, opts)
	}

	narrator, _, closeEngines, err := buildNarrator(cfg)
	if err != nil {
		return err
	}
	defer closeEngines()

	res, err := narrator.Synthesize(ctx, narrate.Request{
		ID:       uuid.NewString(),
		Text:     text,
		Voice:    opts.voice,
		Progress: progressLogger(),
	})
	if err != nil {
		return err
	}
	defer res.Cleanup()

	if err := copyFile(res.Path, opts.out); err != nil {
		return err
	}
	slog.Info("wrote audio",
		"path", opts.out,
		"voice", res.Voice,
		"chunks", res.Chunks,
		"fallback_used", res.FallbackUsed,
		"duration", res.Duration)
	return nil
}
