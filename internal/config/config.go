// Package config handles loading and validating the longspeech configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the longspeech daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Media     MediaConfig     `mapstructure:"media"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Bus       BusConfig       `mapstructure:"bus"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the health check server settings.
type ServerConfig struct {
	HealthPort int `mapstructure:"health_port"`
}

// HTTPConfig configures the web UI and JSON API.
type HTTPConfig struct {
	Enabled      bool  `mapstructure:"enabled"`
	Port         int   `mapstructure:"port"`
	MaxTextBytes int64 `mapstructure:"max_text_bytes"`
}

// GRPCConfig configures the gRPC API.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SynthesisConfig controls chunking, retries and artifact validation.
type SynthesisConfig struct {
	MaxChars       int           `mapstructure:"max_chars"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MinChunkBytes  int64         `mapstructure:"min_chunk_bytes"`
	MinOutputBytes int64         `mapstructure:"min_output_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 0 disables the overall deadline
	TempDir        string        `mapstructure:"temp_dir"`        // empty uses os.TempDir()
}

// TTSConfig selects and configures the synthesis engines.
type TTSConfig struct {
	DefaultVoice string         `mapstructure:"default_voice"`
	VoicesFile   string         `mapstructure:"voices_file"` // optional YAML voice catalog
	Edge         EdgeConfig     `mapstructure:"edge"`
	Fallback     FallbackConfig `mapstructure:"fallback"`
}

// EdgeConfig holds settings for the primary neural voice service.
type EdgeConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	TrustedToken string        `mapstructure:"trusted_token"`
	GECVersion   string        `mapstructure:"gec_version"`
	OutputFormat string        `mapstructure:"output_format"`
	Rate         string        `mapstructure:"rate"`   // e.g. "+0%"
	Volume       string        `mapstructure:"volume"` // e.g. "+0%"
	Pitch        string        `mapstructure:"pitch"`  // e.g. "+0Hz"
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FallbackConfig selects the secondary engine used once the primary fails
// within a request.
type FallbackConfig struct {
	Backend  string        `mapstructure:"backend"`  // "command", "piper" or "none"
	Language string        `mapstructure:"language"` // fixed ISO-639-1 language, no voice selection
	Command  CommandConfig `mapstructure:"command"`
	Piper    PiperConfig   `mapstructure:"piper"`
}

// CommandConfig configures an external CLI synthesizer.
//
// The command line may contain {output}, {lang} and {text} placeholders.
// Without {text} the chunk text is written to the process stdin.
type CommandConfig struct {
	Command string        `mapstructure:"command"`
	Format  string        `mapstructure:"format"` // container written to {output}, e.g. "mp3", "wav"
	Timeout time.Duration `mapstructure:"timeout"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// For a single Piper instance that serves all languages, set Endpoint.
// For per-language instances, set Endpoints which maps ISO-639-1 codes to
// individual Wyoming TCP endpoints. Endpoints takes precedence.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`  // Default Wyoming TCP endpoint (host:port)
	Endpoints map[string]string `mapstructure:"endpoints"` // ISO-639-1 language code -> Wyoming TCP endpoint
	Voices    map[string]string `mapstructure:"voices"`    // ISO-639-1 language code -> Piper voice model name
}

// MediaConfig configures discovery and invocation of ffmpeg.
type MediaConfig struct {
	FFmpegPath    string        `mapstructure:"ffmpeg_path"` // explicit path, checked first
	Candidates    []string      `mapstructure:"candidates"`  // well-known locations, checked last
	ConcatTimeout time.Duration `mapstructure:"concat_timeout"`
}

// JobsConfig controls the asynchronous job manager used by the web UI.
type JobsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BusConfig configures the optional NATS progress publisher.
type BusConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Servers        []string      `mapstructure:"servers"`
	Subject        string        `mapstructure:"subject"`
	Token          string        `mapstructure:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Metrics      bool   `mapstructure:"metrics"`
	Traces       string `mapstructure:"traces"` // "none", "stdout" or "otlp"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./longspeech.yaml, ./configs/longspeech.yaml, /etc/longspeech/longspeech.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("longspeech")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/longspeech")
	}

	// Environment variables: LONGSPEECH_HTTP_PORT, LONGSPEECH_TTS_FALLBACK_BACKEND, etc.
	v.SetEnvPrefix("LONGSPEECH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${EDGE_TRUSTED_TOKEN}")
	cfg.TTS.Edge.TrustedToken = resolveEnvRef(cfg.TTS.Edge.TrustedToken)
	cfg.Bus.Token = resolveEnvRef(cfg.Bus.Token)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.max_text_bytes", 1<<20)
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("synthesis.max_chars", 2000)
	v.SetDefault("synthesis.max_attempts", 3)
	v.SetDefault("synthesis.retry_backoff", time.Second)
	v.SetDefault("synthesis.min_chunk_bytes", 512)
	v.SetDefault("synthesis.min_output_bytes", 512)
	v.SetDefault("synthesis.request_timeout", time.Duration(0))
	v.SetDefault("synthesis.temp_dir", "")

	v.SetDefault("tts.default_voice", "en-US-AriaNeural")
	v.SetDefault("tts.voices_file", "")
	v.SetDefault("tts.edge.endpoint", "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1")
	v.SetDefault("tts.edge.trusted_token", "6A5AA1D4EAFF4E9FB37E23D68491D6F4")
	v.SetDefault("tts.edge.gec_version", "1-130.0.2849.68")
	v.SetDefault("tts.edge.output_format", "audio-24khz-48kbitrate-mono-mp3")
	v.SetDefault("tts.edge.rate", "+0%")
	v.SetDefault("tts.edge.volume", "+0%")
	v.SetDefault("tts.edge.pitch", "+0Hz")
	v.SetDefault("tts.edge.timeout", 60*time.Second)
	v.SetDefault("tts.fallback.backend", "command")
	v.SetDefault("tts.fallback.language", "en")
	v.SetDefault("tts.fallback.command.command", "gtts-cli --lang {lang} --output {output} -")
	v.SetDefault("tts.fallback.command.format", "mp3")
	v.SetDefault("tts.fallback.command.timeout", 60*time.Second)
	v.SetDefault("tts.fallback.piper.endpoint", "localhost:10200")

	v.SetDefault("media.ffmpeg_path", "")
	v.SetDefault("media.candidates", DefaultFFmpegCandidates())
	v.SetDefault("media.concat_timeout", 2*time.Minute)

	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.retention", 30*time.Minute)
	v.SetDefault("jobs.sweep_interval", time.Minute)

	v.SetDefault("bus.enabled", false)
	v.SetDefault("bus.servers", []string{"nats://localhost:4222"})
	v.SetDefault("bus.subject", "longspeech.progress")
	v.SetDefault("bus.connect_timeout", 2*time.Second)

	v.SetDefault("telemetry.service_name", "longspeech")
	v.SetDefault("telemetry.metrics", true)
	v.SetDefault("telemetry.traces", "none")
	v.SetDefault("telemetry.otlp_insecure", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// DefaultFFmpegCandidates lists the well-known install locations probed when
// ffmpeg is neither bundled nor on PATH.
func DefaultFFmpegCandidates() []string {
	candidates := []string{
		"/usr/local/bin/ffmpeg",
		"/usr/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
		`C:\ffmpeg\bin\ffmpeg.exe`,
		`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			home+"/ffmpeg/bin/ffmpeg",
			home+`\ffmpeg\bin\ffmpeg.exe`,
		)
	}
	return candidates
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return errors.New("grpc.port must be between 1 and 65535")
	}
	if c.Server.HealthPort <= 0 || c.Server.HealthPort > 65535 {
		return errors.New("server.health_port must be between 1 and 65535")
	}
	if c.Synthesis.MaxChars <= 0 {
		return errors.New("synthesis.max_chars must be positive")
	}
	if c.Synthesis.MaxAttempts <= 0 {
		return errors.New("synthesis.max_attempts must be >= 1")
	}
	if c.Synthesis.RetryBackoff < 0 {
		return errors.New("synthesis.retry_backoff must be >= 0")
	}
	if c.Synthesis.MinChunkBytes < 0 || c.Synthesis.MinOutputBytes < 0 {
		return errors.New("synthesis byte thresholds must be >= 0")
	}
	switch c.TTS.Fallback.Backend {
	case "command":
		if strings.TrimSpace(c.TTS.Fallback.Command.Command) == "" {
			return errors.New("tts.fallback.command.command must be set when backend=command")
		}
	case "piper":
		if c.TTS.Fallback.Piper.Endpoint == "" && len(c.TTS.Fallback.Piper.Endpoints) == 0 {
			return errors.New("tts.fallback.piper.endpoint must be set when backend=piper")
		}
	case "none", "":
	default:
		return fmt.Errorf("tts.fallback.backend must be one of command|piper|none, got %q", c.TTS.Fallback.Backend)
	}
	if c.TTS.Edge.Endpoint == "" {
		return errors.New("tts.edge.endpoint must not be empty")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return errors.New("jobs.max_concurrent must be >= 1")
	}
	if c.Bus.Enabled && len(c.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	switch c.Telemetry.Traces {
	case "none", "", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return fmt.Errorf("telemetry.traces must be one of none|stdout|otlp, got %q", c.Telemetry.Traces)
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
