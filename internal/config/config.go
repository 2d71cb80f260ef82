// Package config provides the configuration structure for the tts-pipeline service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Default values applied to unset fields.
const (
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultRunsSubject       = "audio.transcode.requested"
	defaultRunsStream        = "TRANSCODE_REQUESTS"
	defaultRunsConsumer      = "transcode-workers"
	defaultErrorsSubject     = "errors.reported"
	defaultAudioBucket       = "AUDIO_FILES"
	defaultRunsBucket        = "TRANSCODE_RUNS"
	defaultListenAddr        = ":8080"
	defaultPublicBaseURL     = "http://localhost:8080"
	defaultMaxAttempts       = 3
	defaultTimeoutSeconds    = 600
	defaultInitialBackoffMs  = 500
	defaultMaxBackoffMs      = 10000
	defaultMaxConcurrentRuns = 4
	defaultFFmpegPath        = "ffmpeg"
	defaultLogsDir           = "logs"
)

var (
	// ErrNATSURLEmpty indicates that no NATS URL was configured.
	ErrNATSURLEmpty = errors.New("nats url cannot be empty")
	// ErrTokenSecretEmpty indicates that the access-token signing secret is missing.
	ErrTokenSecretEmpty = errors.New("server token_secret cannot be empty")
	// ErrMaxAttemptsRange indicates an unusable retry attempt count.
	ErrMaxAttemptsRange = errors.New("pipeline max_attempts must be between 1 and 10")
	// ErrTimeoutNonPositive indicates a non-positive run timeout.
	ErrTimeoutNonPositive = errors.New("pipeline timeout_seconds must be positive")
)

const (
	maxAttemptsLimit = 10
	redeliveryMargin = 2 * time.Minute
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	RunsSubject            string `toml:"runs_subject"`
	RunsStream             string `toml:"runs_stream"`
	RunsConsumer           string `toml:"runs_consumer"`
	ErrorsSubject          string `toml:"errors_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	RunsKVBucket           string `toml:"runs_kv_bucket"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	PublicBaseURL string `toml:"public_base_url"`
	TokenSecret   string `toml:"token_secret"`
}

// PipelineConfig holds the retry and scheduling policy for transcode runs.
type PipelineConfig struct {
	MaxAttempts       int `toml:"max_attempts"`
	TimeoutSeconds    int `toml:"timeout_seconds"`
	InitialBackoffMs  int `toml:"initial_backoff_ms"`
	MaxBackoffMs      int `toml:"max_backoff_ms"`
	MaxConcurrentRuns int `toml:"max_concurrent_runs"`
}

// EncoderConfig holds the ffmpeg settings.
type EncoderConfig struct {
	FFmpegPath       string `toml:"ffmpeg_path"`
	InputSampleRate  int    `toml:"input_sample_rate"`
	OutputSampleRate int    `toml:"output_sample_rate"`
	Bitrate          string `toml:"bitrate"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	TempDir     string `toml:"temp_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Server   ServerConfig   `toml:"server"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Encoder  EncoderConfig  `toml:"encoder"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads the configuration for the tts-pipeline service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
// Encoder sample rates and bitrate are left to audio.NewDefaultProfile.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, defaultNATSURL)
	setString(&c.NATS.RunsSubject, defaultRunsSubject)
	setString(&c.NATS.RunsStream, defaultRunsStream)
	setString(&c.NATS.RunsConsumer, defaultRunsConsumer)
	setString(&c.NATS.ErrorsSubject, defaultErrorsSubject)
	setString(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)
	setString(&c.NATS.RunsKVBucket, defaultRunsBucket)

	setString(&c.Server.ListenAddr, defaultListenAddr)
	setString(&c.Server.PublicBaseURL, defaultPublicBaseURL)

	setInt(&c.Pipeline.MaxAttempts, defaultMaxAttempts)
	setInt(&c.Pipeline.TimeoutSeconds, defaultTimeoutSeconds)
	setInt(&c.Pipeline.InitialBackoffMs, defaultInitialBackoffMs)
	setInt(&c.Pipeline.MaxBackoffMs, defaultMaxBackoffMs)
	setInt(&c.Pipeline.MaxConcurrentRuns, defaultMaxConcurrentRuns)

	setString(&c.Encoder.FFmpegPath, defaultFFmpegPath)
	setString(&c.Paths.BaseLogsDir, defaultLogsDir)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.Server.TokenSecret == "" {
		return ErrTokenSecretEmpty
	}

	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > maxAttemptsLimit {
		return fmt.Errorf("%w: got %d", ErrMaxAttemptsRange, c.Pipeline.MaxAttempts)
	}

	if c.Pipeline.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: got %d", ErrTimeoutNonPositive, c.Pipeline.TimeoutSeconds)
	}

	return nil
}

// RunTimeout is the wall-clock limit for one run, retries included.
func (p PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RedeliveryWait is how long a request taken by a worker stays hidden from the others.
// It outlasts RunTimeout so a request is only handed out again when its worker died.
func (p PipelineConfig) RedeliveryWait() time.Duration {
	return p.RunTimeout() + redeliveryMargin
}

// InitialBackoff is the delay before the second attempt.
func (p PipelineConfig) InitialBackoff() time.Duration {
	return time.Duration(p.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff caps the delay between attempts.
func (p PipelineConfig) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMs) * time.Millisecond
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
