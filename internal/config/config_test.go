// Package config_test tests the configuration loading for the tts-pipeline service.
package config_test

import (
	"testing"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
runs_subject = "audio.transcode.requested"
runs_stream = "TRANSCODE_REQUESTS"
runs_consumer = "transcode-workers"
errors_subject = "errors.reported"
audio_object_store_bucket = "AUDIO_FILES"
runs_kv_bucket = "TRANSCODE_RUNS"

[server]
listen_addr = ":9090"
public_base_url = "https://audio.example.com"
token_secret = "s3cret"

[pipeline]
max_attempts = 3
timeout_seconds = 300
initial_backoff_ms = 250
max_backoff_ms = 4000
max_concurrent_runs = 2

[encoder]
ffmpeg_path = "/usr/bin/ffmpeg"
input_sample_rate = 24000
output_sample_rate = 44100
bitrate = "128k"

[paths]
base_logs_dir = "/var/log/tts"
temp_dir = "/tmp/tts"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "audio.transcode.requested", cfg.NATS.RunsSubject)
	assert.Equal(t, "TRANSCODE_REQUESTS", cfg.NATS.RunsStream)
	assert.Equal(t, "transcode-workers", cfg.NATS.RunsConsumer)
	assert.Equal(t, "errors.reported", cfg.NATS.ErrorsSubject)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "TRANSCODE_RUNS", cfg.NATS.RunsKVBucket)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "https://audio.example.com", cfg.Server.PublicBaseURL)
	assert.Equal(t, "s3cret", cfg.Server.TokenSecret)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Pipeline.RunTimeout())
	assert.Equal(t, 7*time.Minute, cfg.Pipeline.RedeliveryWait())
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.InitialBackoff())
	assert.Equal(t, 4*time.Second, cfg.Pipeline.MaxBackoff())
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentRuns)
	assert.Equal(t, "/usr/bin/ffmpeg", cfg.Encoder.FFmpegPath)
	assert.Equal(t, 24000, cfg.Encoder.InputSampleRate)
	assert.Equal(t, 44100, cfg.Encoder.OutputSampleRate)
	assert.Equal(t, "128k", cfg.Encoder.Bitrate)
	assert.Equal(t, "/var/log/tts", cfg.Paths.BaseLogsDir)
	assert.Equal(t, "/tmp/tts", cfg.Paths.TempDir)

	require.NoError(t, cfg.Validate())
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Server.TokenSecret = "secret"
	cfg.Pipeline.MaxAttempts = 5

	cfg.ApplyDefaults()

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "TRANSCODE_REQUESTS", cfg.NATS.RunsStream)
	assert.Equal(t, "transcode-workers", cfg.NATS.RunsConsumer)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts, "explicit values must survive")
	assert.Equal(t, 600*time.Second, cfg.Pipeline.RunTimeout())
	assert.Equal(t, "ffmpeg", cfg.Encoder.FFmpegPath)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr error
	}{
		{
			name:    "missing token secret",
			mutate:  func(cfg *config.Config) { cfg.Server.TokenSecret = "" },
			wantErr: config.ErrTokenSecretEmpty,
		},
		{
			name:    "too many attempts",
			mutate:  func(cfg *config.Config) { cfg.Pipeline.MaxAttempts = 50 },
			wantErr: config.ErrMaxAttemptsRange,
		},
		{
			name:    "negative timeout",
			mutate:  func(cfg *config.Config) { cfg.Pipeline.TimeoutSeconds = -1 },
			wantErr: config.ErrTimeoutNonPositive,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Config{}
			cfg.Server.TokenSecret = "secret"
			cfg.ApplyDefaults()
			testCase.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), testCase.wantErr)
		})
	}
}
