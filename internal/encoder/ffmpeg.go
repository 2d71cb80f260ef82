// Package encoder provides the ffmpeg implementation of the core.Encoder interface.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/audio"
)

const maxStderrInError = 512

var (
	// ErrOutputPathEmpty indicates that no output path was given.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	// ErrEmptyOutput indicates that ffmpeg exited cleanly but wrote nothing.
	ErrEmptyOutput = errors.New("encoder produced no output")
)

// FFmpegEncoder implements core.Encoder by piping raw PCM into an ffmpeg process.
type FFmpegEncoder struct {
	binaryPath string
	profile    audio.Profile
	log        *logger.Logger
}

// New creates a new FFmpegEncoder after validating the profile.
func New(binaryPath string, profile audio.Profile, log *logger.Logger) (*FFmpegEncoder, error) {
	err := profile.Validate()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &FFmpegEncoder{
		binaryPath: binaryPath,
		profile:    profile,
		log:        log,
	}, nil
}

// Profile returns the audio profile used by the encoder.
func (e *FFmpegEncoder) Profile() audio.Profile {
	return e.profile
}

// Encode streams input into ffmpeg and waits for it to exit. It only succeeds when
// ffmpeg exits cleanly and outputPath holds a non-empty file.
func (e *FFmpegEncoder) Encode(ctx context.Context, input io.Reader, outputPath string) error {
	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	args := e.profile.FFmpegArgs(outputPath)

	// #nosec G204 -- arguments come from a validated audio.Profile
	cmd := exec.CommandContext(ctx, e.binaryPath, args...)
	cmd.Stdin = input

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("ffmpeg execution failed: %w - stderr: %s", err, truncate(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("failed to stat encoder output '%s': %w", outputPath, err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyOutput, outputPath)
	}

	e.log.Info("Encoded %s (%d bytes)", outputPath, info.Size())

	return nil
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxStderrInError {
		return text
	}

	return text[:maxStderrInError] + "..."
}
