// Package core defines the core business logic types and interfaces for the transcode pipeline.
package core

import (
	"context"
	"io"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
// Implementations must support concurrent downloads.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// Delete removes every key. Keys that do not exist are not an error.
	Delete(ctx context.Context, keys []string) error
	PublicURL(key string) string
}

// Encoder transcodes a raw audio stream into a compressed file at outputPath.
type Encoder interface {
	Encode(ctx context.Context, input io.Reader, outputPath string) error
}

// RunStore persists Run records and streams their changes.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	// Update applies mutate to the stored run and persists the result.
	Update(ctx context.Context, id string, mutate func(run *Run) error) (Run, error)
	// Watch yields the current run followed by every change. The channel is closed
	// after a terminal state is delivered or ctx is done.
	Watch(ctx context.Context, id string) (<-chan Run, error)
}

// Dispatcher hands a queued run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req RunRequest) error
}

// ErrorReporter forwards pipeline failures to the error-tracking collaborator.
type ErrorReporter interface {
	Report(ctx context.Context, report ErrorReport) error
}
