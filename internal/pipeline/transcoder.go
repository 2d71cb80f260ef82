// Package pipeline implements the PCM to MP3 post-processing pipeline: download the
// raw chunks of one run, concatenate them in submission order, transcode, upload,
// clean up and publish the artifact URL.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/runs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// NoOpMessage is the output message of a run with no usable chunks.
const NoOpMessage = "no audio chunks to process"

// Stage names used in StageError.
const (
	StageDownload = "download"
	StageEncode   = "encode"
	StageUpload   = "upload"
	StageCleanup  = "cleanup"
)

// StageError is a step-aware pipeline failure.
type StageError struct {
	Stage string
	Err   error
}

// Error formats the failure with its stage.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Summary is a short description of the failure that is safe to store on the run.
func Summary(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return "audio " + stageErr.Stage + " failed"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "audio conversion timed out"
	}

	return "audio conversion failed"
}

// Format describes the artifact the encoder produces.
type Format interface {
	ContentType() string
	Extension() string
}

// Transcoder runs the pipeline against an object store and an encoder.
type Transcoder struct {
	store   core.ObjectStore
	encoder core.Encoder
	format  Format
	tempDir string
	log     *logger.Logger
	newName func() string
}

// NewTranscoder creates a Transcoder. An empty tempDir means os.TempDir().
func NewTranscoder(
	store core.ObjectStore,
	encoder core.Encoder,
	format Format,
	tempDir string,
	log *logger.Logger,
) *Transcoder {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &Transcoder{
		store:   store,
		encoder: encoder,
		format:  format,
		tempDir: tempDir,
		log:     log,
		newName: uuid.NewString,
	}
}

// Process converts the chunks named by keys into one artifact. nil and empty keys
// are dropped; if none remain the run is a successful no-op. Source chunks are only
// deleted after the artifact is uploaded, and a failed delete does not fail the run.
func (t *Transcoder) Process(ctx context.Context, keys []*string) (*core.RunOutput, error) {
	chunkKeys := runs.FilterKeys(keys)
	if len(chunkKeys) == 0 {
		t.log.Info("No audio chunks supplied, nothing to do")

		return &core.RunOutput{URL: "", ArtifactKey: "", Message: NoOpMessage}, nil
	}

	buffers, err := t.downloadAll(ctx, chunkKeys)
	if err != nil {
		return nil, &StageError{Stage: StageDownload, Err: err}
	}

	combined := bytes.Join(buffers, nil)
	name := t.newName()
	artifactKey := name + t.format.Extension()

	t.log.Info("Concatenated %d chunks (%d bytes) for artifact %s", len(chunkKeys), len(combined), artifactKey)

	encoded, err := t.encode(ctx, combined, name)
	if err != nil {
		return nil, err
	}

	err = t.store.Upload(ctx, artifactKey, encoded, t.format.ContentType())
	if err != nil {
		return nil, &StageError{Stage: StageUpload, Err: err}
	}

	// The artifact is published at this point; a retry would find the sources
	// partly gone, so leftovers are only logged.
	err = t.store.Delete(ctx, chunkKeys)
	if err != nil {
		t.log.Warn("Run artifact %s uploaded but source cleanup failed: %v",
			artifactKey, &StageError{Stage: StageCleanup, Err: err})
	}

	publicURL := t.store.PublicURL(artifactKey)
	t.log.Info("Published %s at %s", artifactKey, publicURL)

	return &core.RunOutput{URL: publicURL, ArtifactKey: artifactKey, Message: ""}, nil
}

// downloadAll fetches every chunk concurrently. Results are placed by input index,
// never by completion order. The first failure cancels the remaining downloads.
func (t *Transcoder) downloadAll(ctx context.Context, keys []string) ([][]byte, error) {
	buffers := make([][]byte, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)

	for index, key := range keys {
		group.Go(func() error {
			data, err := t.store.Download(groupCtx, key)
			if err != nil {
				return fmt.Errorf("chunk %d (%s): %w", index, key, err)
			}

			buffers[index] = data

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}

	return buffers, nil
}

// encode writes the artifact to a temp file unique to this attempt, reads it back,
// and removes the file on every exit path.
func (t *Transcoder) encode(ctx context.Context, pcm []byte, name string) ([]byte, error) {
	outputPath := filepath.Join(t.tempDir, "tts-"+name+t.format.Extension())

	defer func() {
		removeErr := os.Remove(outputPath)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			t.log.Warn("Failed to remove temp file '%s': %v", outputPath, removeErr)
		}
	}()

	err := t.encoder.Encode(ctx, bytes.NewReader(pcm), outputPath)
	if err != nil {
		return nil, &StageError{Stage: StageEncode, Err: err}
	}

	encoded, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, &StageError{Stage: StageEncode, Err: fmt.Errorf("failed to read encoded output: %w", err)}
	}

	return encoded, nil
}
