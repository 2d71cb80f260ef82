package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	kvHistory         = 5
	maxUpdateConflict = 5
)

// KVStore implements core.RunStore on a NATS JetStream key-value bucket. Watch is
// backed by the bucket's own change feed, so every process sees every transition.
type KVStore struct {
	kv     nats.KeyValue
	bucket string
	log    *logger.Logger
}

// NewKVStore creates the bucket, or binds to it when it already exists.
func NewKVStore(jetstreamContext nats.JetStreamContext, bucketName string, log *logger.Logger) (*KVStore, error) {
	kv, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Transcode run records.",
		History:     kvHistory,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &KVStore{
		kv:     kv,
		bucket: bucketName,
		log:    log,
	}, nil
}

// Create stores a new run.
func (s *KVStore) Create(_ context.Context, run core.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	_, err = s.kv.Create(run.ID, data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}

		return fmt.Errorf("failed to create run %s in bucket '%s': %w", run.ID, s.bucket, err)
	}

	return nil
}

// Get returns the stored run.
func (s *KVStore) Get(_ context.Context, id string) (core.Run, error) {
	run, _, err := s.load(id)

	return run, err
}

// Update applies mutate with optimistic concurrency on the entry revision.
func (s *KVStore) Update(_ context.Context, id string, mutate func(run *core.Run) error) (core.Run, error) {
	for range maxUpdateConflict {
		run, revision, err := s.load(id)
		if err != nil {
			return core.Run{}, err
		}

		err = mutate(&run)
		if err != nil {
			return core.Run{}, err
		}

		data, err := json.Marshal(run)
		if err != nil {
			return core.Run{}, fmt.Errorf("failed to marshal run %s: %w", id, err)
		}

		_, err = s.kv.Update(id, data, revision)
		if err == nil {
			return run, nil
		}

		if !isRevisionConflict(err) {
			return core.Run{}, fmt.Errorf("failed to update run %s in bucket '%s': %w", id, s.bucket, err)
		}

		s.log.Warn("Revision conflict updating run %s, retrying", id)
	}

	return core.Run{}, fmt.Errorf("failed to update run %s: too many concurrent writers", id)
}

// Watch streams the run from the bucket change feed.
func (s *KVStore) Watch(ctx context.Context, id string) (<-chan core.Run, error) {
	_, _, err := s.load(id)
	if err != nil {
		return nil, err
	}

	watcher, err := s.kv.Watch(id)
	if err != nil {
		return nil, fmt.Errorf("failed to watch run %s: %w", id, err)
	}

	updates := make(chan core.Run)

	go func() {
		defer close(updates)

		defer func() {
			stopErr := watcher.Stop()
			if stopErr != nil {
				s.log.Warn("Failed to stop watcher for run %s: %v", id, stopErr)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}

				// A nil entry marks the end of the initial values.
				if entry == nil {
					continue
				}

				if entry.Operation() != nats.KeyValuePut {
					return
				}

				var run core.Run

				decodeErr := json.Unmarshal(entry.Value(), &run)
				if decodeErr != nil {
					s.log.Error("Failed to decode run %s revision %d: %v", id, entry.Revision(), decodeErr)

					return
				}

				select {
				case updates <- run:
				case <-ctx.Done():
					return
				}

				if run.Status.IsTerminal() {
					return
				}
			}
		}
	}()

	return updates, nil
}

func (s *KVStore) load(id string) (core.Run, uint64, error) {
	entry, err := s.kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrInvalidKey) {
			return core.Run{}, 0, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}

		return core.Run{}, 0, fmt.Errorf("failed to get run %s from bucket '%s': %w", id, s.bucket, err)
	}

	var run core.Run

	err = json.Unmarshal(entry.Value(), &run)
	if err != nil {
		return core.Run{}, 0, fmt.Errorf("failed to decode run %s: %w", id, err)
	}

	return run, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}

	return false
}
