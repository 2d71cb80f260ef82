package runs

import (
	"context"
	"fmt"
	"sync"

	"github.com/book-expert/tts-pipeline/internal/core"
)

type memoryEntry struct {
	run      core.Run
	revision uint64
	// changed is closed and replaced on every update.
	changed chan struct{}
}

// MemoryStore is an in-process core.RunStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:      sync.RWMutex{},
		entries: make(map[string]*memoryEntry),
	}
}

// Create stores a new run.
func (s *MemoryStore) Create(_ context.Context, run core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}

	s.entries[run.ID] = &memoryEntry{
		run:      clone(run),
		revision: 1,
		changed:  make(chan struct{}),
	}

	return nil
}

// Get returns a copy of the stored run.
func (s *MemoryStore) Get(_ context.Context, id string) (core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return core.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return clone(entry.run), nil
}

// Update applies mutate atomically. Nothing is stored if mutate fails.
func (s *MemoryStore) Update(_ context.Context, id string, mutate func(run *core.Run) error) (core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return core.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	updated := clone(entry.run)

	err := mutate(&updated)
	if err != nil {
		return core.Run{}, err
	}

	entry.run = updated
	entry.revision++
	close(entry.changed)
	entry.changed = make(chan struct{})

	return clone(updated), nil
}

// Watch streams the run. Intermediate states may be coalesced but the latest state,
// and in particular the terminal one, is always delivered.
func (s *MemoryStore) Watch(ctx context.Context, id string) (<-chan core.Run, error) {
	_, _, _, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}

	updates := make(chan core.Run)

	go func() {
		defer close(updates)

		var lastSent uint64

		for {
			run, revision, changed, err := s.snapshot(id)
			if err != nil {
				return
			}

			if revision != lastSent {
				select {
				case updates <- run:
					lastSent = revision
				case <-ctx.Done():
					return
				}

				if run.Status.IsTerminal() {
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

func (s *MemoryStore) snapshot(id string) (core.Run, uint64, <-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return core.Run{}, 0, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return clone(entry.run), entry.revision, entry.changed, nil
}
