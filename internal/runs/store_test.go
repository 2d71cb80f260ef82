package runs_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/runs"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchTimeout = 5 * time.Second

func newKVStore(t *testing.T) *runs.KVStore {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "runs-test.log")
	require.NoError(t, err)

	store, err := runs.NewKVStore(jetstreamContext, "TEST_RUNS", testLogger)
	require.NoError(t, err)

	return store
}

func storeImplementations(t *testing.T) map[string]core.RunStore {
	t.Helper()

	return map[string]core.RunStore{
		"memory": runs.NewMemoryStore(),
		"kv":     newKVStore(t),
	}
}

func collect(t *testing.T, updates <-chan core.Run) []core.Run {
	t.Helper()

	var seen []core.Run

	timeout := time.After(watchTimeout)

	for {
		select {
		case run, ok := <-updates:
			if !ok {
				return seen
			}

			seen = append(seen, run)
		case <-timeout:
			t.Fatalf("watch did not close; saw %d updates", len(seen))

			return seen
		}
	}
}

func TestRunStore_CreateGetUpdate(t *testing.T) {
	t.Parallel()

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			run := runs.New([]string{"chunk-a.pcm"}, time.Now())

			require.NoError(t, store.Create(ctx, run))
			require.ErrorIs(t, store.Create(ctx, run), runs.ErrRunExists)

			got, err := store.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, core.RunStatusQueued, got.Status)
			assert.Equal(t, []string{"chunk-a.pcm"}, got.Inputs)

			updated, err := store.Update(ctx, run.ID, runs.Start)
			require.NoError(t, err)
			assert.Equal(t, core.RunStatusRunning, updated.Status)

			_, err = store.Update(ctx, run.ID, runs.Start)
			require.ErrorIs(t, err, runs.ErrInvalidTransition)

			got, err = store.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, core.RunStatusRunning, got.Status, "failed mutation must not persist")

			_, err = store.Get(ctx, "missing")
			require.ErrorIs(t, err, runs.ErrRunNotFound)

			_, err = store.Update(ctx, "missing", runs.Start)
			require.ErrorIs(t, err, runs.ErrRunNotFound)
		})
	}
}

func TestRunStore_WatchUntilTerminal(t *testing.T) {
	t.Parallel()

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			run := runs.New([]string{"chunk-a.pcm"}, time.Now())
			require.NoError(t, store.Create(ctx, run))

			updates, err := store.Watch(ctx, run.ID)
			require.NoError(t, err)

			first := <-updates
			assert.Equal(t, core.RunStatusQueued, first.Status)

			go func() {
				_, _ = store.Update(ctx, run.ID, runs.Start)
				_, _ = store.Update(ctx, run.ID, func(r *core.Run) error {
					return runs.Complete(r, &core.RunOutput{URL: "http://x/out.mp3"}, time.Now())
				})
			}()

			rest := collect(t, updates)
			require.NotEmpty(t, rest)

			last := rest[len(rest)-1]
			assert.Equal(t, core.RunStatusCompleted, last.Status)
			require.NotNil(t, last.Output)
			assert.Equal(t, "http://x/out.mp3", last.Output.URL)

			for _, seen := range rest[:len(rest)-1] {
				assert.False(t, seen.Status.IsTerminal(), "terminal state must be the last update")
			}
		})
	}
}

func TestRunStore_WatchTerminalRunClosesImmediately(t *testing.T) {
	t.Parallel()

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			run := runs.New(nil, time.Now())
			require.NoError(t, store.Create(ctx, run))
			_, err := store.Update(ctx, run.ID, func(r *core.Run) error {
				return runs.Fail(r, "boom", time.Now())
			})
			require.NoError(t, err)

			updates, err := store.Watch(ctx, run.ID)
			require.NoError(t, err)

			seen := collect(t, updates)
			require.Len(t, seen, 1)
			assert.Equal(t, core.RunStatusFailed, seen[0].Status)
			assert.Equal(t, "boom", seen[0].Error)
		})
	}
}

func TestRunStore_WatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			run := runs.New(nil, time.Now())
			require.NoError(t, store.Create(ctx, run))

			updates, err := store.Watch(ctx, run.ID)
			require.NoError(t, err)

			<-updates
			cancel()

			collect(t, updates)
		})
	}
}

func TestRunStore_WatchMissing(t *testing.T) {
	t.Parallel()

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := store.Watch(context.Background(), "missing")
			require.ErrorIs(t, err, runs.ErrRunNotFound)
		})
	}
}
