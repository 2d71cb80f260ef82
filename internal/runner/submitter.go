package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/runs"
)

const dispatchFailedSummary = "failed to enqueue audio conversion"

// Submitter creates runs and hands them to a Dispatcher. It never waits for the
// pipeline itself.
type Submitter struct {
	store      core.RunStore
	dispatcher core.Dispatcher
	tokens     *runs.TokenIssuer
	log        *logger.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(
	store core.RunStore,
	dispatcher core.Dispatcher,
	tokens *runs.TokenIssuer,
	log *logger.Logger,
) *Submitter {
	return &Submitter{
		store:      store,
		dispatcher: dispatcher,
		tokens:     tokens,
		log:        log,
	}
}

// Submit records exactly one QUEUED run for keys, dispatches it and returns its handle.
// Empty or all-nil keys are accepted; the pipeline treats them as a no-op.
func (s *Submitter) Submit(ctx context.Context, keys []*string) (core.RunHandle, error) {
	run := runs.New(runs.FilterKeys(keys), time.Now())

	err := s.store.Create(ctx, run)
	if err != nil {
		return core.RunHandle{}, fmt.Errorf("failed to create run: %w", err)
	}

	err = s.dispatcher.Dispatch(ctx, core.RunRequest{RunID: run.ID, AudioKeys: keys})
	if err != nil {
		_, failErr := s.store.Update(context.WithoutCancel(ctx), run.ID, func(stored *core.Run) error {
			return runs.Fail(stored, dispatchFailedSummary, time.Now())
		})
		if failErr != nil {
			s.log.Error("Failed to mark undispatched run %s as failed: %v", run.ID, failErr)
		}

		return core.RunHandle{}, fmt.Errorf("failed to dispatch run %s: %w", run.ID, err)
	}

	s.log.Info("Run %s queued with %d chunks", run.ID, len(run.Inputs))

	return core.RunHandle{ID: run.ID, PublicAccessToken: s.tokens.Issue(run.ID)}, nil
}

// LocalDispatcher executes runs in goroutines of the current process.
type LocalDispatcher struct {
	ctx       context.Context //nolint:containedctx // lifetime of dispatched runs
	runner    *Runner
	log       *logger.Logger
	waitGroup sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher whose runs live as long as ctx.
func NewLocalDispatcher(ctx context.Context, runner *Runner, log *logger.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		ctx:       ctx,
		runner:    runner,
		log:       log,
		waitGroup: sync.WaitGroup{},
	}
}

// Dispatch starts the run and returns immediately.
func (d *LocalDispatcher) Dispatch(_ context.Context, req core.RunRequest) error {
	d.waitGroup.Go(func() {
		err := d.runner.Execute(d.ctx, req)
		if err != nil {
			d.log.Error("Local run %s ended with error: %v", req.RunID, err)
		}
	})

	return nil
}

// Wait blocks until every dispatched run has finished.
func (d *LocalDispatcher) Wait() {
	d.waitGroup.Wait()
}
