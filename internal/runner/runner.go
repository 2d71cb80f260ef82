// Package runner executes transcode runs: it owns the retry policy, the per-run
// timeout and every status transition after submission.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/errreport"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/runs"
	"github.com/cenkalti/backoff/v4"
)

const (
	finalizeTimeout   = 10 * time.Second
	timedOutSummary   = "audio conversion timed out"
	abandonedSummary  = "audio conversion interrupted"
	maxReportedLength = 500
)

// ErrRunInProgress is returned when a request arrives for a run that is already running.
var ErrRunInProgress = errors.New("run already in progress")

// Pipeline is the unit of work retried by the Runner.
type Pipeline interface {
	Process(ctx context.Context, keys []*string) (*core.RunOutput, error)
}

// Policy bounds how long and how often a run is attempted.
type Policy struct {
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Runner drives one run from QUEUED to a terminal state.
type Runner struct {
	store    core.RunStore
	pipeline Pipeline
	reporter core.ErrorReporter
	policy   Policy
	log      *logger.Logger
	now      func() time.Time
}

// New creates a Runner.
func New(
	store core.RunStore,
	work Pipeline,
	reporter core.ErrorReporter,
	policy Policy,
	log *logger.Logger,
) *Runner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	return &Runner{
		store:    store,
		pipeline: work,
		reporter: reporter,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
}

// Execute runs the pipeline for req with whole-pipeline retries and records the
// outcome. A request for a run that already finished is ignored, so redelivered
// messages are harmless. The pipeline error is returned after the run is marked FAILED.
func (r *Runner) Execute(ctx context.Context, req core.RunRequest) error {
	ctx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	_, err := r.store.Update(ctx, req.RunID, runs.Start)
	if err != nil {
		return r.handleStartError(ctx, req, err)
	}

	r.log.Info("Run %s started with %d input references", req.RunID, len(req.AudioKeys))

	output, runErr := r.attemptAll(ctx, req)

	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer finalCancel()

	if runErr != nil {
		summary := pipeline.Summary(runErr)
		if ctx.Err() != nil {
			summary = timedOutSummary
		}

		_, err = r.store.Update(finalCtx, req.RunID, func(run *core.Run) error {
			return runs.Fail(run, summary, r.now())
		})
		if err != nil {
			r.log.Error("Failed to mark run %s as failed: %v", req.RunID, err)
		}

		r.log.Error("Run %s failed: %v", req.RunID, runErr)

		return fmt.Errorf("run %s failed: %w", req.RunID, runErr)
	}

	_, err = r.store.Update(finalCtx, req.RunID, func(run *core.Run) error {
		return runs.Complete(run, output, r.now())
	})
	if err != nil {
		return fmt.Errorf("failed to mark run %s as completed: %w", req.RunID, err)
	}

	r.log.Info("Run %s completed: %s", req.RunID, describe(output))

	return nil
}

// handleStartError decides what a request for a run that cannot be started means.
// A terminal run was already handled. A RUNNING run on a redelivered request lost its
// worker, so it is closed as FAILED. Store failures are left for a later delivery.
func (r *Runner) handleStartError(ctx context.Context, req core.RunRequest, startErr error) error {
	runID := req.RunID

	if errors.Is(startErr, runs.ErrRunNotFound) {
		return fmt.Errorf("failed to start run %s: %w", runID, startErr)
	}

	if !errors.Is(startErr, runs.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s: %w", core.ErrRunNotStarted, runID, startErr)
	}

	existing, err := r.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("%w: failed to load run %s: %w", core.ErrRunNotStarted, runID, err)
	}

	if existing.Status.IsTerminal() {
		r.log.Warn("Ignoring request for run %s, already %s", runID, existing.Status)

		return nil
	}

	if !req.Redelivered {
		return fmt.Errorf("%w: %s", ErrRunInProgress, runID)
	}

	r.log.Warn("Run %s was left RUNNING by a worker that went away, marking it failed", runID)

	_, err = r.store.Update(ctx, runID, func(run *core.Run) error {
		return runs.Fail(run, abandonedSummary, r.now())
	})
	if err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			return nil
		}

		return fmt.Errorf("%w: failed to close abandoned run %s: %w", core.ErrRunNotStarted, runID, err)
	}

	return nil
}

// attemptAll retries the whole pipeline with exponential backoff. Nothing is carried
// over between attempts.
func (r *Runner) attemptAll(ctx context.Context, req core.RunRequest) (*core.RunOutput, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = r.policy.InitialBackoff
	exponential.MaxInterval = r.policy.MaxBackoff
	exponential.MaxElapsedTime = 0

	//nolint:gosec // MaxAttempts is validated to be >= 1
	retries := uint64(r.policy.MaxAttempts - 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, retries), ctx)

	var (
		output  *core.RunOutput
		attempt int
	)

	operation := func() error {
		attempt++

		_, err := r.store.Update(ctx, req.RunID, runs.RecordAttempt)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to record attempt: %w", err))
		}

		result, err := r.pipeline.Process(ctx, req.AudioKeys)
		if err != nil {
			r.report(ctx, req.RunID, attempt, err)

			return err
		}

		output = result

		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.log.Warn("Run %s attempt %d/%d failed, retrying in %s: %v",
			req.RunID, attempt, r.policy.MaxAttempts, wait, err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		return nil, err
	}

	return output, nil
}

func (r *Runner) report(ctx context.Context, runID string, attempt int, cause error) {
	message := cause.Error()
	if len(message) > maxReportedLength {
		message = message[:maxReportedLength] + "..."
	}

	err := r.reporter.Report(context.WithoutCancel(ctx), core.ErrorReport{
		Source:    errreport.SourcePipeline,
		RunID:     runID,
		Attempt:   attempt,
		Message:   message,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		r.log.Warn("Failed to report error for run %s: %v", runID, err)
	}
}

func describe(output *core.RunOutput) string {
	if output.URL == "" {
		return output.Message
	}

	return output.URL
}
