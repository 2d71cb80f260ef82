// Package runs owns the Run lifecycle: its state machine, persistence, change
// streams and scoped access tokens.
package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/google/uuid"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrOutputRequired is returned when completing a run without an output.
	ErrOutputRequired = errors.New("completed run requires an output")
	// ErrErrorRequired is returned when failing a run without an error detail.
	ErrErrorRequired = errors.New("failed run requires an error detail")
)

// New returns a fresh QUEUED run for the given filtered inputs.
func New(inputs []string, now time.Time) core.Run {
	if inputs == nil {
		inputs = []string{}
	}

	return core.Run{
		ID:          uuid.NewString(),
		Status:      core.RunStatusQueued,
		Inputs:      inputs,
		Output:      nil,
		Error:       "",
		Attempts:    0,
		CreatedAt:   now.UTC(),
		CompletedAt: nil,
	}
}

// FilterKeys drops nil and empty references while keeping order.
func FilterKeys(keys []*string) []string {
	filtered := make([]string, 0, len(keys))

	for _, key := range keys {
		if key == nil || *key == "" {
			continue
		}

		filtered = append(filtered, *key)
	}

	return filtered
}

// isValidTransition enforces the allowed run state machine edges.
func isValidTransition(from, to core.RunStatus) bool {
	switch from {
	case core.RunStatusQueued:
		return to == core.RunStatusRunning || to == core.RunStatusFailed
	case core.RunStatusRunning:
		return to == core.RunStatusCompleted || to == core.RunStatusFailed
	case core.RunStatusCompleted, core.RunStatusFailed:
		return false
	default:
		return false
	}
}

func transition(run *core.Run, to core.RunStatus) error {
	if !isValidTransition(run.Status, to) {
		return fmt.Errorf("%w: %s -> %s (run %s)", ErrInvalidTransition, run.Status, to, run.ID)
	}

	run.Status = to

	return nil
}

// Start moves a queued run to RUNNING.
func Start(run *core.Run) error {
	return transition(run, core.RunStatusRunning)
}

// RecordAttempt bumps the attempt counter of a running run.
func RecordAttempt(run *core.Run) error {
	if run.Status != core.RunStatusRunning {
		return fmt.Errorf("%w: attempt recorded while %s (run %s)", ErrInvalidTransition, run.Status, run.ID)
	}

	run.Attempts++

	return nil
}

// Complete moves a running run to COMPLETED with its output.
func Complete(run *core.Run, output *core.RunOutput, now time.Time) error {
	if output == nil {
		return ErrOutputRequired
	}

	err := transition(run, core.RunStatusCompleted)
	if err != nil {
		return err
	}

	completedAt := now.UTC()
	run.Output = output
	run.Error = ""
	run.CompletedAt = &completedAt

	return nil
}

// Fail moves a queued or running run to FAILED with an error detail.
func Fail(run *core.Run, detail string, now time.Time) error {
	if detail == "" {
		return ErrErrorRequired
	}

	err := transition(run, core.RunStatusFailed)
	if err != nil {
		return err
	}

	completedAt := now.UTC()
	run.Output = nil
	run.Error = detail
	run.CompletedAt = &completedAt

	return nil
}

// clone copies a run so callers never share slices or pointers with a store.
func clone(run core.Run) core.Run {
	out := run
	out.Inputs = append([]string(nil), run.Inputs...)

	if run.Output != nil {
		output := *run.Output
		out.Output = &output
	}

	if run.CompletedAt != nil {
		completedAt := *run.CompletedAt
		out.CompletedAt = &completedAt
	}

	return out
}
