package core

import (
	"errors"
	"time"
)

// ErrRunNotStarted is returned by an executor that could not move a run out of QUEUED
// for a reason that may clear up, such as an unreachable run store. The request
// should be delivered again.
var ErrRunNotStarted = errors.New("run could not be started")

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further transitions may occur.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunOutput is the result of a successful run. URL is empty for a no-op run.
type RunOutput struct {
	URL         string `json:"url,omitempty"`
	ArtifactKey string `json:"artifactKey,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Run is one execution of the transcode pipeline.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Inputs      []string   `json:"inputs"`
	Output      *RunOutput `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RunRequest is the unit of work handed to a Dispatcher. AudioKeys may contain nil
// entries; the pipeline filters them. Redelivered is set by the transport when an
// earlier delivery of the same request was never acknowledged.
type RunRequest struct {
	RunID       string    `json:"runId"`
	AudioKeys   []*string `json:"audioKeys"`
	Redelivered bool      `json:"redelivered,omitempty"`
}

// RunHandle is returned to the submitting client.
type RunHandle struct {
	ID                string `json:"id"`
	PublicAccessToken string `json:"publicAccessToken"`
}

// StatusOutput is the output part of a StatusUpdate.
type StatusOutput struct {
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
}

// StatusUpdate is the wire form of a Run observed through the status channel.
type StatusUpdate struct {
	ID     string        `json:"id"`
	Status RunStatus     `json:"status"`
	Output *StatusOutput `json:"output,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ToStatusUpdate projects a Run onto its wire form.
func (r Run) ToStatusUpdate() StatusUpdate {
	update := StatusUpdate{
		ID:     r.ID,
		Status: r.Status,
		Output: nil,
		Error:  "",
	}

	switch r.Status {
	case RunStatusCompleted:
		if r.Output != nil {
			update.Output = &StatusOutput{URL: r.Output.URL, Message: r.Output.Message}
		}
	case RunStatusFailed:
		update.Error = r.Error
	case RunStatusQueued, RunStatusRunning:
	}

	return update
}

// ErrorReport describes one failed pipeline attempt.
type ErrorReport struct {
	Source    string    `json:"source"`
	RunID     string    `json:"runId"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
