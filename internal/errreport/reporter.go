// Package errreport forwards pipeline failures to the error-log collaborator over NATS.
package errreport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SourcePipeline tags errors raised by the transcode pipeline.
const SourcePipeline = "transcode-pipeline"

// ErrorReportedEvent is published for every reported failure.
type ErrorReportedEvent struct {
	Header  events.EventHeader `json:"header"`
	Source  string             `json:"source"`
	RunID   string             `json:"runId"`
	Attempt int                `json:"attempt"`
	Message string             `json:"message"`
}

// NatsReporter implements core.ErrorReporter by publishing ErrorReportedEvent.
type NatsReporter struct {
	natsConnection *nats.Conn
	subject        string
	log            *logger.Logger
}

// NewNatsReporter creates a reporter publishing on subject.
func NewNatsReporter(natsConnection *nats.Conn, subject string, log *logger.Logger) *NatsReporter {
	return &NatsReporter{
		natsConnection: natsConnection,
		subject:        subject,
		log:            log,
	}
}

// Report logs the failure and publishes it.
func (r *NatsReporter) Report(_ context.Context, report core.ErrorReport) error {
	r.log.Error("[%s] run %s attempt %d: %s", report.Source, report.RunID, report.Attempt, report.Message)

	timestamp := report.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	event := ErrorReportedEvent{
		Header: events.EventHeader{
			Timestamp:  timestamp,
			WorkflowID: report.RunID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Source:  report.Source,
		RunID:   report.RunID,
		Attempt: report.Attempt,
		Message: report.Message,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal error report: %w", err)
	}

	err = r.natsConnection.Publish(r.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish error report on %s: %w", r.subject, err)
	}

	return nil
}
