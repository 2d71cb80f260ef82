// Package worker carries transcode run requests over a JetStream work queue:
// NatsDispatcher publishes them and NatsWorker consumes them on a bounded pool.
// A request stays in the stream until a worker acknowledges it, so requests
// published while no worker is running, or taken by a worker that dies, are
// delivered again.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultMaxConcurrent = 4
	defaultAckWait       = 15 * time.Minute
	defaultRequeueDelay  = 5 * time.Second
	fetchWait            = 5 * time.Second
	fetchErrorDelay      = time.Second
	duplicateWindow      = 2 * time.Minute
)

var (
	// ErrRunIDEmpty indicates a request without a run id.
	ErrRunIDEmpty = errors.New("run id cannot be empty")
	// ErrOptionsIncomplete indicates a worker without a stream, subject or consumer.
	ErrOptionsIncomplete = errors.New("worker stream, subject and consumer are required")
)

// RunRequestedEvent is the message published for every submitted run.
type RunRequestedEvent struct {
	Header    events.EventHeader `json:"header"`
	AudioKeys []*string          `json:"audioUrl"`
}

// Executor runs one request to completion.
type Executor interface {
	Execute(ctx context.Context, req core.RunRequest) error
}

// EnsureStream creates the work-queue stream that holds run requests published on
// subject, or binds to it if it already exists.
func EnsureStream(jetstreamContext nats.JetStreamContext, streamName, subject string) error {
	_, err := jetstreamContext.AddStream(&nats.StreamConfig{
		Name:        streamName,
		Description: "Pending transcode run requests.",
		Subjects:    []string{subject},
		Retention:   nats.WorkQueuePolicy,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Duplicates:  duplicateWindow,
	})
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	_, err = jetstreamContext.StreamInfo(streamName)
	if err != nil {
		return fmt.Errorf("failed to bind to existing stream '%s': %w", streamName, err)
	}

	return nil
}

// NatsDispatcher implements core.Dispatcher by publishing RunRequestedEvent to the
// run request stream.
type NatsDispatcher struct {
	jetstreamContext nats.JetStreamContext
	subject          string
}

// NewNatsDispatcher creates a dispatcher publishing on subject.
func NewNatsDispatcher(jetstreamContext nats.JetStreamContext, subject string) *NatsDispatcher {
	return &NatsDispatcher{
		jetstreamContext: jetstreamContext,
		subject:          subject,
	}
}

// Dispatch publishes the request and returns once the stream has stored it. The run
// id doubles as the message id, so a repeated publish of one run is stored once.
func (d *NatsDispatcher) Dispatch(ctx context.Context, req core.RunRequest) error {
	event := RunRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: req.RunID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		AudioKeys: req.AudioKeys,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}

	_, err = d.jetstreamContext.Publish(d.subject, data, nats.Context(ctx), nats.MsgId(req.RunID))
	if err != nil {
		return fmt.Errorf("failed to publish run request on %s: %w", d.subject, err)
	}

	return nil
}

// Options configures a NatsWorker. Workers sharing Consumer split the requests
// between them.
type Options struct {
	Stream        string
	Subject       string
	Consumer      string
	MaxConcurrent int
	// AckWait must outlast a whole run; a request not acknowledged in time is handed
	// to another worker.
	AckWait      time.Duration
	RequeueDelay time.Duration
}

// NatsWorker pulls run requests from the stream and executes them.
type NatsWorker struct {
	jetstreamContext nats.JetStreamContext
	opts             Options
	executor         Executor
	log              *logger.Logger
	slots            chan struct{}
	waitGroup        sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	jetstreamContext nats.JetStreamContext,
	opts Options,
	executor Executor,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.Stream == "" || opts.Subject == "" || opts.Consumer == "" {
		return nil, ErrOptionsIncomplete
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}

	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}

	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = defaultRequeueDelay
	}

	return &NatsWorker{
		jetstreamContext: jetstreamContext,
		opts:             opts,
		executor:         executor,
		log:              log,
		slots:            make(chan struct{}, opts.MaxConcurrent),
		waitGroup:        sync.WaitGroup{},
	}, nil
}

// Run pulls requests until ctx is cancelled, then waits for runs in flight. A request
// is only fetched once a slot is free, so nothing taken from the stream is left
// waiting behind a full pool.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.subscribe()
	if err != nil {
		return err
	}

	w.log.System("Worker consuming %s (stream %s, consumer %s)", w.opts.Subject, w.opts.Stream, w.opts.Consumer)

	for w.acquireSlot(ctx) {
		msg, fetchErr := w.fetch(ctx, sub)
		if fetchErr != nil {
			w.releaseSlot()
			w.handleFetchError(ctx, fetchErr)

			continue
		}

		w.handleMessage(ctx, msg)
	}

	w.waitGroup.Wait()

	// The subscription is bound, so this leaves the durable consumer to other workers.
	unsubErr := sub.Unsubscribe()
	if unsubErr != nil && !errors.Is(unsubErr, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", w.opts.Subject, unsubErr)
	}

	return nil
}

// subscribe creates the durable pull consumer if needed and binds to it.
func (w *NatsWorker) subscribe() (*nats.Subscription, error) {
	_, err := w.jetstreamContext.ConsumerInfo(w.opts.Stream, w.opts.Consumer)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = w.jetstreamContext.AddConsumer(w.opts.Stream, &nats.ConsumerConfig{
			Durable:       w.opts.Consumer,
			Description:   "Transcode workers.",
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       w.opts.AckWait,
			FilterSubject: w.opts.Subject,
			DeliverPolicy: nats.DeliverAllPolicy,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to set up consumer '%s' on stream '%s': %w", w.opts.Consumer, w.opts.Stream, err)
	}

	sub, err := w.jetstreamContext.PullSubscribe(w.opts.Subject, w.opts.Consumer, nats.Bind(w.opts.Stream, w.opts.Consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", w.opts.Subject, err)
	}

	return sub, nil
}

func (w *NatsWorker) acquireSlot(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	if ctx.Err() != nil {
		w.releaseSlot()

		return false
	}

	return true
}

func (w *NatsWorker) releaseSlot() {
	<-w.slots
}

func (w *NatsWorker) fetch(ctx context.Context, sub *nats.Subscription) (*nats.Msg, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		return nil, nats.ErrTimeout
	}

	return msgs[0], nil
}

func (w *NatsWorker) handleFetchError(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	w.log.Warn("Failed to fetch run request from %s: %v", w.opts.Subject, err)

	select {
	case <-time.After(fetchErrorDelay):
	case <-ctx.Done():
	}
}

// handleMessage runs one request in the background. The slot taken by Run is
// released when the run ends.
func (w *NatsWorker) handleMessage(ctx context.Context, msg *nats.Msg) {
	req, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate run request: %v", err)
		w.settle(msg.Term, "terminate", "invalid")
		w.releaseSlot()

		return
	}

	meta, err := msg.Metadata()
	if err == nil && meta.NumDelivered > 1 {
		req.Redelivered = true
	}

	w.waitGroup.Go(func() {
		defer w.releaseSlot()

		// Runs in flight finish even while the worker shuts down.
		execErr := w.executor.Execute(context.WithoutCancel(ctx), req)
		if execErr == nil {
			w.settle(msg.Ack, "acknowledge", req.RunID)

			return
		}

		w.log.Error("Failed to process run %s: %v", req.RunID, execErr)

		if errors.Is(execErr, core.ErrRunNotStarted) {
			w.settle(func(opts ...nats.AckOpt) error {
				return msg.NakWithDelay(w.opts.RequeueDelay, opts...)
			}, "requeue", req.RunID)

			return
		}

		// The run reached a terminal state or can never start; either way the
		// request is done.
		w.settle(msg.Ack, "acknowledge", req.RunID)
	})
}

func (w *NatsWorker) settle(action func(opts ...nats.AckOpt) error, verb, runID string) {
	err := action()
	if err != nil {
		w.log.Warn("Failed to %s request for run %s: %v", verb, runID, err)
	}
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (core.RunRequest, error) {
	var event RunRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return core.RunRequest{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.Header.WorkflowID == "" {
		return core.RunRequest{}, ErrRunIDEmpty
	}

	return core.RunRequest{RunID: event.Header.WorkflowID, AudioKeys: event.AudioKeys, Redelivered: false}, nil
}
