package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/api"
	"github.com/book-expert/tts-pipeline/internal/audio"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/encoder"
	"github.com/book-expert/tts-pipeline/internal/errreport"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/runner"
	"github.com/book-expert/tts-pipeline/internal/runs"
	"github.com/book-expert/tts-pipeline/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type serveOptions struct {
	api    bool
	worker bool
}

// serve connects to NATS, builds the components selected by opts and runs them until
// SIGINT or SIGTERM.
func serve(parent context.Context, cfg *config.Config, log *logger.Logger, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("tts-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	objects, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket, cfg.Server.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	runStore, err := runs.NewKVStore(jetstreamContext, cfg.NATS.RunsKVBucket, log)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	err = worker.EnsureStream(jetstreamContext, cfg.NATS.RunsStream, cfg.NATS.RunsSubject)
	if err != nil {
		return fmt.Errorf("failed to open run request stream: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if opts.worker {
		natsWorker, workerErr := newWorker(cfg, log, natsConnection, jetstreamContext, objects, runStore)
		if workerErr != nil {
			return workerErr
		}

		group.Go(func() error {
			return natsWorker.Run(groupCtx)
		})
	}

	if opts.api {
		tokens := runs.NewTokenIssuer(cfg.Server.TokenSecret)
		dispatcher := worker.NewNatsDispatcher(jetstreamContext, cfg.NATS.RunsSubject)
		submitter := runner.NewSubmitter(runStore, dispatcher, tokens, log)
		handler := api.NewServer(submitter, runStore, tokens, objects, log).Handler()

		group.Go(func() error {
			return listen(groupCtx, cfg.Server.ListenAddr, handler, log)
		})
	}

	log.System("tts-service started (api=%t, worker=%t)", opts.api, opts.worker)

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.System("tts-service stopped")

	return nil
}

func newWorker(
	cfg *config.Config,
	log *logger.Logger,
	natsConnection *nats.Conn,
	jetstreamContext nats.JetStreamContext,
	objects *objectstore.NatsObjectStore,
	runStore *runs.KVStore,
) (*worker.NatsWorker, error) {
	profile := profileFromConfig(cfg.Encoder)

	ffmpeg, err := encoder.New(cfg.Encoder.FFmpegPath, profile, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	transcoder := pipeline.NewTranscoder(objects, ffmpeg, &profile, cfg.Paths.TempDir, log)
	reporter := errreport.NewNatsReporter(natsConnection, cfg.NATS.ErrorsSubject, log)

	executor := runner.New(runStore, transcoder, reporter, runner.Policy{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		Timeout:        cfg.Pipeline.RunTimeout(),
		InitialBackoff: cfg.Pipeline.InitialBackoff(),
		MaxBackoff:     cfg.Pipeline.MaxBackoff(),
	}, log)

	natsWorker, err := worker.NewNatsWorker(jetstreamContext, worker.Options{
		Stream:        cfg.NATS.RunsStream,
		Subject:       cfg.NATS.RunsSubject,
		Consumer:      cfg.NATS.RunsConsumer,
		MaxConcurrent: cfg.Pipeline.MaxConcurrentRuns,
		AckWait:       cfg.Pipeline.RedeliveryWait(),
		RequeueDelay:  cfg.Pipeline.InitialBackoff(),
	}, executor, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	return natsWorker, nil
}

// profileFromConfig applies the configured overrides to the default profile.
func profileFromConfig(encoderConfig config.EncoderConfig) audio.Profile {
	profile := audio.NewDefaultProfile()

	if encoderConfig.InputSampleRate > 0 {
		profile.InputSampleRate = encoderConfig.InputSampleRate
	}

	if encoderConfig.OutputSampleRate > 0 {
		profile.OutputSampleRate = encoderConfig.OutputSampleRate
	}

	if encoderConfig.Bitrate != "" {
		profile.Bitrate = encoderConfig.Bitrate
	}

	return profile
}

func listen(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		log.System("HTTP API listening on %s", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}
