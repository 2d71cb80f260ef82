package main

import (
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/spf13/cobra"
)

const (
	bootstrapLogFile = "tts-service-bootstrap.log"
	serviceLogFile   = "tts-service.log"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tts-service",
		Short:         "Asynchronous PCM to MP3 transcoding service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newConfigCommand())

	return root
}

func newServeCommand() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with an embedded transcode worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(func(cfg *config.Config, log *logger.Logger) error {
				return serve(cmd.Context(), cfg, log, serveOptions{api: true, worker: withWorker})
			})
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "Also consume transcode requests in this process")

	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume transcode requests without serving HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(func(cfg *config.Config, log *logger.Logger) error {
				return serve(cmd.Context(), cfg, log, serveOptions{api: false, worker: true})
			})
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(func(cfg *config.Config, log *logger.Logger) error {
				log.Info("Configuration is valid (nats %s, listen %s)", cfg.NATS.URL, cfg.Server.ListenAddr)
				fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")

				return nil
			})
		},
	}
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// withService loads the configuration with a bootstrap logger, opens the service
// logger in the configured directory and hands both to body.
func withService(body func(cfg *config.Config, log *logger.Logger) error) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer closeLogger(bootstrapLog)

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer closeLogger(finalLog)

	return body(cfg, finalLog)
}

func closeLogger(log *logger.Logger) {
	closeErr := log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
	}
}
