package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/statusclient"
)

// Flag descriptions and messages.
const (
	flagServerDesc  = "Base URL of the tts-service HTTP API"
	flagKeysDesc    = "Comma-separated object store keys of the PCM chunks, in playback order"
	flagTimeoutDesc = "How long to wait for the conversion to finish"
	flagLogDirDesc  = "Directory for the client log file"
	flagVerboseDesc = "Print every status transition"
	flagHealthDesc  = "Check tts-service health and exit"
)

// Flag names.
const (
	flagServer  = "server"
	flagKeys    = "keys"
	flagTimeout = "timeout"
	flagLogDir  = "log-dir"
	flagVerbose = "verbose"
	flagHealth  = "health"
)

// Error and log messages.
const (
	errFailedToInitLogger = "Failed to initialize logger: %v"
	errHealthCheckFailed  = "Health check failed: %v"
	errServiceNotHealthy  = "tts-service is not healthy: %v\n"
	msgServiceHealthy     = "tts-service is healthy"
	errEitherKeysOrHealth = "Either --keys or --health must be provided"
	errCannotSpecifyBoth  = "Cannot specify both --keys and --health"
	errFailedToSubmit     = "Failed to submit chunks: %v"
	errConversionFailed   = "Conversion of run %s failed: %v"
)

// errConversionReported means the user has already been told the conversion failed;
// the details are in the client log.
var errConversionReported = errors.New("conversion failed")

// Log messages.
const (
	logSubmitting  = "Submitting %d chunks to %s"
	logSubmitted   = "Run %s queued"
	logTransition  = "Run %s is %s"
	logCompleted   = "Run %s completed: %s"
	logNothingToDo = "Run %s completed without audio: %s"
	msgNothingToDo = "Nothing to convert"
)

const (
	logFileName    = "tts-client.log"
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 10 * time.Minute
	requestTimeout = 10 * time.Second
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	keys    string
	logDir  string
	timeout time.Duration
	verbose bool
	health  bool
}

// conversionClient is the part of statusclient.Client used to convert chunks.
type conversionClient interface {
	Submit(ctx context.Context, keys []*string) (core.RunHandle, error)
	Await(ctx context.Context, handle core.RunHandle, onUpdate func(core.StatusUpdate)) (core.StatusOutput, error)
}

func main() {
	err := run()
	if errors.Is(err, errConversionReported) {
		os.Exit(1)
	}

	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	err := validateArguments(flags)
	if err != nil {
		flag.Usage()

		return err
	}

	clientLog, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer clientLog.Close()

	client := statusclient.New(flags.server, requestTimeout)

	if flags.health {
		return handleHealthCheck(client, clientLog)
	}

	return convert(client, clientLog, flags, os.Stdout, os.Stderr)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(flagSet *flag.FlagSet, args []string) appFlags {
	var flags appFlags
	flagSet.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flagSet.StringVar(&flags.keys, flagKeys, "", flagKeysDesc)
	flagSet.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	_ = flagSet.Parse(args)

	return flags
}

// validateArguments rejects missing and conflicting modes.
func validateArguments(flags appFlags) error {
	if flags.keys == "" && !flags.health {
		return errors.New(errEitherKeysOrHealth)
	}

	if flags.keys != "" && flags.health {
		return errors.New(errCannotSpecifyBoth)
	}

	return nil
}

// splitKeys turns the --keys value into the submission list. Blank entries become
// nil so the service drops them the same way it drops JSON nulls.
func splitKeys(raw string) []*string {
	parts := strings.Split(raw, ",")
	keys := make([]*string, 0, len(parts))

	for _, part := range parts {
		key := strings.TrimSpace(part)
		if key == "" {
			keys = append(keys, nil)

			continue
		}

		keys = append(keys, &key)
	}

	return keys
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(client *statusclient.Client, clientLog *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := client.HealthCheck(ctx)
	if err != nil {
		clientLog.Error(errHealthCheckFailed, err)
		fmt.Printf(errServiceNotHealthy, err)

		return err
	}

	fmt.Println(msgServiceHealthy)

	return nil
}

// convert submits the chunks and waits for the run to finish. Failures are written
// to errOut as one generic sentence; the underlying errors only go to the log.
func convert(
	client conversionClient,
	clientLog *logger.Logger,
	flags appFlags,
	out, errOut io.Writer,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	keys := splitKeys(flags.keys)
	clientLog.Info(logSubmitting, len(keys), flags.server)

	handle, err := client.Submit(ctx, keys)
	if err != nil {
		clientLog.Error(errFailedToSubmit, err)
		fmt.Fprintln(errOut, statusclient.UserMessage(err))

		return errConversionReported
	}

	clientLog.Info(logSubmitted, handle.ID)

	output, err := client.Await(ctx, handle, func(update core.StatusUpdate) {
		clientLog.Info(logTransition, update.ID, update.Status)

		if flags.verbose {
			fmt.Fprintf(out, "%s %s\n", update.ID, update.Status)
		}
	})
	if err != nil {
		clientLog.Error(errConversionFailed, handle.ID, err)
		fmt.Fprintln(errOut, statusclient.UserMessage(err))

		return errConversionReported
	}

	if output.URL == "" {
		message := output.Message
		if message == "" {
			message = msgNothingToDo
		}

		clientLog.Info(logNothingToDo, handle.ID, message)
		fmt.Fprintln(out, message)

		return nil
	}

	clientLog.Info(logCompleted, handle.ID, output.URL)
	fmt.Fprintln(out, output.URL)

	return nil
}
