package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/statusclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flagSet := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	flags := parseFlags(flagSet, []string{"--server", "http://tts:9000", "--keys", "a.pcm,b.pcm", "--timeout", "30s"})

	assert.Equal(t, "http://tts:9000", flags.server)
	assert.Equal(t, "a.pcm,b.pcm", flags.keys)
	assert.Equal(t, 30*time.Second, flags.timeout)
	assert.False(t, flags.health)
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		expectedError string
		args          []string
	}{
		{name: "keys only", args: []string{"--keys", "a.pcm"}},
		{name: "health only", args: []string{"--health"}},
		{name: "both", args: []string{"--keys", "a.pcm", "--health"}, expectedError: errCannotSpecifyBoth},
		{name: "neither", args: nil, expectedError: errEitherKeysOrHealth},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			flags := parseFlags(flag.NewFlagSet(testCase.name, flag.ContinueOnError), testCase.args)
			err := validateArguments(flags)

			if testCase.expectedError == "" {
				require.NoError(t, err)

				return
			}

			require.EqualError(t, err, testCase.expectedError)
		})
	}
}

func TestSplitKeys(t *testing.T) {
	t.Parallel()

	keys := splitKeys("a.pcm, ,b.pcm,")
	require.Len(t, keys, 4)
	assert.Equal(t, "a.pcm", *keys[0])
	assert.Nil(t, keys[1])
	assert.Equal(t, "b.pcm", *keys[2])
	assert.Nil(t, keys[3])
}

// scriptedClient answers Submit and Await with fixed results.
type scriptedClient struct {
	submitErr error
	output    core.StatusOutput
	awaitErr  error
}

func (c scriptedClient) Submit(_ context.Context, _ []*string) (core.RunHandle, error) {
	if c.submitErr != nil {
		return core.RunHandle{}, c.submitErr
	}

	return core.RunHandle{ID: "run-1", PublicAccessToken: "tr_token"}, nil
}

func (c scriptedClient) Await(
	_ context.Context,
	handle core.RunHandle,
	onUpdate func(core.StatusUpdate),
) (core.StatusOutput, error) {
	onUpdate(core.StatusUpdate{ID: handle.ID, Status: core.RunStatusRunning})

	return c.output, c.awaitErr
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "tts-client-test.log")
	require.NoError(t, err)

	return testLogger
}

func testFlags() appFlags {
	return appFlags{server: "http://tts", keys: "a.pcm,b.pcm", timeout: time.Second}
}

func TestConvert_PrintsURL(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	client := scriptedClient{output: core.StatusOutput{URL: "http://tts/audio/x.mp3"}}

	require.NoError(t, convert(client, newTestLogger(t), testFlags(), &out, &errOut))
	assert.Equal(t, "http://tts/audio/x.mp3\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestConvert_PrintsServerMessageForNoOp(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	client := scriptedClient{output: core.StatusOutput{Message: "no audio chunks to process"}}

	require.NoError(t, convert(client, newTestLogger(t), testFlags(), &out, &errOut))
	assert.Equal(t, "no audio chunks to process\n", out.String())
}

func TestConvert_FailuresStayGeneric(t *testing.T) {
	t.Parallel()

	rawDetail := "status stream: websocket: close 1006 (abnormal closure): unexpected EOF"

	testCases := []struct {
		name   string
		client scriptedClient
	}{
		{
			name:   "run failed",
			client: scriptedClient{awaitErr: fmt.Errorf("%w: %s", statusclient.ErrConversionFailed, rawDetail)},
		},
		{
			name:   "submit failed",
			client: scriptedClient{submitErr: errors.New(rawDetail)},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var out, errOut bytes.Buffer

			err := convert(testCase.client, newTestLogger(t), testFlags(), &out, &errOut)
			require.ErrorIs(t, err, errConversionReported)
			assert.NotContains(t, err.Error(), rawDetail)
			assert.Equal(t, statusclient.UserFacingFailure+"\n", errOut.String())
			assert.Empty(t, out.String())
		})
	}
}
