// Package statusclient_test tests the API client against scripted servers.
package statusclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/statusclient"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRunID = "run-1"
	testToken = "tr_token"
)

var testHandle = core.RunHandle{ID: testRunID, PublicAccessToken: testToken}

// scriptedServer pushes the given updates over the subscribe socket and then holds
// the connection open until the client closes it.
func scriptedServer(t *testing.T, updates []core.StatusUpdate) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/runs/{id}/subscribe", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, update := range updates {
			if conn.WriteJSON(update) != nil {
				return
			}
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestAwait_Completed(t *testing.T) {
	t.Parallel()

	server := scriptedServer(t, []core.StatusUpdate{
		{ID: testRunID, Status: core.RunStatusQueued},
		{ID: testRunID, Status: core.RunStatusRunning},
		{ID: testRunID, Status: core.RunStatusCompleted, Output: &core.StatusOutput{URL: "http://files/audio/a.mp3"}},
		{ID: testRunID, Status: core.RunStatusFailed, Error: "never read"},
	})

	client := statusclient.New(server.URL, time.Second)

	var seen []core.RunStatus

	output, err := client.Await(context.Background(), testHandle, func(update core.StatusUpdate) {
		seen = append(seen, update.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, "http://files/audio/a.mp3", output.URL)
	assert.Equal(t, []core.RunStatus{core.RunStatusQueued, core.RunStatusRunning, core.RunStatusCompleted}, seen)
}

func TestAwait_CompletedNoOp(t *testing.T) {
	t.Parallel()

	server := scriptedServer(t, []core.StatusUpdate{
		{ID: testRunID, Status: core.RunStatusCompleted, Output: &core.StatusOutput{Message: "no audio chunks to process"}},
	})

	output, err := statusclient.New(server.URL, time.Second).Await(context.Background(), testHandle, nil)
	require.NoError(t, err)
	assert.Empty(t, output.URL)
	assert.Equal(t, "no audio chunks to process", output.Message)
}

func TestAwait_Failed(t *testing.T) {
	t.Parallel()

	server := scriptedServer(t, []core.StatusUpdate{
		{ID: testRunID, Status: core.RunStatusRunning},
		{ID: testRunID, Status: core.RunStatusFailed, Error: "audio encode failed"},
	})

	output, err := statusclient.New(server.URL, time.Second).Await(context.Background(), testHandle, nil)
	require.ErrorIs(t, err, statusclient.ErrConversionFailed)
	assert.Empty(t, output.URL)
	assert.Equal(t, statusclient.UserFacingFailure, statusclient.UserMessage(err))
}

func TestAwait_SubscriptionErrors(t *testing.T) {
	t.Parallel()

	t.Run("stream closes before terminal", func(t *testing.T) {
		t.Parallel()

		upgrader := websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}

			_ = conn.WriteJSON(core.StatusUpdate{ID: testRunID, Status: core.RunStatusRunning})
			_ = conn.Close()
		}))
		t.Cleanup(server.Close)

		_, err := statusclient.New(server.URL, time.Second).Await(context.Background(), testHandle, nil)
		require.ErrorIs(t, err, statusclient.ErrConversionFailed)
	})

	t.Run("unauthorized", func(t *testing.T) {
		t.Parallel()

		server := scriptedServer(t, nil)
		handle := core.RunHandle{ID: testRunID, PublicAccessToken: "tr_wrong"}

		_, err := statusclient.New(server.URL, time.Second).Await(context.Background(), handle, nil)
		require.ErrorIs(t, err, statusclient.ErrConversionFailed)
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		t.Parallel()

		server := scriptedServer(t, []core.StatusUpdate{{ID: testRunID, Status: core.RunStatusQueued}})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := statusclient.New(server.URL, time.Second).Await(ctx, testHandle, nil)
		require.ErrorIs(t, err, statusclient.ErrConversionFailed)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()

	var received map[string][]*string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/convert", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(testHandle)
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_ = json.NewEncoder(w).Encode(core.StatusUpdate{ID: r.PathValue("id"), Status: core.RunStatusRunning})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := statusclient.New(server.URL+"/", time.Second)
	key := "chunk-1.pcm"

	require.NoError(t, client.HealthCheck(context.Background()))

	handle, err := client.Submit(context.Background(), []*string{&key, nil})
	require.NoError(t, err)
	assert.Equal(t, testHandle, handle)
	require.Len(t, received["audioUrl"], 2)
	assert.Equal(t, key, *received["audioUrl"][0])
	assert.Nil(t, received["audioUrl"][1])

	update, err := client.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, update.Status)

	_, err = client.Status(context.Background(), core.RunHandle{ID: testRunID, PublicAccessToken: "tr_wrong"})
	require.Error(t, err)
}

func TestHealthCheck_Down(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	require.Error(t, statusclient.New(server.URL, time.Second).HealthCheck(context.Background()))
}
