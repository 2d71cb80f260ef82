// Package api exposes run submission, status observation and artifact download over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/runs"
	"github.com/gorilla/websocket"
)

const (
	maxRequestBytes  = 1 << 20
	wsWriteTimeout   = 10 * time.Second
	wsBufferSize     = 1024
	artifactSuffix   = ".mp3"
	headerAuthorize  = "Authorization"
	bearerPrefix     = "Bearer "
	tokenQueryParam  = "token"
	contentTypeJSON  = "application/json"
	contentTypeAudio = "audio/mpeg"
)

// Submitter enqueues a run for the given chunk keys.
type Submitter interface {
	Submit(ctx context.Context, keys []*string) (core.RunHandle, error)
}

// ArtifactSource reads stored artifacts.
type ArtifactSource interface {
	Fetch(ctx context.Context, key string) ([]byte, string, error)
}

// ConvertRequest is the body of POST /api/convert. Entries may be null.
type ConvertRequest struct {
	AudioURL []*string `json:"audioUrl"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the HTTP API.
type Server struct {
	submitter Submitter
	store     core.RunStore
	tokens    *runs.TokenIssuer
	artifacts ArtifactSource
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(
	submitter Submitter,
	store core.RunStore,
	tokens *runs.TokenIssuer,
	artifacts ArtifactSource,
	log *logger.Logger,
) *Server {
	return &Server{
		submitter: submitter,
		store:     store,
		tokens:    tokens,
		artifacts: artifacts,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin: func(_ *http.Request) bool {
				return true // access is gated by the run token
			},
		},
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/convert", s.handleConvert)
	mux.HandleFunc("GET /api/runs/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/runs/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET "+objectstore.PublicPathPrefix+"{name}", s.handleArtifact)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return LoggingMiddleware(s.log)(mux)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	handle, err := s.submitter.Submit(r.Context(), req.AudioURL)
	if err != nil {
		s.log.Error("Failed to submit run: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start audio conversion")

		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.authorize(w, r)
	if !ok {
		return
	}

	run, err := s.store.Get(r.Context(), runID)
	if err != nil {
		s.writeLookupError(w, runID, err)

		return
	}

	writeJSON(w, http.StatusOK, run.ToStatusUpdate())
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.authorize(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	updates, err := s.store.Watch(ctx, runID)
	if err != nil {
		s.writeLookupError(w, runID, err)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed for run %s: %v", runID, err)

		return
	}

	defer func() {
		closeErr := conn.Close()
		if closeErr != nil {
			s.log.Warn("Failed to close websocket for run %s: %v", runID, closeErr)
		}
	}()

	// The read loop handles control frames and notices a client that went away.
	go func() {
		defer cancel()

		for {
			_, _, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
		}
	}()

	for run := range updates {
		deadlineErr := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if deadlineErr != nil {
			return
		}

		writeErr := conn.WriteJSON(run.ToStatusUpdate())
		if writeErr != nil {
			s.log.Warn("Failed to push status for run %s: %v", runID, writeErr)

			return
		}

		if run.Status.IsTerminal() {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(run.Status))
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteTimeout))

			return
		}
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !strings.HasSuffix(name, artifactSuffix) {
		writeError(w, http.StatusNotFound, "artifact not found")

		return
	}

	data, contentType, err := s.artifacts.Fetch(r.Context(), name)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")

			return
		}

		s.log.Error("Failed to fetch artifact %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to read artifact")

		return
	}

	if contentType == "" {
		contentType = contentTypeAudio
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// authorize checks the run token and returns the run id from the path.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := r.PathValue("id")

	err := s.tokens.Verify(runID, tokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid access token")

		return "", false
	}

	return runID, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, runs.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")

		return
	}

	s.log.Error("Failed to load run %s: %v", runID, err)
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get(headerAuthorize)
	if token, ok := strings.CutPrefix(header, bearerPrefix); ok {
		return token
	}

	return r.URL.Query().Get(tokenQueryParam)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
