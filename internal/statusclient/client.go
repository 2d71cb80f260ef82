// Package statusclient is the caller side of the API: it submits chunk keys and
// follows the run over the status channel until it reaches a terminal state.
package statusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/gorilla/websocket"
)

// API endpoints and paths.
const (
	apiConvert   = "/api/convert"
	apiRuns      = "/api/runs/"
	apiSubscribe = "/subscribe"
	apiHealth    = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAuthorize   = "Authorization"
	contentTypeJSON   = "application/json"
)

// UserFacingFailure is the only failure text shown to end users.
const UserFacingFailure = "Audio conversion failed. Please try again."

// ErrConversionFailed is returned when a run fails or its status stream breaks.
var ErrConversionFailed = errors.New("conversion failed")

// Client talks to the HTTP API.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	baseURL    string
}

// New creates a client for baseURL (e.g. "http://localhost:8080"). The timeout applies
// to plain HTTP requests; Await is bounded by its context only.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Submit enqueues a run for keys and returns its handle. nil entries are sent as null.
func (c *Client) Submit(ctx context.Context, keys []*string) (core.RunHandle, error) {
	body, err := json.Marshal(map[string][]*string{"audioUrl": keys})
	if err != nil {
		return core.RunHandle{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiConvert, bytes.NewReader(body))
	if err != nil {
		return core.RunHandle{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	var handle core.RunHandle

	err = c.do(req, http.StatusAccepted, &handle)
	if err != nil {
		return core.RunHandle{}, err
	}

	return handle, nil
}

// Status fetches the current state of a run once.
func (c *Client) Status(ctx context.Context, handle core.RunHandle) (core.StatusUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiRuns+url.PathEscape(handle.ID), http.NoBody)
	if err != nil {
		return core.StatusUpdate{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAuthorize, "Bearer "+handle.PublicAccessToken)

	var update core.StatusUpdate

	err = c.do(req, http.StatusOK, &update)
	if err != nil {
		return core.StatusUpdate{}, err
	}

	return update, nil
}

// Await subscribes to the run and blocks until it is terminal. It returns the output
// on COMPLETED (an empty URL with a message for a no-op run) and ErrConversionFailed
// on FAILED or on any subscription error. onUpdate, if set, sees every update. The
// subscription is always closed before Await returns.
func (c *Client) Await(
	ctx context.Context,
	handle core.RunHandle,
	onUpdate func(core.StatusUpdate),
) (core.StatusOutput, error) {
	wsURL, err := c.subscribeURL(handle.ID)
	if err != nil {
		return core.StatusOutput{}, err
	}

	header := http.Header{}
	header.Set(headerAuthorize, "Bearer "+handle.PublicAccessToken)

	conn, _, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return core.StatusOutput{}, fmt.Errorf("%w: subscribe: %w", ErrConversionFailed, err)
	}

	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var update core.StatusUpdate

		err = conn.ReadJSON(&update)
		if err != nil {
			if ctx.Err() != nil {
				return core.StatusOutput{}, fmt.Errorf("%w: %w", ErrConversionFailed, ctx.Err())
			}

			return core.StatusOutput{}, fmt.Errorf("%w: status stream: %w", ErrConversionFailed, err)
		}

		if onUpdate != nil {
			onUpdate(update)
		}

		switch update.Status {
		case core.RunStatusCompleted:
			if update.Output == nil {
				return core.StatusOutput{}, nil
			}

			return *update.Output, nil
		case core.RunStatusFailed:
			return core.StatusOutput{}, fmt.Errorf("%w: %s", ErrConversionFailed, update.Error)
		case core.RunStatusQueued, core.RunStatusRunning:
		}
	}
}

// HealthCheck verifies that the API is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	return c.do(req, http.StatusOK, nil)
}

// UserMessage maps any error to text safe for end users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	return UserFacingFailure
}

func (c *Client) subscribeURL(runID string) (string, error) {
	parsed, err := url.Parse(c.baseURL + apiRuns + url.PathEscape(runID) + apiSubscribe)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", c.baseURL, err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}

	return parsed.String(), nil
}

func (c *Client) do(req *http.Request, wantStatus int, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("%s %s returned %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}

	if target == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
