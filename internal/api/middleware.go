package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/book-expert/logger"
)

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 2 * time.Second

// statusRecorder captures the response status. It keeps Hijack working so websocket
// upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", r.ResponseWriter)
	}

	r.status = http.StatusSwitchingProtocols

	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LoggingMiddleware logs every request with its status and duration. Server errors
// are logged at ERROR, slow requests at WARN.
func LoggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			duration := time.Since(start)

			switch {
			case recorder.status >= http.StatusInternalServerError:
				log.Error("%s %s -> %d (%dms)", r.Method, r.URL.Path, recorder.status, duration.Milliseconds())
			case duration > slowRequestThreshold && recorder.status != http.StatusSwitchingProtocols:
				log.Warn("slow request %s %s -> %d (%dms)", r.Method, r.URL.Path, recorder.status, duration.Milliseconds())
			default:
				log.Info("%s %s -> %d (%dms)", r.Method, r.URL.Path, recorder.status, duration.Milliseconds())
			}
		})
	}
}
