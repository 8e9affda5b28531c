package consoletest

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/logtrace"
)

// RequestIDHeader is the header the client tags requests with. The backend
// echoes it on the response.
const RequestIDHeader = "X-Console-Request-ID"

// statusWriter tracks whether a response was started.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// requestLogger carries the client request id into the handler context and
// logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		ctx := r.Context()
		if requestID != "" {
			ctx = logtrace.WithRequestId(ctx, requestID)
			w.Header().Set(RequestIDHeader, requestID)
		}
		ctx = log.With().Str("request_id", requestID).Str("component", "consoletest").Logger().WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			log.Ctx(ctx).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Str("duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds())).
				Msg("request completed")
		}()
		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// panicHandler turns a handler panic into an envelope error with status 500.
func panicHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if err := recover(); err != nil {
				log.Ctx(r.Context()).Error().
					Str("panic", fmt.Sprintf("%v", err)).
					Str("stack_trace", string(debug.Stack())).
					Msg("panic occurred")
				if sw.status == 0 {
					WriteEnvelope(sw, http.StatusInternalServerError, "unable to process request", nil)
				}
			}
		}()
		next.ServeHTTP(sw, r)
	})
}
