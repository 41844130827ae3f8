package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/logger"
)

// Timeout bounds each request. A request that overruns receives the deadline
// status code with a JSON body holding the deadline error message under
// "error" and its kind label under "kind".
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if !tw.written {
					logger.FromContext(r.Context()).Warn("request timed out",
						"method", r.Method,
						"path", r.URL.Path,
						"timeout", timeout,
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(apperrors.HTTPStatusCode(apperrors.ErrDeadline))
					json.NewEncoder(w).Encode(map[string]string{
						"error": apperrors.ErrDeadline.Error(),
						"kind":  apperrors.Kind(apperrors.ErrDeadline),
					})
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	written bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.written = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.written = true
	return tw.ResponseWriter.Write(b)
}
