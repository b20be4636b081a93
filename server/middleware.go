package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/richinex/urlverify/model"
	"go.uber.org/zap"
)

// CallTimeHeader lets a client supply the timestamp recorded for its call.
const CallTimeHeader = "X-Call-Time"

// callTime attaches the call timestamp to the request context: the
// client's header when present, otherwise the time the request arrived.
func callTime(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts := r.Header.Get(CallTimeHeader)
			if ts == "" {
				ts = now().UTC().Format(model.TimestampLayout)
			}
			next.ServeHTTP(w, r.WithContext(model.WithCallTime(r.Context(), ts)))
		})
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
