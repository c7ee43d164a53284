package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Headers set on harvest responses so request logs can be joined with the
// harvest logs and journal.
const (
	headerHarvestID = "X-Harvest-ID"
	headerErrorCode = "X-Harvest-Error-Code"
)

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if id := ww.Header().Get(headerHarvestID); id != "" {
			attrs = append(attrs, "harvest_id", id)
		}
		if code := ww.Header().Get(headerErrorCode); code != "" {
			attrs = append(attrs, "error_code", code)
		}

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}
