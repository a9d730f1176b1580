package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
)

// Logging logs one line per request with status, size and duration.
// Websocket upgrades are logged when the connection ends.
func Logging(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			level := slog.LevelInfo
			switch {
			case m.Code >= 500:
				level = slog.LevelError
			case strings.HasPrefix(r.URL.Path, "/metrics"), r.URL.Path == "/health":
				level = slog.LevelDebug
			}
			log.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"bytes", m.Written,
				"duration", m.Duration,
				"remote", r.RemoteAddr,
			)
		})
	}
}
