package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request on arrival and again when its handler
// returns. For WebSocket upgrades that is when the connection ends.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if ok {
				ip = reqMeta.IP
			}
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.URL.Path),
				slog.String("ip", ip),
			)

			start := time.Now()
			next.ServeHTTP(w, r)

			attrs := []any{
				slog.String("uri", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			}
			if ok && reqMeta.Authenticated {
				attrs = append(attrs, slog.String("userID", reqMeta.UserID()))
			}
			logger.Debug("HTTP request finished", attrs...)
		})
	}
}
