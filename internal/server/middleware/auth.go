package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/scheme-live/pkg/identity"
	"github.com/a-essam23/scheme-live/pkg/state"
)

const sessionCookie = "session-token"

type Verifier interface {
	Verify(ctx context.Context, token string) (state.Principal, error)
}

// TokenFrom returns the bearer token from the Authorization header, the token
// query parameter or the session cookie, in that order.
func TokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func NewAuthMiddleware(logger *slog.Logger, verifier Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			principal, err := verifier.Verify(r.Context(), TokenFrom(r))
			switch {
			case err == nil:
			case errors.Is(err, identity.ErrUnauthenticated):
				logger.Warn("Rejected unauthenticated request", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			case errors.Is(err, identity.ErrAccountInactive):
				logger.Warn("Rejected inactive account", slog.String("ip", reqMeta.IP))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			default:
				logger.Error("Identity verification failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}

			reqMeta.Principal = principal
			reqMeta.Authenticated = true
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin lets through only principals holding the admin role or the
// "all" permission. It must run after the auth middleware.
func RequireAdmin() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || !reqMeta.Authenticated || !reqMeta.Principal.Can(state.PermAll) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
