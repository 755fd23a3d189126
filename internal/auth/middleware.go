package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces bearer tokens on HTTP requests when the service is
// enabled. Tokens may also arrive as the "token" query parameter, which is
// how browser websocket clients pass them.
func Middleware(svc *TokenService, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !svc.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := BearerToken(r)
		if token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		p, err := svc.Verify(token)
		if err != nil {
			if logger != nil {
				logger.Warn("token validation failed", "error", err, "remote", r.RemoteAddr)
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// BearerToken extracts a token from the Authorization header or query string.
func BearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
