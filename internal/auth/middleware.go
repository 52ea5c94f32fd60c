package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dreschagin/image-studio/internal/httpx"
	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/dreschagin/image-studio/internal/routing"
)

// Middleware validates bearer token for protected routes. CORS preflight
// requests pass through so browsers can discover the Authorization header.
func Middleware(enabled bool, bearerToken string, metrics *studiometrics.Metrics, next http.Handler) http.Handler {
	if !enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routing.Public(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := requestToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(bearerToken)) != 1 {
			metrics.AuthFailures.Inc()
			unauthorized(w)
			return
		}

		r.Header.Set("X-Auth-Subject", "studio-shared-token")
		next.ServeHTTP(w, r)
	})
}

// requestToken reads the bearer token. Browsers cannot set headers on a
// websocket handshake, so /ws also accepts ?access_token=.
func requestToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	if target, ok := routing.Match(r.URL.Path); ok && target == routing.TargetEvents {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="image-studio"`)
	httpx.WriteError(w, http.StatusUnauthorized, "unauthorized")
}
