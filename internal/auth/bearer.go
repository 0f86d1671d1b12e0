package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/foodhub/foodhub/internal/platform/httpx"
	"github.com/foodhub/foodhub/internal/shared"
)

// BearerMiddleware places the subject of a valid bearer token into the request
// context. Requests without an Authorization header pass through untouched so
// cookie sessions keep working; a malformed or invalid token is rejected.
func BearerMiddleware(tokens *TokenIssuer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || tokens == nil {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unsupported authorization scheme")
				return
			}
			userID, err := tokens.Verify(raw)
			if err != nil {
				if logger != nil {
					logger.Debug("reject bearer token", slog.String("path", r.URL.Path))
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), userID)))
		})
	}
}

// IsBearer reports whether the request authenticated with a bearer token.
func IsBearer(r *http.Request) bool {
	_, ok := shared.PrincipalFromContext(r.Context())
	return ok
}
