package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"vision-api/internal/logger"
	"vision-api/internal/services"
)

// IdentityMiddleware attaches the caller's user id when the bearer token
// verifies. Requests without a valid token pass through anonymously and
// are rejected by the handlers that need an identity.
func IdentityMiddleware(identity services.IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractTokenFromHeader(r)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := identity.Resolve(tokenString)
			if err != nil {
				logger.LogEvent(logrus.DebugLevel, "Rejected bearer token", logrus.Fields{
					"path": r.URL.Path,
				})
				next.ServeHTTP(w, r)
				return
			}

			ctx := services.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractTokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
