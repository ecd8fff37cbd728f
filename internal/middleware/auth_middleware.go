package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the identity carried by a verified access token.
type Principal struct {
	UserID string
	Email  string
	JTI    string
}

type TokenVerifier interface {
	VerifyAccessToken(token string) (*Principal, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *logrus.Logger
}

func NewAuthMiddleware(verifier TokenVerifier, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := BearerToken(r)
		if !ok {
			RespondUnauthorized(w, "Missing or malformed authorization header")
			return
		}

		principal, err := m.verifier.VerifyAccessToken(tokenString)
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			RespondUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

func RespondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Success: false, Message: message})
}
