package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt"

	"vision-api/internal/pkg/errors"
)

type contextKey string

const UserIDContextKey contextKey = "user_id"

// IdentityProvider resolves the caller from a bearer token. Tokens are
// issued elsewhere; this service only verifies them.
type IdentityProvider interface {
	Resolve(token string) (string, error)
}

type jwtIdentityProvider struct {
	secret []byte
}

func NewJWTIdentityProvider(secret string) IdentityProvider {
	return &jwtIdentityProvider{secret: []byte(secret)}
}

func (p *jwtIdentityProvider) Resolve(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.ErrUnauthorized
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.ErrUnauthorized
	}

	for _, key := range []string{"sub", "user_id"} {
		if id, ok := claims[key].(string); ok && strings.TrimSpace(id) != "" {
			return id, nil
		}
	}
	return "", errors.ErrUnauthorized
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

// UserIDFromContext returns "" when the request carries no identity.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDContextKey).(string)
	return userID
}
