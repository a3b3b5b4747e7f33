package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision-api/internal/pkg/errors"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTIdentity_Resolve(t *testing.T) {
	provider := NewJWTIdentityProvider(testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"sub claim", signToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": exp}), "user-1", false},
		{"user_id claim", signToken(t, testSecret, jwt.MapClaims{"user_id": "user-2", "exp": exp}), "user-2", false},
		{"empty token", "", "", true},
		{"garbage", "not-a-jwt", "", true},
		{"wrong secret", signToken(t, "other", jwt.MapClaims{"sub": "user-1"}), "", true},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()}), "", true},
		{"no subject", signToken(t, testSecret, jwt.MapClaims{"exp": exp}), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := provider.Resolve(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTIdentity_RejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTIdentityProvider(testSecret).Resolve(token)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestUserIDContext(t *testing.T) {
	assert.Equal(t, "", UserIDFromContext(context.Background()))
	assert.Equal(t, "user-1", UserIDFromContext(WithUserID(context.Background(), "user-1")))
}
