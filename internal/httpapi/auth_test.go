package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, expiresAt, err := auth.GenerateToken("operator", false)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expiresAt, time.Minute)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.ClientID)
	assert.Equal(t, "operator", claims.Subject)
	assert.False(t, claims.IsAdmin)

	_, err = auth.ValidateToken("invalid-token")
	assert.Error(t, err)
	_, err = auth.ValidateToken("")
	assert.Error(t, err)
}

func TestJWTAuth_AdminAndBearer(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, _, err := auth.GenerateToken("root", true)
	require.NoError(t, err)

	claims, err := auth.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestJWTAuth_EmptyClientID(t *testing.T) {
	_, _, err := NewJWTAuth("test-secret").GenerateToken("", true)
	assert.Error(t, err)
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	token, _, err := NewJWTAuth("one").GenerateToken("root", true)
	require.NoError(t, err)

	_, err = NewJWTAuth("two").ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTAuth_Expired(t *testing.T) {
	auth := NewJWTAuth("test-secret").WithTTL(-time.Minute)
	token, _, err := auth.GenerateToken("root", true)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}
