package dashboard

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
)

func TestJWTSessionManagement(t *testing.T) {
	portal := &Portal{
		jwtSecret: []byte("test-secret-key"),
	}

	username := "testuser"
	token, err := portal.createJWTSession(username)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	parsedToken, err := portal.parseJWTToken(token)
	require.NoError(t, err)
	assert.True(t, parsedToken.Valid)

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, username, claims["username"])
	assert.NotEmpty(t, claims["exp"])
	assert.NotEmpty(t, claims["iat"])

	// Expired token
	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(-1 * time.Hour).Unix(),
		"iat":      time.Now().Add(-2 * time.Hour).Unix(),
	})
	expiredTokenString, err := expiredToken.SignedString(portal.jwtSecret)
	require.NoError(t, err)

	_, err = portal.parseJWTToken(expiredTokenString)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "token is expired")

	_, err = portal.parseJWTToken("invalid.token.here")
	assert.Error(t, err)

	// Wrong signature
	wrongToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(1 * time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = portal.parseJWTToken(wrongToken)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signature is invalid")

	// Unsigned tokens are refused
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"username": username,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = portal.parseJWTToken(noneToken)
	assert.Error(t, err)
}

func TestJWTSecretGeneration(t *testing.T) {
	cfg := config.DefaultConfig()
	portal1 := NewPortal(cfg, nil, nil, nil)
	portal2 := NewPortal(cfg, nil, nil, nil)

	assert.NotEqual(t, portal1.jwtSecret, portal2.jwtSecret)
	assert.Len(t, portal1.jwtSecret, 32)
	assert.Len(t, portal2.jwtSecret, 32)

	cfg.Dashboard.JWTSecret = "configured"
	portal3 := NewPortal(cfg, nil, nil, nil)
	assert.Equal(t, []byte("configured"), portal3.jwtSecret)
}
