package services

import (
	"errors"
	"testing"
	"time"

	"panelrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "monitor-key"}

	assert.NoError(t, v.Verify("monitor-key"))
	assert.True(t, errors.Is(v.Verify("wrong"), domain.ErrUnauthorized))
	assert.True(t, errors.Is(v.Verify(""), domain.ErrUnauthorized))

	empty := APIKeyVerifier{}
	assert.Error(t, empty.Verify(""))
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("secret", "panelrelay")

	token, err := v.GenerateToken("op-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.OperatorID)
	assert.NoError(t, v.Verify(token))

	other := NewJWTVerifier("other-secret", "panelrelay")
	assert.True(t, errors.Is(other.Verify(token), domain.ErrUnauthorized))

	wrongIssuer := NewJWTVerifier("secret", "someone-else")
	assert.Error(t, wrongIssuer.Verify(token))

	assert.Error(t, v.Verify("not-a-jwt"))
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	issued := time.Now().Add(-time.Hour)
	v.now = func() time.Time { return issued }
	token, err := v.GenerateToken("op-1", time.Minute)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestNewCredentialVerifier(t *testing.T) {
	v, err := NewCredentialVerifier(AuthModeAPIKey, "k", "", "")
	require.NoError(t, err)
	assert.IsType(t, APIKeyVerifier{}, v)

	v, err = NewCredentialVerifier(AuthModeJWT, "", "s", "")
	require.NoError(t, err)
	assert.IsType(t, &JWTVerifier{}, v)

	_, err = NewCredentialVerifier("ldap", "", "", "")
	assert.Error(t, err)
}
