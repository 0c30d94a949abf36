package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateToken("ingest-svc", "s3cret", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ingest-svc", claims.Subject)
	assert.Equal(t, "vellum", claims.Issuer)

	_, err = ValidateToken(token, "other")
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	token, err := GenerateToken("ingest-svc", "s3cret", -time.Minute)
	require.NoError(t, err)

	// negative ttl is treated as no expiry
	_, err = ValidateToken(token, "s3cret")
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	signed, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ValidateToken(signed, "s3cret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateRejectsForeignIssuer(t *testing.T) {
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}})
	signed, err := foreign.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ValidateToken(signed, "s3cret")
	assert.Error(t, err)
}

func TestMissingSecret(t *testing.T) {
	_, err := GenerateToken("x", "", time.Hour)
	assert.Error(t, err)
	_, err = ValidateToken("abc", "")
	assert.Error(t, err)
}
