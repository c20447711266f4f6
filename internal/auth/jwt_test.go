package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("s3cret", 42, time.Hour)
	require.NoError(t, err)

	uid, err := ParseJWT("s3cret", tok)
	require.NoError(t, err)
	assert.EqualValues(t, 42, uid)
}

func TestParse_Rejects(t *testing.T) {
	good, err := SignJWT("s3cret", 42, time.Hour)
	require.NoError(t, err)
	expired, err := SignJWT("s3cret", 42, -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "42"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := map[string]struct{ secret, token string }{
		"wrong secret": {"other", good},
		"expired":      {"s3cret", expired},
		"garbage":      {"s3cret", "not.a.jwt"},
		"no subject":   {"s3cret", noSubject},
		"no expiry":    {"s3cret", noExpiry},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJWT(tt.secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
