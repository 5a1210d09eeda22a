package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyToken_RoundTrip(t *testing.T) {
	now := time.Now()
	token, err := signToken("shared-secret", claims{Sub: "user-1", IAT: now.Unix(), Exp: now.Add(time.Hour).Unix()})
	require.NoError(t, err)

	cl, err := verifyToken("shared-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", cl.Sub)
}

func TestVerifyToken_RejectsTamperedSignature(t *testing.T) {
	now := time.Now()
	token, err := signToken("shared-secret", claims{Sub: "user-1", IAT: now.Unix(), Exp: now.Add(time.Hour).Unix()})
	require.NoError(t, err)

	tampered := token[:len(token)-1] + "x"
	_, err = verifyToken("shared-secret", tampered)
	assert.Error(t, err)
}

func TestVerifyToken_RejectsWrongSecret(t *testing.T) {
	now := time.Now()
	token, err := signToken("shared-secret", claims{Sub: "user-1", IAT: now.Unix(), Exp: now.Add(time.Hour).Unix()})
	require.NoError(t, err)

	_, err = verifyToken("a-different-secret", token)
	assert.Error(t, err)
}

func TestVerifyToken_RejectsExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	token, err := signToken("shared-secret", claims{Sub: "user-1", IAT: past.Unix(), Exp: past.Add(time.Minute).Unix()})
	require.NoError(t, err)

	_, err = verifyToken("shared-secret", token)
	assert.Error(t, err)
}

func TestVerifyToken_RejectsMalformedToken(t *testing.T) {
	_, err := verifyToken("shared-secret", "not-a-valid-token")
	assert.Error(t, err)
}
