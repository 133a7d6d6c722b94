package auth

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVerifier() *Verifier {
	return NewVerifier("test-secret", "coedit", "coedit-clients")
}

func TestMintAndVerify(t *testing.T) {
	v := testVerifier()

	token, err := v.Mint("u1", "ada", []string{PermissionRead, PermissionWrite}, time.Hour)
	require.NoError(t, err)

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, "ada", user.Username)
	assert.True(t, user.Can(PermissionRead))
	assert.True(t, user.Can(PermissionWrite))
	assert.False(t, user.Can(PermissionAdmin))
	assert.False(t, user.Expired(time.Now()))
}

func TestAdminImpliesAllPermissions(t *testing.T) {
	v := testVerifier()
	token, err := v.Mint("root", "root", []string{PermissionAdmin}, time.Hour)
	require.NoError(t, err)

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.True(t, user.Can(PermissionRead))
	assert.True(t, user.Can(PermissionWrite))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := testVerifier()
	token, err := v.Mint("u1", "ada", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	v := testVerifier()

	wrongIssuer := NewVerifier("test-secret", "someone-else", "coedit-clients")
	token, err := wrongIssuer.Mint("u1", "ada", nil, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrWrongIssuer)

	wrongAudience := NewVerifier("test-secret", "coedit", "other-app")
	token, err = wrongAudience.Mint("u1", "ada", nil, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrWrongAudience)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	forger := NewVerifier("wrong-secret", "coedit", "coedit-clients")
	token, err := forger.Mint("u1", "ada", nil, time.Hour)
	require.NoError(t, err)

	_, err = testVerifier().Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestExtractTokenFromSubprotocol(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes", nil)
	entry := SubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte("the-token"))
	r.Header.Set("Sec-Websocket-Protocol", "something, "+entry)

	token, echo, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "the-token", token)
	assert.Equal(t, entry, echo)
}

func TestExtractTokenFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes?token=query-token", nil)

	token, echo, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "query-token", token)
	assert.Empty(t, echo, "query tokens need no subprotocol echo")
}

func TestExtractTokenPrefersSubprotocol(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes?token=query-token", nil)
	entry := SubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte("proto-token"))
	r.Header.Set("Sec-Websocket-Protocol", entry)

	token, _, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "proto-token", token)
}

func TestExtractTokenRejectsDuplicates(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes", nil)
	entry := SubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte("t"))
	r.Header.Set("Sec-Websocket-Protocol", entry+", "+entry)

	_, _, err := ExtractToken(r)
	assert.ErrorIs(t, err, ErrMultipleTokens)
}

func TestExtractTokenMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes", nil)
	_, _, err := ExtractToken(r)
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestExtractTokenBadBase64(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes", nil)
	r.Header.Set("Sec-Websocket-Protocol", SubprotocolPrefix+"!!!not-base64!!!")

	_, _, err := ExtractToken(r)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestExtractTokenAcceptsPaddedBase64(t *testing.T) {
	r := httptest.NewRequest("GET", "/notes", nil)
	// 4 bytes encode with trailing '=' padding, which strict RawURLEncoding
	// rejects.
	r.Header.Set("Sec-Websocket-Protocol", SubprotocolPrefix+base64.URLEncoding.EncodeToString([]byte("pads")))

	token, _, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "pads", token)
}
