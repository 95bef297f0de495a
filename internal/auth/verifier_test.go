package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestDevMode(t *testing.T) {
	v := NewVerifier(Config{})
	p, err := v.Verify("alice:Admin")
	require.NoError(t, err)
	require.Equal(t, Principal{OwnerID: "alice", Role: "admin"}, p)
	require.True(t, p.IsAdmin())

	_, err = v.Verify("alice")
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = v.Verify("")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACRoundTrip(t *testing.T) {
	v := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret", Issuer: "crewroute"})
	tok, err := v.SignHMAC(Principal{OwnerID: "bob", Role: "dispatcher"}, time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "bob", p.OwnerID)
	require.True(t, p.CanPlan())

	other := NewVerifier(Config{Mode: "hmac", HMACSecret: "different"})
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHMACRejectsExpiredAndUnsigned(t *testing.T) {
	v := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret"})
	tok, err := v.SignHMAC(Principal{OwnerID: "bob", Role: "viewer"}, -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.ErrorIs(t, err, ErrUnauthenticated)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"owner": "eve", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWKSMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "carol", "exp": time.Now().Add(time.Hour).Unix()})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	v := NewVerifier(Config{Mode: "jwks", JWKSURL: srv.URL})
	p, err := v.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "carol", p.OwnerID)
	require.Equal(t, "dispatcher", p.Role)
}
