// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func TestAuthenticatorHS256(t *testing.T) {
	a, err := newAuthenticator(&ServerConfig{JWTAlgorithm: "HS256", JWTPublicKey: "sekrit"})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, "sekrit",
		jwt.MapClaims{"sub": "viewer-1", "vb": "B"}))
	v, err := a.verify(r)
	require.NoError(t, err)
	assert.Equal(t, "viewer-1", v.Subject)
	assert.Equal(t, "B", v.Bucket)

	// no vb claim falls back to the default bucket
	r = httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, "sekrit", jwt.MapClaims{"sub": "viewer-2"}))
	v, err = a.verify(r)
	require.NoError(t, err)
	assert.Equal(t, defaultViewerBucket, v.Bucket)

	// wrong key
	r = httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, "other", jwt.MapClaims{"sub": "x"}))
	_, err = a.verify(r)
	assert.Error(t, err)

	// no token at all
	r = httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	_, err = a.verify(r)
	assert.ErrorIs(t, err, errNoToken)
}

func TestAuthenticatorQueryToken(t *testing.T) {
	a, err := newAuthenticator(&ServerConfig{JWTAlgorithm: "HS256", JWTPublicKey: "sekrit"})
	require.NoError(t, err)

	tok := signHS256(t, "sekrit", jwt.MapClaims{"sub": "tv-app", "vb": "C"})
	r := httptest.NewRequest("GET", "/acme/ch1/720p.m3u8?token="+tok, nil)
	v, err := a.verify(r)
	require.NoError(t, err)
	assert.Equal(t, "tv-app", v.Subject)
	assert.Equal(t, "C", v.Bucket)
}

func TestAuthenticatorDevAllow(t *testing.T) {
	a, err := newAuthenticator(&ServerConfig{DevAllowNoAuth: true})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	v, err := a.verify(r)
	require.NoError(t, err)
	assert.Equal(t, defaultViewerBucket, v.Bucket)

	// a broken token still passes in dev
	r = httptest.NewRequest("GET", "/acme/ch1/720p.m3u8", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = a.verify(r)
	assert.NoError(t, err)
}

func TestAuthenticatorConfigErrors(t *testing.T) {
	_, err := newAuthenticator(&ServerConfig{})
	assert.Error(t, err, "no key and no dev override")

	_, err = newAuthenticator(&ServerConfig{JWTAlgorithm: "ES256", JWTPublicKey: "x"})
	assert.Error(t, err)

	_, err = newAuthenticator(&ServerConfig{JWTAlgorithm: "RS256", JWTPublicKey: "not a pem"})
	assert.Error(t, err)
}
