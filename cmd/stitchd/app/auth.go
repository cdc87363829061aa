// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("no bearer token")

// viewerInfo is what the auth gate learns about the caller. Bucket is
// part of the micro-cache key so experiments never share cached
// manifests across arms.
type viewerInfo struct {
	Subject string
	Bucket  string
}

const defaultViewerBucket = "A"

// authenticator verifies manifest and control-plane requests. With
// devAllow set, requests without a token pass; a presented token is
// still parsed so the viewer bucket works in dev.
type authenticator struct {
	algorithm string
	hsKey     []byte
	rsaKey    *rsa.PublicKey
	devAllow  bool
}

func newAuthenticator(cfg *ServerConfig) (*authenticator, error) {
	a := &authenticator{
		algorithm: strings.ToUpper(cfg.JWTAlgorithm),
		devAllow:  cfg.DevAllowNoAuth,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}
	switch a.algorithm {
	case "HS256":
		a.hsKey = []byte(cfg.JWTPublicKey)
	case "RS256":
		if cfg.JWTPublicKey != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
			if err != nil {
				return nil, fmt.Errorf("parse RS256 public key: %w", err)
			}
			a.rsaKey = key
		}
	default:
		return nil, fmt.Errorf("JWT algorithm %q not supported", cfg.JWTAlgorithm)
	}
	if !a.devAllow && cfg.JWTPublicKey == "" {
		return nil, errors.New("no JWT key configured and DEV_ALLOW_NO_AUTH not set")
	}
	return a, nil
}

// verify returns the viewer identity or an error that maps to 403.
func (a *authenticator) verify(r *http.Request) (viewerInfo, error) {
	v := viewerInfo{Bucket: defaultViewerBucket}
	tokenStr, err := bearerToken(r)
	if err != nil {
		if a.devAllow {
			return v, nil
		}
		return v, err
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenStr, claims, a.keyFunc,
		jwt.WithValidMethods([]string{a.algorithm}))
	if err != nil {
		if a.devAllow {
			return v, nil
		}
		return v, fmt.Errorf("token verify: %w", err)
	}
	if sub, ok := claims["sub"].(string); ok {
		v.Subject = sub
	}
	if vb, ok := claims["vb"].(string); ok && vb != "" {
		v.Bucket = vb
	}
	return v, nil
}

func (a *authenticator) keyFunc(t *jwt.Token) (any, error) {
	switch a.algorithm {
	case "HS256":
		return a.hsKey, nil
	case "RS256":
		if a.rsaKey == nil {
			return nil, errors.New("no RS256 key loaded")
		}
		return a.rsaKey, nil
	}
	return nil, fmt.Errorf("algorithm %q not supported", a.algorithm)
}

// requireAuth gates a router with the same verifier the manifest path
// uses. Mounted on the control-plane API so operator endpoints enforce
// the JWT (or dev-allow) policy.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.verify(r); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	// Players that cannot set headers pass the token as a query param.
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errNoToken
}
