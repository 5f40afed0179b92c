// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DefaultKeyID is the key ID of the signing key an IdP starts with.
const DefaultKeyID = "test-key-1"

// IdP is a minimal identity provider: discovery, JWKS and token signing.
type IdP struct {
	Server *httptest.Server

	t         testing.TB
	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	set       jwk.Set
	activeKID string
	fetches   atomic.Int32
	failJWKS  atomic.Bool
}

// NewIdP starts an identity provider with one RSA signing key.
func NewIdP(t testing.TB) *IdP {
	t.Helper()

	p := &IdP{
		t:    t,
		keys: map[string]*rsa.PrivateKey{},
		set:  jwk.NewSet(),
	}
	p.Rotate(DefaultKeyID)

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.discovery)
	r.Get("/jwks", p.jwks)
	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)

	return p
}

// Issuer returns the issuer URL, which is the server URL.
func (p *IdP) Issuer() string {
	return p.Server.URL
}

// JWKSURL returns the URL of the published key set.
func (p *IdP) JWKSURL() string {
	return p.Server.URL + "/jwks"
}

// Fetches returns how many times the key set has been requested.
func (p *IdP) Fetches() int {
	return int(p.fetches.Load())
}

// FailJWKS makes the key set endpoint answer 503 while fail is true.
func (p *IdP) FailJWKS(fail bool) {
	p.failJWKS.Store(fail)
}

// Rotate adds a new signing key with the given ID and makes it active.
// Previously published keys stay in the set.
func (p *IdP) Rotate(kid string) {
	p.t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		p.t.Fatalf("failed to generate RSA key: %v", err)
	}
	pub, err := jwk.Import(&priv.PublicKey)
	if err != nil {
		p.t.Fatalf("failed to import public key: %v", err)
	}
	for k, v := range map[string]any{
		jwk.KeyIDKey:     kid,
		jwk.AlgorithmKey: "RS256",
		jwk.KeyUsageKey:  "sig",
	} {
		if err := pub.Set(k, v); err != nil {
			p.t.Fatalf("failed to set %s: %v", k, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.set.AddKey(pub); err != nil {
		p.t.Fatalf("failed to add key: %v", err)
	}
	p.keys[kid] = priv
	p.activeKID = kid
}

// Sign signs claims with the active key. iss and exp are filled in when
// absent, exp defaulting to one hour from now.
func (p *IdP) Sign(claims jwt.MapClaims) string {
	p.mu.Lock()
	kid := p.activeKID
	p.mu.Unlock()
	return p.SignWithKey(kid, claims)
}

// SignWithKey signs claims with the key identified by kid. An unknown kid
// gets a fresh key that is never published.
func (p *IdP) SignWithKey(kid string, claims jwt.MapClaims) string {
	p.t.Helper()

	p.mu.Lock()
	priv, ok := p.keys[kid]
	p.mu.Unlock()
	if !ok {
		var err error
		if priv, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			p.t.Fatalf("failed to generate RSA key: %v", err)
		}
	}

	all := jwt.MapClaims{
		"iss": p.Issuer(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		all[k] = v
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, all)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		p.t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// SignExpired signs claims with an expiry one minute in the past.
func (p *IdP) SignExpired(claims jwt.MapClaims) string {
	all := jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()}
	for k, v := range claims {
		all[k] = v
	}
	return p.Sign(all)
}

func (p *IdP) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"end_session_endpoint":                  p.Issuer() + "/logout",
		"jwks_uri":                              p.JWKSURL(),
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *IdP) jwks(w http.ResponseWriter, _ *http.Request) {
	p.fetches.Add(1)
	if p.failJWKS.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	p.mu.Lock()
	buf, err := json.Marshal(p.set)
	p.mu.Unlock()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal key set: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}
