// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/time/rate"
)

// Key lookup errors
var (
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
	ErrKeyNotFound     = errors.New("key ID not found in JWKS")
	ErrJWKSUnavailable = errors.New("JWKS unavailable")
)

// registrationTimeout bounds the first JWKS fetch performed on registration.
const registrationTimeout = 5 * time.Second

// KeySource resolves a verification key by key ID.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// JWKS is a KeySource backed by a jwk.Cache. A key ID that is not in the
// cached set triggers one synchronous refetch of the document.
type JWKS struct {
	url     string
	cache   *jwk.Cache
	limiter *rate.Limiter

	registered bool
	mu         sync.Mutex
}

// JWKSOption configures a JWKS key source.
type JWKSOption func(*JWKS)

// WithRefetchLimit limits how often an unknown key ID may force a refetch.
// A zero limit leaves refetches unlimited.
func WithRefetchLimit(every time.Duration, burst int) JWKSOption {
	return func(j *JWKS) {
		if every > 0 && burst > 0 {
			j.limiter = rate.NewLimiter(rate.Every(every), burst)
		}
	}
}

// NewJWKS creates a key source for jwksURL. Registration with the cache is
// deferred to the first lookup so that startup does not block on the
// identity provider.
func NewJWKS(ctx context.Context, jwksURL string, client *http.Client, opts ...JWKSOption) (*JWKS, error) {
	if jwksURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	j := &JWKS{
		url:     jwksURL,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *JWKS) ensureRegistered(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := j.cache.Register(regCtx, j.url); err != nil {
		// a failed first fetch can leave the resource registered
		if _, lerr := j.cache.Lookup(regCtx, j.url); lerr != nil {
			return fmt.Errorf("%w: failed to register %s: %v", ErrJWKSUnavailable, j.url, err)
		}
	}

	j.registered = true
	return nil
}

// Key returns the raw public key for kid.
func (j *JWKS) Key(ctx context.Context, kid string) (any, error) {
	if err := j.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	keySet, err := j.cache.Lookup(ctx, j.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		if !j.limiter.Allow() {
			return nil, fmt.Errorf("%w: %s (refetch limited)", ErrKeyNotFound, kid)
		}
		keySet, err = j.cache.Refresh(ctx, j.url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
		}
		if key, found = keySet.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}
