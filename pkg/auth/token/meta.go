// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingMetaSecret is returned when a meta token must be signed or
// verified but no secret is configured.
var ErrMissingMetaSecret = errors.New("meta token secret is not configured")

// MetaTokenLifetime is the expiry applied to signed meta tokens.
const MetaTokenLifetime = 5 * 365 * 24 * time.Hour

type metaClaims struct {
	P map[string]any `json:"p"`
	jwt.RegisteredClaims
}

// MetaSigner signs and verifies meta tokens: HS256 JWTs wrapping an
// arbitrary JSON object under the "p" claim.
type MetaSigner struct {
	secret []byte
	now    func() time.Time
}

// NewMetaSigner creates a signer for secret. An empty secret is accepted;
// Sign and Verify fail with ErrMissingMetaSecret when used.
func NewMetaSigner(secret string) *MetaSigner {
	return &MetaSigner{secret: []byte(secret), now: time.Now}
}

// Sign wraps payload in a signed token.
func (s *MetaSigner) Sign(payload map[string]any) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingMetaSecret
	}

	now := s.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, metaClaims{
		P: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(MetaTokenLifetime)),
		},
	})

	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign meta token: %w", err)
	}
	return signed, nil
}

// Verify checks raw and returns the wrapped payload.
func (s *MetaSigner) Verify(raw string) (map[string]any, error) {
	if len(s.secret) == 0 {
		return nil, ErrMissingMetaSecret
	}

	claims := &metaClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("invalid meta token: %w", err)
	}
	return claims.P, nil
}
