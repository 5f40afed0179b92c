// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token verifies the access and ID tokens carried in gateway cookies,
// extracts named claim sets from them, and signs the opaque meta token.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/oidcgate/pkg/logger"
)

// ErrMissingKeyID is returned when a token header carries no kid.
var ErrMissingKeyID = errors.New("token header missing kid")

// Result classifies the outcome of verifying a single token.
type Result int

const (
	// Missing means no token was presented.
	Missing Result = iota
	// Success means the signature, issuer and expiry are valid.
	Success
	// Failure covers malformed tokens, bad signatures, unknown keys and
	// issuer mismatches.
	Failure
	// Expired means the signature is valid but the token has expired.
	Expired
)

// String returns the lower-case result name.
func (r Result) String() string {
	switch r {
	case Missing:
		return "missing"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// SigningMethods are the asymmetric algorithms accepted for identity
// provider tokens.
var SigningMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// JWT is a decoded token.
type JWT struct {
	Raw       string
	Header    map[string]any
	Claims    jwt.MapClaims
	ExpiresAt time.Time

	payload []byte
}

// Payload returns the raw JSON payload of the token.
func (t *JWT) Payload() []byte {
	return t.payload
}

// Verifier checks tokens against the identity provider's key set and issuer.
type Verifier struct {
	issuer   string
	keys     KeySource
	parser   *jwt.Parser
	onResult func(Result)
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithResultObserver registers fn to be called with every verification result.
func WithResultObserver(fn func(Result)) VerifierOption {
	return func(v *Verifier) {
		v.onResult = fn
	}
}

// NewVerifier creates a verifier for tokens issued by issuer. An empty issuer
// disables the issuer check.
func NewVerifier(issuer string, keys KeySource, opts ...VerifierOption) *Verifier {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(SigningMethods)}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}

	v := &Verifier{
		issuer:   issuer,
		keys:     keys,
		parser:   jwt.NewParser(parserOpts...),
		onResult: func(Result) {},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseAndVerify decodes raw and verifies it. The decoded token is returned
// for Success and Expired results only.
func (v *Verifier) ParseAndVerify(ctx context.Context, raw string) (*JWT, Result) {
	t, result := v.parseAndVerify(ctx, raw)
	v.onResult(result)
	return t, result
}

func (v *Verifier) parseAndVerify(ctx context.Context, raw string) (*JWT, Result) {
	if raw == "" {
		return nil, Missing
	}

	log := logger.FromContext(ctx)

	parsed, err := v.parser.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		return v.keys.Key(ctx, kid)
	})

	result := Success
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		result = Failure
	case errors.Is(err, jwt.ErrTokenExpired):
		result = Expired
	default:
		result = Failure
	}

	if result == Failure {
		log.Debug("token verification failed", slog.String("error", err.Error()))
		return nil, Failure
	}

	decoded, err := v.decode(parsed, raw)
	if err != nil {
		log.Debug("token payload could not be decoded", slog.String("error", err.Error()))
		return nil, Failure
	}
	return decoded, result
}

func (v *Verifier) decode(parsed *jwt.Token, raw string) (*JWT, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, jwt.ErrTokenMalformed
	}
	payload, err := v.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, err
	}
	return NewJWT(raw, parsed.Header, payload)
}

// NewJWT builds a JWT from an already verified token's parts.
func NewJWT(raw string, header map[string]any, payload []byte) (*JWT, error) {
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", jwt.ErrTokenMalformed, err)
	}

	t := &JWT{
		Raw:     raw,
		Header:  header,
		Claims:  claims,
		payload: payload,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t.ExpiresAt = exp.Time
	}
	return t, nil
}
