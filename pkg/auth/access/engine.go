// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package access decides whether verified tokens satisfy a mapping's claim
// policy.
package access

import (
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/mapping"
)

// AuthClaims are the caller's claims split into everything extracted and
// the subset that satisfied the mapping policy.
type AuthClaims struct {
	All      token.AuthClaims `json:"all"`
	Matching token.AuthClaims `json:"matching"`
}

// Decision is the result of an allowed access check.
type Decision struct {
	Auth  AuthClaims      `json:"auth"`
	Proxy token.RawClaims `json:"proxy"`
}

// Engine evaluates claim policies.
type Engine struct {
	authPaths  token.ClaimPaths
	proxyPaths token.ClaimPaths

	allowWithoutClaims bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowWithoutClaims allows mappings that declare no claim policy.
func WithAllowWithoutClaims() Option {
	return func(e *Engine) {
		e.allowWithoutClaims = true
	}
}

// NewEngine creates an engine that extracts authorization claims with
// authPaths and forwarded claims with proxyPaths.
func NewEngine(authPaths, proxyPaths token.ClaimPaths, opts ...Option) *Engine {
	e := &Engine{authPaths: authPaths, proxyPaths: proxyPaths}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide checks accessJWT and idJWT against m. Either token may be nil. It
// returns false when access is denied.
func (e *Engine) Decide(accessJWT, idJWT *token.JWT, m *mapping.Mapping) (*Decision, bool) {
	tokens := []*token.JWT{accessJWT, idJWT}

	if len(m.Auth.Claims) == 0 {
		if !e.allowWithoutClaims {
			return nil, false
		}
		return &Decision{
			Auth:  AuthClaims{All: token.AuthClaims{}, Matching: token.AuthClaims{}},
			Proxy: token.ExtractRawClaims(tokens, e.proxyPaths),
		}, true
	}

	all := token.ExtractAuthClaims(tokens, e.authPaths)
	matching := make(token.AuthClaims, len(m.Auth.Claims))
	satisfied := false

	// ALL is evaluated like ANY
	for name, accepted := range m.Auth.Claims {
		overlap := intersect(accepted, all[name])
		matching[name] = overlap
		if len(overlap) > 0 {
			satisfied = true
		}
	}

	if !satisfied && m.Auth.Required {
		return nil, false
	}

	return &Decision{
		Auth:  AuthClaims{All: all, Matching: matching},
		Proxy: token.ExtractRawClaims(tokens, e.proxyPaths),
	}, true
}

// Allowed is Decide without the decision.
func (e *Engine) Allowed(accessJWT, idJWT *token.JWT, m *mapping.Mapping) bool {
	_, ok := e.Decide(accessJWT, idJWT, m)
	return ok
}

func intersect(accepted, actual []string) []string {
	out := []string{}
	for _, v := range accepted {
		for _, a := range actual {
			if v == a {
				out = append(out, v)
				break
			}
		}
	}
	return out
}
