// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/stacklok/oidcgate/pkg/auth/access"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/mapping"
)

// RequestContext is the per-request state shared by the flow stages.
type RequestContext struct {
	// Snapshot is the configuration the request is evaluated against.
	Snapshot *config.Snapshot
	Mapping  *mapping.Mapping
	Class    mapping.Class

	AccessToken  string
	IDToken      string
	RefreshToken string

	// AccessJWT and IDJWT are only set for tokens that verified successfully.
	AccessJWT *token.JWT
	IDJWT     *token.JWT

	Decision *access.Decision
	Meta     map[string]any
}

// NewRequestContext creates a context evaluated against snapshot.
func NewRequestContext(snapshot *config.Snapshot) *RequestContext {
	return &RequestContext{Snapshot: snapshot}
}

// Page reports whether failures should be answered with redirects.
func (rc *RequestContext) Page() bool {
	return rc.Class == mapping.ClassPage
}

// Anonymous reports whether the request carries no verified access token.
func (rc *RequestContext) Anonymous() bool {
	return rc.AccessJWT == nil
}

func (rc *RequestContext) clearTokens() {
	rc.AccessToken, rc.IDToken, rc.RefreshToken = "", "", ""
	rc.AccessJWT, rc.IDJWT = nil, nil
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
