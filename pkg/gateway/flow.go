// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway authenticates and authorizes requests against the
// matched mapping. The flow is written once over Exchange; the transport
// subpackage adapts HTTP/1.1, HTTP/2 and WebSocket requests to it.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcgate/pkg/auth/access"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/mapping"
	"github.com/stacklok/oidcgate/pkg/oidc"
)

var errNoMapping = errors.New("request was not classified")

//go:generate mockgen -destination=mocks/mock_flow.go -package=mocks -source=flow.go TokenVerifier,TokenRefresher,Authorizer

// TokenVerifier verifies provider-issued tokens.
type TokenVerifier interface {
	ParseAndVerify(ctx context.Context, raw string) (*token.JWT, token.Result)
}

// TokenRefresher exchanges a refresh token for a new token set.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oidc.TokenSet, error)
}

// Authorizer provides the identity provider's login URL.
type Authorizer interface {
	AuthorizationURL() string
}

// FlowConfig holds the collaborators of a Flow.
type FlowConfig struct {
	Verifier   TokenVerifier
	Refresher  TokenRefresher
	Authorizer Authorizer
	Cookies    *Cookies
	Meta       *token.MetaSigner
	Redirects  config.Redirects
}

// Flow runs authentication and authorization for a request.
type Flow struct {
	verifier   TokenVerifier
	refresher  TokenRefresher
	authorizer Authorizer
	cookies    *Cookies
	meta       *token.MetaSigner
	redirects  config.Redirects
}

// NewFlow creates a flow.
func NewFlow(cfg FlowConfig) *Flow {
	return &Flow{
		verifier:   cfg.Verifier,
		refresher:  cfg.Refresher,
		authorizer: cfg.Authorizer,
		cookies:    cfg.Cookies,
		meta:       cfg.Meta,
		redirects:  cfg.Redirects,
	}
}

// Cookies returns the flow's cookie builder.
func (f *Flow) Cookies() *Cookies {
	return f.cookies
}

// Run loads the meta cookie, authenticates and authorizes. Public routes
// always proceed without looking at tokens.
func (f *Flow) Run(ex Exchange, rc *RequestContext) (Outcome, error) {
	if rc.Class == mapping.ClassNone || rc.Mapping == nil {
		return Rejected, errNoMapping
	}
	if rc.Class == mapping.ClassPublic {
		return Proceed, nil
	}

	f.LoadMeta(ex, rc)

	outcome, err := f.Authenticate(ex, rc)
	if err != nil || outcome == Rejected {
		return outcome, err
	}
	return f.Authorize(ex, rc, PolicyOptions(rc.Mapping)...), nil
}

// PolicyOptions returns the engine options m is evaluated with. Optional
// mappings without a claim policy are open.
func PolicyOptions(m *mapping.Mapping) []access.Option {
	if m.Auth.Required {
		return nil
	}
	return []access.Option{access.WithAllowWithoutClaims()}
}

// LoadMeta verifies the meta cookie, if present, into rc.Meta. A cookie
// that fails verification is ignored.
func (f *Flow) LoadMeta(ex Exchange, rc *RequestContext) {
	raw := ex.Cookies()[f.cookies.names.Meta]
	if raw == "" || raw == InvalidCookieValue {
		return
	}
	payload, err := f.meta.Verify(raw)
	if err != nil {
		logger.FromContext(ex.Context()).Debug("ignoring meta cookie", "error", err)
		return
	}
	rc.Meta = payload
}

// Authenticate reads the token cookies, refreshes them when needed and
// challenges the caller when the mapping requires a valid access token.
func (f *Flow) Authenticate(ex Exchange, rc *RequestContext) (Outcome, error) {
	ctx := ex.Context()
	log := logger.FromContext(ctx)

	cookies := ex.Cookies()
	names := f.cookies.names
	rc.AccessToken = cookies[names.AccessToken]
	rc.IDToken = cookies[names.IDToken]
	rc.RefreshToken = cookies[names.RefreshToken]

	accessResult, idResult := f.verify(ctx, rc)
	log.Debug("verified tokens", "access", accessResult, "id", idResult)

	if rc.RefreshToken != "" &&
		(accessResult == token.Missing || accessResult == token.Expired || idResult == token.Expired) {
		tokens, err := f.refresher.Refresh(ctx, rc.RefreshToken)
		if err != nil {
			log.Info("unable to refresh tokens", "error", err)
			rc.clearTokens()
			accessResult = token.Missing
		} else {
			var metaToken string
			if rc.Meta != nil {
				if metaToken, err = f.meta.Sign(rc.Meta); err != nil {
					return Rejected, httperr.WithCode(err, http.StatusInternalServerError)
				}
			}
			ex.SetCookies(f.cookies.Auth(tokens, metaToken))

			rc.AccessToken = tokens.AccessToken
			rc.IDToken = tokens.IDToken
			rc.RefreshToken = tokens.RefreshToken
			accessResult, idResult = f.verify(ctx, rc)
			log.Debug("verified refreshed tokens", "access", accessResult, "id", idResult)
		}
	}

	switch accessResult {
	case token.Success:
		return Proceed, nil

	case token.Missing:
		if rc.Page() {
			ex.SetCookies(f.cookies.Invalidate(f.cookies.OriginalPath(originalPath(ex))))
		} else {
			ex.SetCookies(f.cookies.Invalidate())
		}

		if rc.Mapping.Auth.Required {
			log.Debug("access token is missing but mapping requires auth")
			f.challenge(ex, rc)
			return Rejected, nil
		}
		rc.AccessJWT, rc.IDJWT = nil, nil
		return Proceed, nil

	default:
		log.Debug("access token verification failed", "result", accessResult)
		ex.SetCookies(f.cookies.Invalidate())
		f.challenge(ex, rc)
		return Rejected, nil
	}
}

// Authorize checks rc against its mapping's claim policy and stores the
// decision in rc. Denied page requests are redirected to the configured
// forbidden page when there is one.
func (f *Flow) Authorize(ex Exchange, rc *RequestContext, opts ...access.Option) Outcome {
	engine := access.NewEngine(rc.Snapshot.AuthClaimPaths, rc.Snapshot.ProxyClaimPaths, opts...)
	decision, ok := engine.Decide(rc.AccessJWT, rc.IDJWT, rc.Mapping)
	if !ok {
		logger.FromContext(ex.Context()).Info("access denied", "mapping", rc.Mapping.String())
		if rc.Page() && f.redirects.E403 != "" {
			ex.Redirect(f.redirects.E403)
		} else {
			ex.SendError(http.StatusForbidden, "Forbidden")
		}
		return Rejected
	}

	rc.Decision = decision
	return Proceed
}

func (f *Flow) verify(ctx context.Context, rc *RequestContext) (token.Result, token.Result) {
	accessJWT, accessResult := f.verifier.ParseAndVerify(ctx, rc.AccessToken)
	idJWT, idResult := f.verifier.ParseAndVerify(ctx, rc.IDToken)

	rc.AccessJWT, rc.IDJWT = nil, nil
	if accessResult == token.Success {
		rc.AccessJWT = accessJWT
	}
	if idResult == token.Success {
		rc.IDJWT = idJWT
	}
	return accessResult, idResult
}

func (f *Flow) challenge(ex Exchange, rc *RequestContext) {
	if rc.Page() {
		ex.Redirect(f.authorizer.AuthorizationURL())
		return
	}
	ex.SendError(http.StatusUnauthorized, "Unauthorized")
}

func originalPath(ex Exchange) string {
	if q := ex.RawQuery(); q != "" {
		return ex.Path() + "?" + q
	}
	return ex.Path()
}
