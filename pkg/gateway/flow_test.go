// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway/mocks"
	"github.com/stacklok/oidcgate/pkg/mapping"
	"github.com/stacklok/oidcgate/pkg/oidc"
	"github.com/stacklok/oidcgate/pkg/testkit"
)

const testAuthURL = "https://idp.example.com/authorize?client_id=gateway"

type fakeExchange struct {
	ctx     context.Context
	method  string
	path    string
	query   string
	cookies map[string]string

	set      []*http.Cookie
	redirect string
	status   int
	message  string
	body     any
}

func (e *fakeExchange) Context() context.Context    { return e.ctx }
func (e *fakeExchange) Method() string              { return e.method }
func (e *fakeExchange) Path() string                { return e.path }
func (e *fakeExchange) RawQuery() string            { return e.query }
func (*fakeExchange) Header(string) string          { return "" }
func (e *fakeExchange) Cookies() map[string]string  { return e.cookies }
func (e *fakeExchange) SetCookies(c []*http.Cookie) { e.set = append(e.set, c...) }
func (e *fakeExchange) Redirect(url string)         { e.redirect = url }

func (e *fakeExchange) SendError(code int, message string) {
	e.status, e.message = code, message
}

func (e *fakeExchange) SendJSON(code int, v any) {
	e.status, e.body = code, v
}

type flowFixture struct {
	idp       *testkit.IdP
	refresher *mocks.MockTokenRefresher
	flow      *Flow
	meta      *token.MetaSigner
	snapshot  *config.Snapshot
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	idp := testkit.NewIdP(t)
	keys, err := token.NewJWKS(t.Context(), idp.JWKSURL(), http.DefaultClient)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	authorizer := mocks.NewMockAuthorizer(ctrl)
	authorizer.EXPECT().AuthorizationURL().Return(testAuthURL).AnyTimes()
	refresher := mocks.NewMockTokenRefresher(ctrl)

	snapshot, err := config.RawSnapshot{
		AuthClaimPaths: token.ClaimPaths{"role": {"realm_access", "roles"}},
	}.Compile()
	require.NoError(t, err)

	meta := token.NewMetaSigner("meta-secret")
	return &flowFixture{
		idp:       idp,
		refresher: refresher,
		meta:      meta,
		snapshot:  snapshot,
		flow: NewFlow(FlowConfig{
			Verifier:   token.NewVerifier(idp.Issuer(), keys),
			Refresher:  refresher,
			Authorizer: authorizer,
			Cookies:    newTestCookies(),
			Meta:       meta,
			Redirects:  config.Redirects{E403: "/forbidden"},
		}),
	}
}

func (f *flowFixture) requestContext(t *testing.T, class mapping.Class, rawMapping string) *RequestContext {
	t.Helper()
	mappings, err := mapping.Parse(rawMapping)
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	rc := NewRequestContext(f.snapshot)
	rc.Mapping = mappings[0]
	rc.Class = class
	return rc
}

func (f *flowFixture) accessToken(roles ...string) string {
	return f.idp.Sign(jwt.MapClaims{"sub": "alice", "realm_access": map[string]any{"roles": roles}})
}

const (
	requiredAdmin = `[{"pattern": "/.*", "auth": {"claims": {"role": ["admin"]}}}]`
	optionalAdmin = `[{"pattern": "/.*", "auth": {"required": false, "claims": {"role": ["admin"]}}}]`
)

func TestFlow_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		class        mapping.Class
		mapping      string
		cookies      func(f *flowFixture) map[string]string
		wantOutcome  Outcome
		wantStatus   int
		wantRedirect string
		wantCookies  map[string]string
		anonymous    bool
	}{
		{
			name:    "valid access token",
			class:   mapping.ClassAPI,
			mapping: requiredAdmin,
			cookies: func(f *flowFixture) map[string]string {
				return map[string]string{"at": f.accessToken("admin"), "it": f.idp.Sign(jwt.MapClaims{})}
			},
			wantOutcome: Proceed,
		},
		{
			name:        "api without tokens",
			class:       mapping.ClassAPI,
			mapping:     requiredAdmin,
			cookies:     func(*flowFixture) map[string]string { return map[string]string{} },
			wantOutcome: Rejected,
			wantStatus:  http.StatusUnauthorized,
			wantCookies: map[string]string{"op": "n/a", "at": "n/a", "it": "n/a", "rt": "n/a", "meta": "n/a"},
			anonymous:   true,
		},
		{
			name:         "page without tokens",
			class:        mapping.ClassPage,
			mapping:      requiredAdmin,
			cookies:      func(*flowFixture) map[string]string { return map[string]string{} },
			wantOutcome:  Rejected,
			wantRedirect: testAuthURL,
			wantCookies:  map[string]string{"op": "/app/orders?page=2", "at": "n/a"},
			anonymous:    true,
		},
		{
			name:        "optional auth without tokens",
			class:       mapping.ClassAPI,
			mapping:     optionalAdmin,
			cookies:     func(*flowFixture) map[string]string { return map[string]string{} },
			wantOutcome: Proceed,
			wantCookies: map[string]string{"at": "n/a"},
			anonymous:   true,
		},
		{
			name:    "garbage access token",
			class:   mapping.ClassAPI,
			mapping: optionalAdmin,
			cookies: func(*flowFixture) map[string]string {
				return map[string]string{"at": "garbage"}
			},
			wantOutcome: Rejected,
			wantStatus:  http.StatusUnauthorized,
			wantCookies: map[string]string{"op": "n/a", "at": "n/a"},
			anonymous:   true,
		},
		{
			name:    "expired access token without refresh token",
			class:   mapping.ClassPage,
			mapping: requiredAdmin,
			cookies: func(f *flowFixture) map[string]string {
				return map[string]string{"at": f.idp.SignExpired(jwt.MapClaims{})}
			},
			wantOutcome:  Rejected,
			wantRedirect: testAuthURL,
			wantCookies:  map[string]string{"op": "n/a"},
			anonymous:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFlowFixture(t)
			rc := f.requestContext(t, tt.class, tt.mapping)
			ex := &fakeExchange{
				ctx:     t.Context(),
				method:  http.MethodGet,
				path:    "/app/orders",
				query:   "page=2",
				cookies: tt.cookies(f),
			}

			outcome, err := f.flow.Authenticate(ex, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStatus, ex.status)
			assert.Equal(t, tt.wantRedirect, ex.redirect)
			assert.Equal(t, tt.anonymous, rc.Anonymous())

			got := byName(ex.set)
			if tt.wantCookies == nil {
				assert.Empty(t, ex.set)
			}
			for name, value := range tt.wantCookies {
				require.Contains(t, got, name)
				assert.Equal(t, value, got[name].Value, name)
			}
		})
	}
}

func TestFlow_AuthenticateRefreshes(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	rc := f.requestContext(t, mapping.ClassPage, requiredAdmin)

	fresh := &oidc.TokenSet{
		AccessToken:  f.accessToken("admin"),
		IDToken:      f.idp.Sign(jwt.MapClaims{"email": "alice@example.com"}),
		RefreshToken: "rt-2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	f.refresher.EXPECT().Refresh(gomock.Any(), "rt-1").Return(fresh, nil)

	metaToken, err := f.meta.Sign(map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	ex := &fakeExchange{ctx: t.Context(), path: "/app", cookies: map[string]string{
		"at":   f.idp.SignExpired(jwt.MapClaims{}),
		"rt":   "rt-1",
		"meta": metaToken,
	}}

	outcome, err := f.flow.Run(ex, rc)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)

	assert.Equal(t, fresh.AccessToken, rc.AccessToken)
	assert.Equal(t, "rt-2", rc.RefreshToken)
	require.NotNil(t, rc.AccessJWT)
	require.NotNil(t, rc.IDJWT)
	assert.Equal(t, map[string]any{"tenant": "acme"}, rc.Meta)
	require.NotNil(t, rc.Decision)
	assert.Equal(t, []string{"admin"}, rc.Decision.Auth.Matching["role"])

	got := byName(ex.set)
	assert.Equal(t, fresh.AccessToken, got["at"].Value)
	assert.Equal(t, fresh.IDToken, got["it"].Value)
	assert.Equal(t, "rt-2", got["rt"].Value)
	payload, err := f.meta.Verify(got["meta"].Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme"}, payload)
}

func TestFlow_AuthenticateRefreshOnExpiredIDToken(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	rc := f.requestContext(t, mapping.ClassAPI, requiredAdmin)

	fresh := &oidc.TokenSet{AccessToken: f.accessToken("admin"), IDToken: f.idp.Sign(jwt.MapClaims{})}
	f.refresher.EXPECT().Refresh(gomock.Any(), "rt-1").Return(fresh, nil)

	ex := &fakeExchange{ctx: t.Context(), path: "/api", cookies: map[string]string{
		"at": f.accessToken("admin"),
		"it": f.idp.SignExpired(jwt.MapClaims{}),
		"rt": "rt-1",
	}}

	outcome, err := f.flow.Authenticate(ex, rc)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	assert.Equal(t, fresh.IDToken, rc.IDToken)
	// no refresh token in the new set keeps the cookie untouched
	assert.NotContains(t, byName(ex.set), "rt")
}

func TestFlow_AuthenticateFailedRefreshForcesLogin(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	rc := f.requestContext(t, mapping.ClassPage, requiredAdmin)
	f.refresher.EXPECT().Refresh(gomock.Any(), "stale").Return(nil, errors.New("invalid_grant"))

	ex := &fakeExchange{ctx: t.Context(), path: "/app/orders", query: "id=7", cookies: map[string]string{
		"it": f.idp.Sign(jwt.MapClaims{}),
		"rt": "stale",
	}}

	outcome, err := f.flow.Authenticate(ex, rc)
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, testAuthURL, ex.redirect)
	assert.Zero(t, ex.status)

	assert.Empty(t, rc.AccessToken)
	assert.Empty(t, rc.IDToken)
	assert.Empty(t, rc.RefreshToken)
	assert.Nil(t, rc.IDJWT)

	got := byName(ex.set)
	assert.Equal(t, "/app/orders?id=7", got["op"].Value)
	for _, name := range []string{"at", "it", "rt", "meta"} {
		assert.Equal(t, InvalidCookieValue, got[name].Value, name)
	}
}

func TestFlow_AuthenticateMissingMetaSecret(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	f.flow.meta = token.NewMetaSigner("")
	rc := f.requestContext(t, mapping.ClassAPI, requiredAdmin)
	rc.Meta = map[string]any{"tenant": "acme"}

	f.refresher.EXPECT().Refresh(gomock.Any(), "rt").Return(&oidc.TokenSet{AccessToken: f.accessToken()}, nil)

	ex := &fakeExchange{ctx: t.Context(), cookies: map[string]string{"rt": "rt"}}
	outcome, err := f.flow.Authenticate(ex, rc)
	assert.Equal(t, Rejected, outcome)
	assert.ErrorContains(t, err, token.ErrMissingMetaSecret.Error())
	assert.Equal(t, http.StatusInternalServerError, httperr.Code(err))
}

func TestFlow_Authorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		class        mapping.Class
		mapping      string
		roles        []string
		anonymous    bool
		wantOutcome  Outcome
		wantStatus   int
		wantRedirect string
		wantMatching []string
	}{
		{
			name:         "matching role",
			class:        mapping.ClassAPI,
			mapping:      `[{"pattern": "/.*", "auth": {"claims": {"role": ["a", "b"]}}}]`,
			roles:        []string{"b", "c"},
			wantOutcome:  Proceed,
			wantMatching: []string{"b"},
		},
		{
			name:        "api without matching role",
			class:       mapping.ClassAPI,
			mapping:     requiredAdmin,
			roles:       []string{"user"},
			wantOutcome: Rejected,
			wantStatus:  http.StatusForbidden,
		},
		{
			name:         "page without matching role",
			class:        mapping.ClassPage,
			mapping:      requiredAdmin,
			roles:        []string{"user"},
			wantOutcome:  Rejected,
			wantRedirect: "/forbidden",
		},
		{
			name:         "optional auth, anonymous",
			class:        mapping.ClassPage,
			mapping:      optionalAdmin,
			anonymous:    true,
			wantOutcome:  Proceed,
			wantMatching: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFlowFixture(t)
			rc := f.requestContext(t, tt.class, tt.mapping)
			if !tt.anonymous {
				jwtToken, result := f.flow.verifier.ParseAndVerify(t.Context(), f.accessToken(tt.roles...))
				require.Equal(t, token.Success, result)
				rc.AccessJWT = jwtToken
			}

			ex := &fakeExchange{ctx: t.Context()}
			outcome := f.flow.Authorize(ex, rc)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStatus, ex.status)
			assert.Equal(t, tt.wantRedirect, ex.redirect)
			if tt.wantOutcome == Proceed {
				require.NotNil(t, rc.Decision)
				assert.Equal(t, tt.wantMatching, rc.Decision.Auth.Matching["role"])
			} else {
				assert.Nil(t, rc.Decision)
			}
		})
	}
}

func TestFlow_RunPublicSkipsTokens(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	flow := NewFlow(FlowConfig{
		Verifier:   mocks.NewMockTokenVerifier(ctrl),
		Refresher:  mocks.NewMockTokenRefresher(ctrl),
		Authorizer: mocks.NewMockAuthorizer(ctrl),
		Cookies:    newTestCookies(),
		Meta:       token.NewMetaSigner("s"),
	})

	mappings, err := mapping.Parse(`[{"pattern": "/public/.*"}]`)
	require.NoError(t, err)
	rc := NewRequestContext(&config.Snapshot{})
	rc.Mapping, rc.Class = mappings[0], mapping.ClassPublic

	ex := &fakeExchange{ctx: t.Context(), path: "/public/x", cookies: map[string]string{"at": "whatever"}}
	outcome, err := flow.Run(ex, rc)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	assert.Empty(t, ex.set)

	_, err = flow.Run(ex, NewRequestContext(&config.Snapshot{}))
	assert.ErrorIs(t, err, errNoMapping)
}

func TestFlow_RunOptionalWithoutClaims(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	rc := f.requestContext(t, mapping.ClassAPI, `[{"pattern": "/.*", "auth": {"required": false}}]`)

	ex := &fakeExchange{ctx: t.Context(), path: "/anything", cookies: map[string]string{}}
	outcome, err := f.flow.Run(ex, rc)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	require.NotNil(t, rc.Decision)
	assert.Empty(t, rc.Decision.Auth.Matching)
	assert.True(t, rc.Anonymous())
}

func TestFlow_LoadMetaIgnoresInvalidCookie(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	other, err := token.NewMetaSigner("other-secret").Sign(map[string]any{"x": 1})
	require.NoError(t, err)

	for _, raw := range []string{other, "garbage", InvalidCookieValue} {
		rc := NewRequestContext(f.snapshot)
		f.flow.LoadMeta(&fakeExchange{ctx: t.Context(), cookies: map[string]string{"meta": raw}}, rc)
		assert.Nil(t, rc.Meta)
	}
}

func TestRequestContextRoundTrip(t *testing.T) {
	t.Parallel()

	rc := NewRequestContext(&config.Snapshot{Version: "3"})
	got, ok := FromContext(WithRequestContext(t.Context(), rc))
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, ok = FromContext(t.Context())
	assert.False(t, ok)
}
