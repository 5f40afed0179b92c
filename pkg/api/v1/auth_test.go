// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/oidcgate/pkg/api/v1/mocks"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway"
	gatewaymocks "github.com/stacklok/oidcgate/pkg/gateway/mocks"
	"github.com/stacklok/oidcgate/pkg/oidc"
	oidcmocks "github.com/stacklok/oidcgate/pkg/oidc/mocks"
	"github.com/stacklok/oidcgate/pkg/webhook"
)

const hostURL = "https://gw.example.com"

type routesFixture struct {
	client    *oidcmocks.MockClient
	refresher *gatewaymocks.MockTokenRefresher
	login     *mocks.MockLoginHook
	logout    *mocks.MockLogoutHook
	meta      *token.MetaSigner
	routes    *Routes
}

func newRoutesFixture(t *testing.T, redirects config.Redirects) *routesFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &routesFixture{
		client:    oidcmocks.NewMockClient(ctrl),
		refresher: gatewaymocks.NewMockTokenRefresher(ctrl),
		login:     mocks.NewMockLoginHook(ctrl),
		logout:    mocks.NewMockLogoutHook(ctrl),
		meta:      token.NewMetaSigner("secret"),
	}

	cookies := gateway.NewCookies(config.Cookies{Names: config.CookieNames{
		AccessToken:  "at",
		IDToken:      "it",
		RefreshToken: "rt",
		OriginalPath: "op",
		Meta:         "meta",
	}}, "")
	flow := gateway.NewFlow(gateway.FlowConfig{Cookies: cookies, Meta: f.meta, Redirects: redirects})

	f.routes = NewRoutes(RoutesConfig{
		HostURL:    hostURL,
		Store:      config.NewStore(&config.Snapshot{Version: "1"}),
		Flow:       flow,
		Client:     f.client,
		Refresher:  f.refresher,
		Meta:       f.meta,
		LoginHook:  f.login,
		LogoutHook: f.logout,
		Redirects:  redirects,
	})
	return f
}

func responseCookies(rec *httptest.ResponseRecorder) map[string]string {
	out := map[string]string{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

func TestCallbackHooks(t *testing.T) {
	t.Parallel()

	exchanged := &oidc.TokenSet{AccessToken: "at-1", IDToken: "it-1", RefreshToken: "rt-1", ExpiresAt: time.Unix(1700000000, 0)}
	refreshed := &oidc.TokenSet{AccessToken: "at-2", RefreshToken: "rt-2"}

	tests := []struct {
		name         string
		redirects    config.Redirects
		setup        func(f *routesFixture)
		wantStatus   int
		wantLocation string
		wantCookies  map[string]string
		wantMeta     map[string]any
	}{
		{
			name: "hook accepts with defaults",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), &webhook.LoginRequest{
					Tokens:       webhook.Tokens{AccessToken: "at-1", IDToken: "it-1", RefreshToken: "rt-1", ExpiresAt: 1700000000},
					OriginalPath: "/reports?q=1",
				}).Return(&webhook.LoginResponse{}, nil)
			},
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: hostURL + "/reports?q=1",
			wantCookies:  map[string]string{"at": "at-1", "it": "it-1", "rt": "rt-1", "op": gateway.InvalidCookieValue},
		},
		{
			name: "hook requests a refresh",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&webhook.LoginResponse{Refresh: true}, nil)
				f.refresher.EXPECT().Refresh(gomock.Any(), "rt-1").Return(refreshed, nil)
			},
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: hostURL + "/reports?q=1",
			wantCookies:  map[string]string{"at": "at-2", "rt": "rt-2"},
		},
		{
			name: "refresh after login fails",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&webhook.LoginResponse{Refresh: true}, nil)
				f.refresher.EXPECT().Refresh(gomock.Any(), "rt-1").Return(nil, errors.New("invalid_grant"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "hook attaches meta and redirect",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&webhook.LoginResponse{
					Meta:       map[string]any{"tenant": "t1"},
					RedirectTo: "welcome",
				}, nil)
			},
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: hostURL + "/welcome",
			wantMeta:     map[string]any{"tenant": "t1"},
		},
		{
			name:      "rejection redirects when configured",
			redirects: config.Redirects{E403: "/denied"},
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&webhook.LoginResponse{Reject: true}, nil)
			},
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: "/denied",
		},
		{
			name: "rejection without reason",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&webhook.LoginResponse{Reject: true}, nil)
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "hook failure",
			setup: func(f *routesFixture) {
				f.login.EXPECT().Login(gomock.Any(), gomock.Any()).
					Return(nil, httperr.WithCode(webhook.ErrWebhookFailed, http.StatusInternalServerError))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newRoutesFixture(t, tt.redirects)
			f.client.EXPECT().Exchange(gomock.Any(), "abc").Return(exchanged, nil)
			tt.setup(f)

			req := httptest.NewRequest(http.MethodGet, "/_prxi_/callback?code=abc", nil)
			req.AddCookie(&http.Cookie{Name: "op", Value: "/reports?q=1"})
			rec := httptest.NewRecorder()
			f.routes.Callback().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
			}
			cookies := responseCookies(rec)
			for name, value := range tt.wantCookies {
				assert.Equal(t, value, cookies[name], name)
			}
			if tt.wantMeta != nil {
				payload, err := f.meta.Verify(cookies["meta"])
				require.NoError(t, err)
				assert.Equal(t, tt.wantMeta, payload)
			}
		})
	}
}

func TestLogoutHook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		endSession   string
		hookErr      error
		wantStatus   int
		wantLocation string
	}{
		{
			name:         "end session endpoint",
			endSession:   "https://idp.example.com/logout?id_token_hint=it-1",
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: "https://idp.example.com/logout?id_token_hint=it-1",
		},
		{
			name:         "no end session endpoint",
			wantStatus:   http.StatusTemporaryRedirect,
			wantLocation: hostURL + "/",
		},
		{
			name:       "hook failure",
			hookErr:    errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newRoutesFixture(t, config.Redirects{})
			meta, err := f.meta.Sign(map[string]any{"tenant": "t1"})
			require.NoError(t, err)

			f.logout.EXPECT().Logout(gomock.Any(), &webhook.LogoutRequest{
				Tokens: webhook.LogoutTokens{AccessToken: "", IDToken: "it-1"},
				Meta:   map[string]any{"tenant": "t1"},
			}).Return(tt.hookErr)
			if tt.hookErr == nil {
				f.client.EXPECT().EndSessionURL(hostURL, "it-1").Return(tt.endSession)
			}

			req := httptest.NewRequest(http.MethodGet, "/_prxi_/logout", nil)
			req.AddCookie(&http.Cookie{Name: "at", Value: gateway.InvalidCookieValue})
			req.AddCookie(&http.Cookie{Name: "it", Value: "it-1"})
			req.AddCookie(&http.Cookie{Name: "meta", Value: meta})
			rec := httptest.NewRecorder()
			f.routes.Logout().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
			}
			cookies := responseCookies(rec)
			for _, name := range []string{"at", "it", "rt", "op", "meta"} {
				assert.Equal(t, gateway.InvalidCookieValue, cookies[name], name)
			}
		})
	}
}

func TestLoginRoute(t *testing.T) {
	t.Parallel()

	f := newRoutesFixture(t, config.Redirects{})
	f.client.EXPECT().AuthorizationURL().Return("https://idp.example.com/authorize").Times(2)

	rec := httptest.NewRecorder()
	f.routes.Login().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_prxi_/login?redirectTo=/app", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://idp.example.com/authorize", rec.Header().Get("Location"))
	assert.Equal(t, "/app", responseCookies(rec)["op"])

	rec = httptest.NewRecorder()
	f.routes.Login().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_prxi_/login", nil))
	assert.Equal(t, gateway.InvalidCookieValue, responseCookies(rec)["op"])
}
