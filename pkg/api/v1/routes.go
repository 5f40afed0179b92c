// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the gateway's own endpoints and the catch-all
// proxy handler.
package v1

import (
	"context"
	"net/http"

	"github.com/stacklok/oidcgate/pkg/api/errors"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/oidc"
	"github.com/stacklok/oidcgate/pkg/proxy"
	"github.com/stacklok/oidcgate/pkg/telemetry"
	"github.com/stacklok/oidcgate/pkg/webhook"
)

//go:generate mockgen -destination=mocks/mock_hooks.go -package=mocks -source=routes.go LoginHook,LogoutHook

// LoginHook is called after a successful code exchange.
type LoginHook interface {
	Login(ctx context.Context, req *webhook.LoginRequest) (*webhook.LoginResponse, error)
}

// LogoutHook is called when a user logs out.
type LogoutHook interface {
	Logout(ctx context.Context, req *webhook.LogoutRequest) error
}

// RoutesConfig holds the collaborators of the gateway endpoints. The
// hooks are optional.
type RoutesConfig struct {
	HostURL    string
	Store      *config.Store
	Flow       *gateway.Flow
	Client     oidc.Client
	Refresher  gateway.TokenRefresher
	Meta       *token.MetaSigner
	LoginHook  LoginHook
	LogoutHook LogoutHook
	Proxy      *proxy.Proxy
	Metrics    *telemetry.Metrics
	Redirects  config.Redirects
}

// Routes serves the gateway endpoints.
type Routes struct {
	hostURL    string
	store      *config.Store
	flow       *gateway.Flow
	cookies    *gateway.Cookies
	client     oidc.Client
	refresher  gateway.TokenRefresher
	meta       *token.MetaSigner
	loginHook  LoginHook
	logoutHook LogoutHook
	proxy      *proxy.Proxy
	metrics    *telemetry.Metrics
	redirects  config.Redirects

	handle func(errors.HandlerWithError) http.HandlerFunc
}

// NewRoutes creates the gateway endpoints.
func NewRoutes(cfg RoutesConfig) *Routes {
	return &Routes{
		hostURL:    cfg.HostURL,
		store:      cfg.Store,
		flow:       cfg.Flow,
		cookies:    cfg.Flow.Cookies(),
		client:     cfg.Client,
		refresher:  cfg.Refresher,
		meta:       cfg.Meta,
		loginHook:  cfg.LoginHook,
		logoutHook: cfg.LogoutHook,
		proxy:      cfg.Proxy,
		metrics:    cfg.Metrics,
		redirects:  cfg.Redirects,
		handle:     errors.NewErrorHandler(cfg.Redirects),
	}
}

// Health answers liveness probes.
func (*Routes) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success":true}`))
}

// Login starts the authorization code flow.
func (rt *Routes) Login() http.HandlerFunc { return rt.handle(rt.login) }

// Logout ends the session.
func (rt *Routes) Logout() http.HandlerFunc { return rt.handle(rt.logout) }

// Callback completes the authorization code flow.
func (rt *Routes) Callback() http.HandlerFunc { return rt.handle(rt.callback) }

// Whoami describes the caller.
func (rt *Routes) Whoami() http.HandlerFunc { return rt.handle(rt.whoami) }

// Permissions evaluates access to a list of resources for the caller.
func (rt *Routes) Permissions() http.HandlerFunc { return rt.handle(rt.permissions) }

// Proxy authenticates, authorizes and forwards everything else.
func (rt *Routes) Proxy() http.HandlerFunc { return rt.handle(rt.forward) }
