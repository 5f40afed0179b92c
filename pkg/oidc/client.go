// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc is the gateway's client of the OpenID Connect provider. It
// performs discovery, builds authorization and end-session URLs and runs
// the authorization code and refresh token grants.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcgate/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

const wellKnownSuffix = "/.well-known/openid-configuration"

// DefaultScopes are requested when no scope is configured.
var DefaultScopes = []string{gooidc.ScopeOpenID, "email", "profile"}

// Client errors
var (
	ErrMissingCode         = errors.New("authorization code is required")
	ErrMissingRefreshToken = errors.New("refresh token is required")
	ErrMissingDiscoveryURL = errors.New("discovery URL is required")
)

// TokenSet holds the tokens returned by a grant.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client is the subset of the OpenID Connect protocol the gateway uses.
type Client interface {
	// AuthorizationURL returns the URL to send the browser to for login.
	AuthorizationURL() string
	// Exchange redeems an authorization code.
	Exchange(ctx context.Context, code string) (*TokenSet, error)
	// Refresh runs the refresh token grant.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// EndSessionURL returns the provider logout URL, or an empty string
	// when the provider does not advertise one.
	EndSessionURL(postLogoutRedirect, idTokenHint string) string
	// JWKSURL returns the provider's key set location.
	JWKSURL() string
	// Issuer returns the provider's issuer identifier.
	Issuer() string
}

// Config configures a provider client.
type Config struct {
	// DiscoveryURL is either the issuer or the full discovery document URL.
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

type providerMetadata struct {
	Issuer             string `json:"issuer"`
	JWKSURI            string `json:"jwks_uri"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// ProviderClient implements Client on top of go-oidc discovery and the
// oauth2 grant implementations.
type ProviderClient struct {
	oauth2     *oauth2.Config
	metadata   providerMetadata
	httpClient *http.Client
}

var _ Client = (*ProviderClient)(nil)

// NewClient discovers the provider and returns a client for it.
func NewClient(ctx context.Context, cfg Config) (*ProviderClient, error) {
	if cfg.DiscoveryURL == "" {
		return nil, ErrMissingDiscoveryURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	issuer := strings.TrimSuffix(cfg.DiscoveryURL, wellKnownSuffix)
	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider at %s: %w", issuer, err)
	}

	var metadata providerMetadata
	if err := provider.Claims(&metadata); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	logger.Debugw("discovered OIDC provider",
		"issuer", metadata.Issuer,
		"jwks_uri", metadata.JWKSURI,
		"has_end_session", metadata.EndSessionEndpoint != "",
	)

	return &ProviderClient{
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		metadata:   metadata,
		httpClient: httpClient,
	}, nil
}

// AuthorizationURL implements Client.
func (c *ProviderClient) AuthorizationURL() string {
	return c.oauth2.AuthCodeURL("")
}

// Exchange implements Client.
func (c *ProviderClient) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	tok, err := c.oauth2.Exchange(c.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	return tokenSet(tok), nil
}

// Refresh implements Client.
func (c *ProviderClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	src := c.oauth2.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	ts := tokenSet(tok)
	if ts.RefreshToken == "" {
		// providers may omit a rotated refresh token
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// EndSessionURL implements Client.
func (c *ProviderClient) EndSessionURL(postLogoutRedirect, idTokenHint string) string {
	if c.metadata.EndSessionEndpoint == "" {
		return ""
	}

	u, err := url.Parse(c.metadata.EndSessionEndpoint)
	if err != nil {
		logger.Warnf("Invalid end_session_endpoint %q: %v", c.metadata.EndSessionEndpoint, err)
		return ""
	}

	q := u.Query()
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	q.Set("client_id", c.oauth2.ClientID)
	u.RawQuery = q.Encode()
	return u.String()
}

// JWKSURL implements Client.
func (c *ProviderClient) JWKSURL() string {
	return c.metadata.JWKSURI
}

// Issuer implements Client.
func (c *ProviderClient) Issuer() string {
	return c.metadata.Issuer
}

func (c *ProviderClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func tokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	return ts
}
