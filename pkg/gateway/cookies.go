// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"time"

	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/oidc"
)

// InvalidCookieValue replaces the value of every invalidated cookie.
const InvalidCookieValue = "n/a"

// OriginalPathLifetime is how long the post-login redirect target is kept.
const OriginalPathLifetime = 30 * time.Minute

var epoch = time.Unix(0, 0).UTC()

// Cookies builds the gateway's Set-Cookie values.
type Cookies struct {
	names  config.CookieNames
	secure bool
	domain string
	now    func() time.Time
}

// NewCookies creates a cookie builder. Every cookie is scoped to domain
// and the root path.
func NewCookies(cfg config.Cookies, domain string) *Cookies {
	return &Cookies{names: cfg.Names, secure: cfg.Secure, domain: domain, now: time.Now}
}

// Names returns the configured cookie names.
func (c *Cookies) Names() config.CookieNames {
	return c.names
}

// Owned reports whether name is one of the gateway's cookies.
func (c *Cookies) Owned(name string) bool {
	switch name {
	case c.names.AccessToken, c.names.IDToken, c.names.RefreshToken, c.names.OriginalPath, c.names.Meta:
		return true
	}
	return false
}

func (c *Cookies) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		Expires:  expires,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Auth returns the cookies storing tokens. The original path cookie is
// cleared. metaToken is only written when non-empty.
func (c *Cookies) Auth(tokens *oidc.TokenSet, metaToken string) []*http.Cookie {
	out := []*http.Cookie{c.cookie(c.names.OriginalPath, InvalidCookieValue, epoch)}

	if tokens.AccessToken != "" {
		out = append(out, c.cookie(c.names.AccessToken, tokens.AccessToken, tokens.ExpiresAt))
	}
	if tokens.IDToken != "" {
		out = append(out, c.cookie(c.names.IDToken, tokens.IDToken, tokens.ExpiresAt))
	}
	if tokens.RefreshToken != "" {
		out = append(out, c.cookie(c.names.RefreshToken, tokens.RefreshToken, time.Time{}))
	}
	if metaToken != "" {
		out = append(out, c.cookie(c.names.Meta, metaToken, c.now().Add(token.MetaTokenLifetime)))
	}
	return out
}

// Invalidate expires every gateway cookie. An override with the same name
// replaces the invalidated cookie.
func (c *Cookies) Invalidate(overrides ...*http.Cookie) []*http.Cookie {
	names := []string{
		c.names.OriginalPath,
		c.names.AccessToken,
		c.names.IDToken,
		c.names.RefreshToken,
		c.names.Meta,
	}

	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		ck := c.cookie(name, InvalidCookieValue, epoch)
		for _, o := range overrides {
			if o.Name == name {
				ck = o
			}
		}
		out = append(out, ck)
	}
	return out
}

// OriginalPath returns a cookie remembering where to go after login.
func (c *Cookies) OriginalPath(value string) *http.Cookie {
	return c.cookie(c.names.OriginalPath, value, c.now().Add(OriginalPathLifetime))
}
