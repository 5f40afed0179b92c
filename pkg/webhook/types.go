// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package webhook calls the optional login and logout hooks. The login hook
// may reject a user, request a token refresh, attach meta attributes that
// are carried in a signed cookie, or override the post-login redirect.
package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultTimeout is the default timeout for webhook HTTP calls.
const DefaultTimeout = 10 * time.Second

// MaxTimeout is the maximum allowed timeout for webhook HTTP calls.
const MaxTimeout = 30 * time.Second

// MaxResponseSize is the maximum allowed size in bytes for webhook responses (1 MB).
const MaxResponseSize = 1 << 20

// ErrWebhookFailed is returned when a webhook cannot be called or answers
// with a non-2xx status.
var ErrWebhookFailed = errors.New("webhook request failed")

// Config holds the configuration for a single webhook.
type Config struct {
	// URL is the endpoint to POST to.
	URL string
	// Timeout is the maximum time to wait for a webhook response.
	Timeout time.Duration
	// HMACSecret signs the payload when set.
	HMACSecret []byte
}

// Validate checks that the Config has valid required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return fmt.Errorf("webhook URL is invalid: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("webhook timeout must be non-negative")
	}
	if c.Timeout > MaxTimeout {
		return fmt.Errorf("webhook timeout %v exceeds maximum %v", c.Timeout, MaxTimeout)
	}
	return nil
}

// Tokens are the provider tokens sent to the login hook.
type Tokens struct {
	AccessToken  string `json:"access_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// LoginRequest is the payload of the login hook.
type LoginRequest struct {
	Tokens       Tokens `json:"tokens"`
	OriginalPath string `json:"originalPath"`
}

// LoginResponse is what the login hook may answer with. Every field is
// optional.
type LoginResponse struct {
	// Reject denies the login.
	Reject bool `json:"reject,omitempty"`
	// Reason is returned to the browser when Reject is set.
	Reason string `json:"reason,omitempty"`
	// Refresh asks for new tokens before the cookies are set.
	Refresh bool `json:"refresh,omitempty"`
	// Meta is stored in the signed meta cookie.
	Meta map[string]any `json:"meta,omitempty"`
	// RedirectTo overrides the post-login redirect. Relative paths are
	// resolved against the gateway's host URL.
	RedirectTo string `json:"redirectTo,omitempty"`
}

// LogoutTokens are the tokens sent to the logout hook.
type LogoutTokens struct {
	AccessToken string `json:"access_token,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

// LogoutRequest is the payload of the logout hook.
type LogoutRequest struct {
	Tokens LogoutTokens   `json:"tokens"`
	Meta   map[string]any `json:"meta,omitempty"`
}
