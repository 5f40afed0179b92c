// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/networking"
)

// Client posts JSON payloads to a single webhook endpoint.
type Client struct {
	config     Config
	httpClient networking.HTTPClient
	now        func() time.Time
}

// NewClient creates a webhook client. A nil httpClient gets a client with
// the configured timeout.
func NewClient(cfg Config, httpClient networking.HTTPClient) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webhook configuration: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: httpClient, now: time.Now}, nil
}

// Login calls the login hook. The hook must answer with a JSON object.
func (c *Client) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	logger.FromContext(ctx).Info("calling login webhook", "url", c.config.URL)

	opts, err := c.options(req)
	if err != nil {
		return nil, err
	}
	opts = append(opts, networking.WithoutContentTypeValidation())

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := networking.FetchJSON[LoginResponse](ctx, c.httpClient, c.config.URL, opts...)
	if err != nil {
		return nil, c.wrap(err)
	}
	return &result.Data, nil
}

// Logout calls the logout hook. The response body is ignored.
func (c *Client) Logout(ctx context.Context, req *LogoutRequest) error {
	logger.FromContext(ctx).Info("calling logout webhook", "url", c.config.URL)

	opts, err := c.options(req)
	if err != nil {
		return err
	}
	opts = append(opts, networking.WithoutDecoding())

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if _, err := networking.FetchJSON[struct{}](ctx, c.httpClient, c.config.URL, opts...); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *Client) options(payload any) ([]networking.FetchOption, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	opts := []networking.FetchOption{
		networking.WithMethod(http.MethodPost),
		networking.WithHeader("Content-Type", networking.ContentTypeJSON),
		networking.WithBody(bytes.NewReader(body)),
		networking.WithMaxResponseSize(MaxResponseSize),
	}
	if len(c.config.HMACSecret) > 0 {
		opts = append(opts, withSignature(c.config.HMACSecret, c.now(), body)...)
	}
	return opts, nil
}

func (c *Client) wrap(err error) error {
	logger.Errorw("webhook request failed", "url", c.config.URL, "error", err)
	return httperr.WithCode(fmt.Errorf("%w: %w", ErrWebhookFailed, err), http.StatusInternalServerError)
}
