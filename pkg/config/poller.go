// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/networking"
)

const defaultFetchAttempts = 3

// Poller periodically fetches a RawSnapshot from a remote endpoint and swaps
// it into a Store when its version changes.
type Poller struct {
	store    *Store
	client   networking.HTTPClient
	endpoint string
	token    string
	interval time.Duration
	attempts uint
	backoff  func() backoff.BackOff
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithFetchAttempts sets how many times a single poll is attempted.
func WithFetchAttempts(n uint) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithBackOff overrides the retry back-off between attempts.
func WithBackOff(fn func() backoff.BackOff) PollerOption {
	return func(p *Poller) {
		p.backoff = fn
	}
}

// NewPoller creates a poller for remote.
func NewPoller(store *Store, client networking.HTTPClient, remote Remote, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    store,
		client:   client,
		endpoint: remote.Endpoint,
		token:    remote.Token,
		interval: remote.Interval,
		attempts: defaultFetchAttempts,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. Failed polls keep the current snapshot.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("Remote configuration poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches the remote snapshot once and reports whether it was swapped in.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	opts := []networking.FetchOption{}
	if p.token != "" {
		opts = append(opts, networking.WithHeader("Authorization", "Bearer "+p.token))
	}

	result, err := backoff.Retry(ctx, func() (*networking.FetchResult[RawSnapshot], error) {
		return networking.FetchJSON[RawSnapshot](ctx, p.client, p.endpoint, opts...)
	},
		backoff.WithBackOff(p.backoff()),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Retrying remote configuration fetch in %v: %v", d, err)
		}),
	)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote configuration: %w", err)
	}

	raw := result.Data
	current := p.store.Load()
	if current != nil && string(raw.Version) == current.Version {
		return false, nil
	}

	next, err := raw.Compile()
	if err != nil {
		return false, fmt.Errorf("remote configuration version %s rejected: %w", raw.Version, err)
	}

	p.store.Swap(next)
	logger.Infow("applied remote configuration", "version", next.Version)
	return true, nil
}
