// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresh deduplicates refresh token grants. Concurrent requests
// presenting the same refresh token share a single call to the provider,
// and the outcome stays available for a short window after it completes so
// that requests racing in with the old token get the same new tokens.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/oidc"
)

// DefaultRetention is how long a refresh outcome is shared after the call
// was started.
const DefaultRetention = 10 * time.Second

// Refresher runs the refresh token grant. oidc.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oidc.TokenSet, error)
}

// Outcome labels reported to the result observer.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeJoined    = "joined"
	OutcomeFailed    = "failed"
)

type call struct {
	done   chan struct{}
	tokens *oidc.TokenSet
	err    error
}

// Coordinator shares refresh outcomes keyed by refresh token.
type Coordinator struct {
	refresher Refresher
	retention time.Duration
	shared    SharedStore
	observe   func(outcome string)

	mu    sync.Mutex
	calls map[string]*call
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithSharedStore coordinates refreshes with other gateway replicas.
func WithSharedStore(s SharedStore) Option {
	return func(c *Coordinator) {
		c.shared = s
	}
}

// WithResultObserver registers fn to be called with the outcome of every
// Refresh call.
func WithResultObserver(fn func(outcome string)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// NewCoordinator creates a coordinator that delegates grants to r.
func NewCoordinator(r Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		refresher: r,
		retention: DefaultRetention,
		observe:   func(string) {},
		calls:     map[string]*call{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns new tokens for refreshToken. Only the first caller for a
// given token reaches the provider; everyone else waits for its outcome.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
	c.mu.Lock()
	if existing, ok := c.calls[refreshToken]; ok {
		c.mu.Unlock()
		tokens, err := c.wait(ctx, existing)
		c.report(OutcomeJoined, err)
		return tokens, err
	}

	cl := &call{done: make(chan struct{})}
	c.calls[refreshToken] = cl
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.calls[refreshToken] == cl {
			delete(c.calls, refreshToken)
		}
	})
	c.mu.Unlock()

	c.run(ctx, cl, refreshToken)
	c.report(OutcomeRefreshed, cl.err)
	return cl.tokens, cl.err
}

// run performs the grant for cl. The grant is not cancelled with the
// request that started it and waiters are released even if it panics.
func (c *Coordinator) run(ctx context.Context, cl *call, refreshToken string) {
	defer close(cl.done)
	defer func() {
		if r := recover(); r != nil {
			cl.tokens, cl.err = nil, fmt.Errorf("refresh panicked: %v", r)
			panic(r)
		}
	}()
	cl.tokens, cl.err = c.do(context.WithoutCancel(ctx), refreshToken)
}

// InFlight returns the number of retained entries.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (*Coordinator) wait(ctx context.Context, cl *call) (*oidc.TokenSet, error) {
	select {
	case <-cl.done:
		return cl.tokens, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) do(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
	if c.shared == nil {
		return c.refresher.Refresh(ctx, refreshToken)
	}

	won, err := c.shared.Claim(ctx, refreshToken, c.retention)
	if err != nil {
		logger.Warnf("Shared refresh store unavailable, refreshing locally: %v", err)
		return c.refresher.Refresh(ctx, refreshToken)
	}
	if !won {
		return c.shared.Await(ctx, refreshToken)
	}

	tokens, err := c.refresher.Refresh(ctx, refreshToken)
	if perr := c.shared.Publish(ctx, refreshToken, tokens, err, c.retention); perr != nil {
		logger.Warnf("Failed to publish refresh outcome: %v", perr)
	}
	return tokens, err
}

func (c *Coordinator) report(outcome string, err error) {
	if err != nil {
		outcome = OutcomeFailed
	}
	c.observe(outcome)
}
