// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/oidcgate/pkg/oidc"
	"github.com/stacklok/oidcgate/pkg/oidc/mocks"
)

// gatedRefresher blocks every grant until release is closed.
type gatedRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func newGatedRefresher() *gatedRefresher {
	return &gatedRefresher{release: make(chan struct{})}
}

func (g *gatedRefresher) Refresh(_ context.Context, refreshToken string) (*oidc.TokenSet, error) {
	n := g.calls.Add(1)
	<-g.release
	if g.err != nil {
		return nil, g.err
	}
	return &oidc.TokenSet{
		AccessToken:  "access-" + refreshToken,
		RefreshToken: refreshToken + "-next",
		IDToken:      "id",
		ExpiresAt:    time.Unix(int64(n), 0),
	}, nil
}

type refresherFunc func(ctx context.Context, refreshToken string) (*oidc.TokenSet, error)

func (f refresherFunc) Refresh(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
	return f(ctx, refreshToken)
}

func TestCoordinator_ConcurrentCallersShareOneGrant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "success"},
		{name: "failure", err: errors.New("invalid_grant"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newGatedRefresher()
			r.err = tt.err
			c := NewCoordinator(r)

			const callers = 20
			var (
				wg      sync.WaitGroup
				results [callers]*oidc.TokenSet
				errs    [callers]error
			)
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = c.Refresh(t.Context(), "rt-1")
				}()
			}

			require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
			close(r.release)
			wg.Wait()

			assert.Equal(t, int32(1), r.calls.Load())
			for i := range callers {
				if tt.wantErr {
					assert.ErrorIs(t, errs[i], tt.err)
					assert.Nil(t, results[i])
					continue
				}
				require.NoError(t, errs[i])
				assert.Same(t, results[0], results[i])
			}
		})
	}
}

func TestCoordinator_DistinctTokensRefreshIndependently(t *testing.T) {
	t.Parallel()

	r := newGatedRefresher()
	close(r.release)
	c := NewCoordinator(r)

	a, err := c.Refresh(t.Context(), "rt-a")
	require.NoError(t, err)
	b, err := c.Refresh(t.Context(), "rt-b")
	require.NoError(t, err)

	assert.Equal(t, "access-rt-a", a.AccessToken)
	assert.Equal(t, "access-rt-b", b.AccessToken)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCoordinator_OutcomeRetainedThenEvicted(t *testing.T) {
	t.Parallel()

	r := newGatedRefresher()
	close(r.release)
	c := NewCoordinator(r, WithRetention(100*time.Millisecond))

	first, err := c.Refresh(t.Context(), "rt-1")
	require.NoError(t, err)

	// completed but still retained
	second, err := c.Refresh(t.Context(), "rt-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), r.calls.Load())

	require.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 10*time.Millisecond)

	third, err := c.Refresh(t.Context(), "rt-1")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCoordinator_WaiterHonoursContext(t *testing.T) {
	t.Parallel()

	r := newGatedRefresher()
	c := NewCoordinator(r)

	go func() { _, _ = c.Refresh(context.Background(), "rt-1") }()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Refresh(ctx, "rt-1")
	assert.ErrorIs(t, err, context.Canceled)

	close(r.release)
}

func TestCoordinator_ObserverAndMockClient(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Refresh(gomock.Any(), "good").Return(&oidc.TokenSet{AccessToken: "a"}, nil)
	client.EXPECT().Refresh(gomock.Any(), "bad").Return(nil, errors.New("invalid_grant"))

	var mu sync.Mutex
	var outcomes []string
	c := NewCoordinator(client, WithResultObserver(func(o string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}))

	_, err := c.Refresh(t.Context(), "good")
	require.NoError(t, err)
	_, err = c.Refresh(t.Context(), "good")
	require.NoError(t, err)
	_, err = c.Refresh(t.Context(), "bad")
	require.Error(t, err)

	assert.Equal(t, []string{OutcomeRefreshed, OutcomeJoined, OutcomeFailed}, outcomes)
}

func TestCoordinator_GrantIsNotCutShort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retention time.Duration
		callerTTL time.Duration
	}{
		{name: "grant slower than retention", retention: 30 * time.Millisecond},
		{name: "caller gives up mid grant", retention: time.Second, callerTTL: 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			slow := refresherFunc(func(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(150 * time.Millisecond):
					return &oidc.TokenSet{AccessToken: "access-" + refreshToken}, nil
				}
			})
			c := NewCoordinator(slow, WithRetention(tt.retention))

			ctx := t.Context()
			if tt.callerTTL > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.callerTTL)
				defer cancel()
			}

			tokens, err := c.Refresh(ctx, "rt-1")
			require.NoError(t, err)
			assert.Equal(t, "access-rt-1", tokens.AccessToken)
		})
	}
}

func TestCoordinator_PanickingGrantReleasesWaiters(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := NewCoordinator(refresherFunc(func(context.Context, string) (*oidc.TokenSet, error) {
		<-release
		panic("boom")
	}))

	panicked := make(chan any, 1)
	go func() {
		defer func() { panicked <- recover() }()
		_, _ = c.Refresh(context.Background(), "rt-1")
	}()
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, time.Second, time.Millisecond)

	waited := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), "rt-1")
		waited <- err
	}()
	close(release)

	assert.Equal(t, "boom", <-panicked)
	select {
	case err := <-waited:
		assert.ErrorContains(t, err, "refresh panicked")
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after the grant panicked")
	}
}
