// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcgate/pkg/oidc"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	s.pollDelay = 5 * time.Millisecond
	return s, mr
}

func TestRedisStore_ClaimPublishAwait(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := t.Context()

	won, err := s.Claim(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Claim(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, won)

	want := &oidc.TokenSet{AccessToken: "a", IDToken: "i", RefreshToken: "r", ExpiresAt: time.Unix(100, 0).UTC()}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Publish(ctx, "k", want, nil, time.Second)
	}()

	got, err := s.Await(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.True(t, mr.Exists(redisKey("k")))
}

func TestRedisStore_AwaitErrors(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := t.Context()

	require.NoError(t, s.Publish(ctx, "failed", nil, errors.New("invalid_grant"), time.Second))
	_, err := s.Await(ctx, "failed")
	assert.ErrorIs(t, err, ErrRemoteRefreshFailed)

	_, err = s.Await(ctx, "never-claimed")
	assert.ErrorIs(t, err, ErrRemoteRefreshFailed)

	mr.SetError("LOADING")
	_, err = s.Claim(ctx, "k", time.Second)
	assert.Error(t, err)
}

func TestRedisStore_OutcomeIsSealed(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := t.Context()
	tokens := &oidc.TokenSet{AccessToken: "access-secret", IDToken: "id-secret", RefreshToken: "refresh-secret"}
	require.NoError(t, s.Publish(ctx, "rt-1", tokens, nil, time.Second))

	raw, err := mr.Get(redisKey("rt-1"))
	require.NoError(t, err)
	assert.NotContains(t, raw, "rt-1")
	for _, secret := range []string{"access-secret", "id-secret", "refresh-secret"} {
		assert.NotContains(t, raw, secret)
	}

	got, err := s.Await(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "access-secret", got.AccessToken)
	assert.Equal(t, "refresh-secret", got.RefreshToken)

	tests := []struct {
		name  string
		value string
	}{
		{name: "plaintext outcome", value: `{"access_token":"forged"}`},
		{name: "truncated", value: "x"},
		{name: "sealed for another token", value: string(mustSeal(t, "rt-2", []byte(`{"access_token":"a"}`)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mr := newTestRedisStore(t)
			require.NoError(t, mr.Set(redisKey("rt-1"), tt.value))

			_, err := s.Await(t.Context(), "rt-1")
			assert.ErrorContains(t, err, "failed to open refresh outcome")
		})
	}
}

func mustSeal(t *testing.T, refreshToken string, plain []byte) []byte {
	t.Helper()
	sealed, err := seal(refreshToken, plain)
	require.NoError(t, err)
	return sealed
}

func TestCoordinator_ReplicasShareOneGrant(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)
	r := newGatedRefresher()

	replicas := []*Coordinator{
		NewCoordinator(r, WithSharedStore(s)),
		NewCoordinator(r, WithSharedStore(s)),
		NewCoordinator(r, WithSharedStore(s)),
	}

	var wg sync.WaitGroup
	results := make([]*oidc.TokenSet, len(replicas))
	errs := make([]error, len(replicas))
	for i, c := range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(t.Context(), "rt-shared")
		}()
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	// let the losing replicas reach Await before the winner publishes
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	for i := range replicas {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-rt-shared", results[i].AccessToken)
	}
}

func TestCoordinator_FallsBackWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	mr.Close()

	r := newGatedRefresher()
	close(r.release)
	c := NewCoordinator(r, WithSharedStore(s))

	tokens, err := c.Refresh(t.Context(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "access-rt-1", tokens.AccessToken)
}

func TestNewRedisStoreFromURL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(t.Context()))

	_, err = NewRedisStoreFromURL("://bad")
	assert.Error(t, err)
}
