// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"

	"github.com/stacklok/oidcgate/pkg/oidc"
)

// ErrRemoteRefreshFailed is returned to replicas that waited on a refresh
// another replica performed unsuccessfully.
var ErrRemoteRefreshFailed = errors.New("refresh failed on another replica")

// SharedStore lets replicas elect a single refresher per refresh token.
type SharedStore interface {
	// Claim reports whether the caller won the right to refresh refreshToken.
	Claim(ctx context.Context, refreshToken string, ttl time.Duration) (bool, error)
	// Publish records the outcome of the refresh of refreshToken.
	Publish(ctx context.Context, refreshToken string, tokens *oidc.TokenSet, refreshErr error, ttl time.Duration) error
	// Await blocks until an outcome for refreshToken is published or ctx is done.
	Await(ctx context.Context, refreshToken string) (*oidc.TokenSet, error)
}

const (
	redisKeyPrefix   = "oidcgate:refresh:"
	redisPending     = "pending"
	sealInfo         = "oidcgate refresh outcome"
	defaultPollDelay = 50 * time.Millisecond
)

type sharedOutcome struct {
	AccessToken  string    `json:"access_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Error        string    `json:"error,omitempty"`
}

// RedisStore is a SharedStore backed by Redis keys with a TTL. Keys are
// hashes of the refresh token and outcomes are sealed with a key derived
// from it, so only holders of the refresh token can read the new tokens.
type RedisStore struct {
	client    redis.UniversalClient
	pollDelay time.Duration
}

var _ SharedStore = (*RedisStore)(nil)

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, pollDelay: defaultPollDelay}
}

// NewRedisStoreFromURL connects to the Redis server at rawURL.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Claim implements SharedStore.
func (s *RedisStore) Claim(ctx context.Context, refreshToken string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisKey(refreshToken), redisPending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim refresh: %w", err)
	}
	return ok, nil
}

// Publish implements SharedStore.
func (s *RedisStore) Publish(
	ctx context.Context, refreshToken string, tokens *oidc.TokenSet, refreshErr error, ttl time.Duration,
) error {
	var out sharedOutcome
	switch {
	case refreshErr != nil:
		out.Error = refreshErr.Error()
	case tokens != nil:
		out = sharedOutcome{
			AccessToken:  tokens.AccessToken,
			IDToken:      tokens.IDToken,
			RefreshToken: tokens.RefreshToken,
			ExpiresAt:    tokens.ExpiresAt,
		}
	}

	buf, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode refresh outcome: %w", err)
	}
	sealed, err := seal(refreshToken, buf)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey(refreshToken), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish refresh outcome: %w", err)
	}
	return nil
}

// Await implements SharedStore.
func (s *RedisStore) Await(ctx context.Context, refreshToken string) (*oidc.TokenSet, error) {
	ticker := time.NewTicker(s.pollDelay)
	defer ticker.Stop()

	key := redisKey(refreshToken)
	for {
		val, err := s.client.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// claim expired before an outcome was published
			return nil, ErrRemoteRefreshFailed
		case err != nil:
			return nil, fmt.Errorf("failed to read refresh outcome: %w", err)
		case val != redisPending:
			return decodeOutcome(refreshToken, val)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decodeOutcome(refreshToken, val string) (*oidc.TokenSet, error) {
	buf, err := unseal(refreshToken, []byte(val))
	if err != nil {
		return nil, err
	}
	var out sharedOutcome
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("failed to decode refresh outcome: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteRefreshFailed, out.Error)
	}
	return &oidc.TokenSet{
		AccessToken:  out.AccessToken,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    out.ExpiresAt,
	}, nil
}

func redisKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

func outcomeCipher(refreshToken string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(refreshToken), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive outcome key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal returns nonce || ciphertext, bound to the Redis key of refreshToken.
func seal(refreshToken string, plain []byte) ([]byte, error) {
	aead, err := outcomeCipher(refreshToken)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(redisKey(refreshToken))), nil
}

func unseal(refreshToken string, sealed []byte) ([]byte, error) {
	aead, err := outcomeCipher(refreshToken)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("failed to open refresh outcome: value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(redisKey(refreshToken)))
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh outcome: %w", err)
	}
	return plain, nil
}
