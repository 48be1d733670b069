// Package rediscred is the Redis-backed credential store, for multi-node
// deployments where any hub instance may serve a returning client.
package rediscred

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/feedgate/credential"
)

type Store struct {
	rdb   *redis.Client
	keyNS string
}

// New creates a Redis credential store. If keyPrefix is empty,
// "feedgate:cred:" is used.
func New(rdb *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "feedgate:cred:"
	}
	return &Store{rdb: rdb, keyNS: keyPrefix}
}

func (s *Store) key(identity string) string { return s.keyNS + identity }

func (s *Store) Get(ctx context.Context, identity string) (*credential.Credential, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(identity)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c credential.Credential
	if err := json.Unmarshal(val, &c); err != nil {
		return nil, false, err
	}
	// The Redis TTL tracks expiry, but clocks can skew; enforce locally too.
	if c.Expired(time.Now()) {
		_ = s.rdb.Del(ctx, s.key(identity)).Err()
		return nil, false, nil
	}
	return &c, true, nil
}

// Put inserts only if absent (SET NX), with the key's TTL pinned to the
// credential's own expiry so Redis purges what Get would reject anyway.
func (s *Store) Put(ctx context.Context, identity string, cred credential.Credential) (bool, error) {
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		return false, nil
	}
	b, err := json.Marshal(cred)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.key(identity), b, ttl).Result()
}

func (s *Store) Clear(ctx context.Context, identity string) error {
	return s.rdb.Del(ctx, s.key(identity)).Err()
}
