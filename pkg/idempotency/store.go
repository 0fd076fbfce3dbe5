package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of redis.Cmdable the store needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const defaultClaimTTL = 30 * time.Second

type Store struct {
	rdb      Client
	ttl      time.Duration
	claimTTL time.Duration
}

// NewStore keeps idempotency keys for ttl. Claims expire after 30s unless
// WithClaimTTL says otherwise, so a crashed holder cannot block a key forever.
func NewStore(rdb Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, claimTTL: defaultClaimTTL}
}

func (s *Store) WithClaimTTL(d time.Duration) *Store {
	if d > 0 {
		s.claimTTL = d
	}
	return s
}

func (s *Store) Key(scope, owner, token string) string {
	return fmt.Sprintf("idem:%s:%s:%s", scope, owner, token)
}

// Seen marks key as used and reports whether it had already been used.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}

	return !ok, nil
}

// Forget frees key so the same token can be submitted again.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Claim takes a short-lived exclusive claim on key. It returns false if
// somebody else holds it.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, "claim:"+key, "1", s.claimTTL).Result()
}

func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, "claim:"+key).Err()
}
