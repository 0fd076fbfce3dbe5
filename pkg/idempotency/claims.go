package idempotency

import (
	"context"
	"sync"
)

// LocalClaims holds resolution claims in process memory. It only excludes
// holders inside one process and stands in when no Redis is configured.
type LocalClaims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalClaims() *LocalClaims {
	return &LocalClaims{held: make(map[string]struct{})}
}

func (c *LocalClaims) Claim(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[key]; ok {
		return false, nil
	}
	c.held[key] = struct{}{}
	return true, nil
}

func (c *LocalClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	return nil
}
