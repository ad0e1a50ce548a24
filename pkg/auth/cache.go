package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached remembers recent successful verifications so a reconnecting client
// doesn't pay a bcrypt comparison every time. Failures are never cached.
type Cached struct {
	next  Authenticator
	cache *lru.Cache[string, struct{}]
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Authenticator, size int) (*Cached, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func cacheKey(username, secret string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + secret))
	return username + "\x00" + hex.EncodeToString(sum[:])
}

func (c *Cached) Verify(ctx context.Context, username, secret string) error {
	key := cacheKey(username, secret)
	if c.cache.Contains(key) {
		return nil
	}
	if err := c.next.Verify(ctx, username, secret); err != nil {
		return err
	}
	c.cache.Add(key, struct{}{})
	return nil
}

// Invalidate drops every cached verification for username, e.g. after its
// secret changed.
func (c *Cached) Invalidate(username string) {
	prefix := username + "\x00"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Len returns the number of cached verifications.
func (c *Cached) Len() int {
	return c.cache.Len()
}

var _ Authenticator = (*Cached)(nil)
