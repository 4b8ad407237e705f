// Package cache holds the ephemeral conversation cache. The cache only saves
// store round-trips; nothing relies on it for correctness.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value store with per-key time-to-live.
type Cache interface {
	// Get returns the value and true, or false when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DefaultTTL is used when a policy is built without one.
const DefaultTTL = 30 * time.Minute

// DefaultPrefix namespaces conversation keys.
const DefaultPrefix = "conversation:context:"

// Policy decides key names and lifetimes for cached contexts.
type Policy struct {
	Prefix string
	TTL    time.Duration
}

// NewPolicy fills in defaults for empty values.
func NewPolicy(prefix string, ttl time.Duration) Policy {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Policy{Prefix: prefix, TTL: ttl}
}

// Key returns the cache key for a session.
func (p Policy) Key(sessionID string) string {
	return p.Prefix + sessionID
}

// Noop never stores anything. It is used when Redis is not configured.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, string) error                     { return nil }

var _ Cache = Noop{}
