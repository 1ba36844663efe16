// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keycache wraps a KeyResolver with an expiring in-memory
// cache and single-flight fetching, so one slow federation key fetch
// never fans out into many.
package keycache

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/bureau-foundation/federation/lib/clock"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/validator"
)

// DefaultTTL is how long a resolved key is served from cache before
// the upstream is consulted again. Server signing keys rotate rarely;
// an hour keeps rotation visible without hammering peers.
const DefaultTTL = time.Hour

type entry struct {
	key     ed25519.PublicKey
	expires time.Time
}

type fetch struct {
	done chan struct{}
	key  ed25519.PublicKey
	err  error
}

// Cache is a validator.KeyResolver decorator. Concurrent lookups of
// the same (server, key ID) share one upstream fetch; the shared
// fetch uses the first caller's notAfter, which is sound because a
// key valid at one recent origin timestamp is the same key record for
// all of them. Failed fetches are not cached.
//
// Cache is safe for concurrent use.
type Cache struct {
	upstream validator.KeyResolver
	clock    clock.Clock
	ttl      time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*fetch
}

// New returns a Cache over upstream. A zero ttl means DefaultTTL.
func New(upstream validator.KeyResolver, clk clock.Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		upstream: upstream,
		clock:    clk,
		ttl:      ttl,
		entries:  make(map[string]entry),
		inflight: make(map[string]*fetch),
	}
}

// SigningKey implements validator.KeyResolver.
func (c *Cache) SigningKey(ctx context.Context, server ref.ServerName, keyID string, notAfter int64) (ed25519.PublicKey, error) {
	cacheKey := server.String() + "/" + keyID

	c.mu.Lock()
	if cached, ok := c.entries[cacheKey]; ok {
		if c.clock.Now().Before(cached.expires) {
			c.mu.Unlock()
			return cached.key, nil
		}
		delete(c.entries, cacheKey)
	}
	if shared, ok := c.inflight[cacheKey]; ok {
		c.mu.Unlock()
		select {
		case <-shared.done:
			return shared.key, shared.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &fetch{done: make(chan struct{})}
	c.inflight[cacheKey] = f
	c.mu.Unlock()

	f.key, f.err = c.upstream.SigningKey(ctx, server, keyID, notAfter)

	c.mu.Lock()
	delete(c.inflight, cacheKey)
	if f.err == nil {
		c.entries[cacheKey] = entry{key: f.key, expires: c.clock.Now().Add(c.ttl)}
	}
	c.mu.Unlock()
	close(f.done)
	return f.key, f.err
}

// Forget drops a server's cached keys, forcing the next lookup to hit
// the upstream. Used when a peer signals key compromise.
func (c *Cache) Forget(server ref.ServerName) {
	prefix := server.String() + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for cacheKey := range c.entries {
		if len(cacheKey) > len(prefix) && cacheKey[:len(prefix)] == prefix {
			delete(c.entries, cacheKey)
		}
	}
}
