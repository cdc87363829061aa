// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore decorates a Store with a short-TTL LRU so the hot path
// (segment passthrough in particular) never waits on the database.
// Entries are immutable until TTL expiry; negative results are cached
// too so unknown channels cannot hammer the store.
type CachedStore struct {
	inner Store
	lru   *expirable.LRU[string, cacheEntry]
}

type cacheEntry struct {
	cfg *Config
	err error
}

// NewCachedStore wraps inner with capacity entries and the given TTL.
func NewCachedStore(inner Store, capacity int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		lru:   expirable.NewLRU[string, cacheEntry](capacity, nil, ttl),
	}
}

func (s *CachedStore) Get(ctx context.Context, org, slug string) (*Config, error) {
	key := org + "/" + slug
	if e, ok := s.lru.Get(key); ok {
		return e.cfg, e.err
	}
	cfg, err := s.inner.Get(ctx, org, slug)
	if err != nil && err != ErrNotFound {
		// transient store errors are not cached
		return nil, err
	}
	s.lru.Add(key, cacheEntry{cfg: cfg, err: err})
	return cfg, err
}

func (s *CachedStore) UpdateDetectedBitrates(ctx context.Context, channelID string, kbps []int) error {
	return s.inner.UpdateDetectedBitrates(ctx, channelID, kbps)
}

// Invalidate drops one entry, used after bitrate write-back.
func (s *CachedStore) Invalidate(org, slug string) {
	s.lru.Remove(org + "/" + slug)
}
