// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstitch/stitchd/internal/channel"
)

// countingStore wraps a Store and counts Get calls.
type countingStore struct {
	inner channel.Store
	err   error

	mu   sync.Mutex
	gets int
}

func (s *countingStore) Get(ctx context.Context, org, slug string) (*channel.Config, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Get(ctx, org, slug)
}

func (s *countingStore) UpdateDetectedBitrates(ctx context.Context, channelID string, kbps []int) error {
	return s.inner.UpdateDetectedBitrates(ctx, channelID, kbps)
}

func (s *countingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestCachedStoreHit(t *testing.T) {
	inner := &countingStore{inner: channel.NewStaticStore(&channel.Config{
		ID: "sports_main", OrgSlug: "sports", Slug: "main",
		OriginURL: "https://origin/sports/main", Status: channel.StatusActive,
	})}
	cached := channel.NewCachedStore(inner, 8, time.Minute)

	for i := 0; i < 5; i++ {
		cfg, err := cached.Get(context.Background(), "sports", "main")
		require.NoError(t, err)
		assert.Equal(t, "sports_main", cfg.ID)
	}
	assert.Equal(t, 1, inner.getCount())
}

func TestCachedStoreNegativeCaching(t *testing.T) {
	inner := &countingStore{inner: channel.NewStaticStore()}
	cached := channel.NewCachedStore(inner, 8, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := cached.Get(context.Background(), "sports", "ghost")
		assert.ErrorIs(t, err, channel.ErrNotFound)
	}
	assert.Equal(t, 1, inner.getCount(), "not-found must be cached too")
}

func TestCachedStoreTransientErrorsNotCached(t *testing.T) {
	inner := &countingStore{inner: channel.NewStaticStore(), err: errors.New("db down")}
	cached := channel.NewCachedStore(inner, 8, time.Minute)

	_, err := cached.Get(context.Background(), "sports", "main")
	require.Error(t, err)
	_, err = cached.Get(context.Background(), "sports", "main")
	require.Error(t, err)
	assert.Equal(t, 2, inner.getCount())
}

func TestCachedStoreInvalidate(t *testing.T) {
	static := channel.NewStaticStore(&channel.Config{
		ID: "sports_main", OrgSlug: "sports", Slug: "main",
		OriginURL: "https://origin/sports/main",
	})
	inner := &countingStore{inner: static}
	cached := channel.NewCachedStore(inner, 8, time.Minute)

	_, err := cached.Get(context.Background(), "sports", "main")
	require.NoError(t, err)

	require.NoError(t, cached.UpdateDetectedBitrates(context.Background(), "sports_main", []int{800, 2500}))
	cached.Invalidate("sports", "main")

	cfg, err := cached.Get(context.Background(), "sports", "main")
	require.NoError(t, err)
	assert.Equal(t, []int{800, 2500}, cfg.DetectedBitrates)
	assert.Equal(t, 2, inner.getCount())
}
