// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package kvstore is the Redis-backed fast path for active ad breaks:
// an eventually-consistent projection of the serializer's state that
// lets stateless replicas serve mid-break manifests without routing to
// the channel's lane.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamstitch/stitchd/internal/adbreak"
)

// ErrMiss is returned when no active break is projected for a channel.
// Callers fall through to the serializer, never reject.
var ErrMiss = errors.New("no active ad break in KV")

const opTimeout = 2 * time.Second

// Store holds ad-break projections under
// adbreak:{channelId}:{eventId}, with adbreak:{channelId}:active
// pointing at the current event.
type Store struct {
	client *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects and pings the Redis server.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client (tests use miniredis).
func NewWithClient(client *redis.Client) *Store { return &Store{client: client} }

func breakKey(channelID, eventID string) string {
	return fmt.Sprintf("adbreak:%s:%s", channelID, eventID)
}

func activeKey(channelID string) string {
	return fmt.Sprintf("adbreak:%s:active", channelID)
}

// Put writes a projection and repoints the channel's active key. Both
// keys carry TTL = break duration + 60s.
func (s *Store) Put(ctx context.Context, p *adbreak.Projection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	ttl := p.TTL()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, breakKey(p.ChannelID, p.EventID), raw, ttl)
	pipe.Set(ctx, activeKey(p.ChannelID), p.EventID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv put %s: %w", p.ChannelID, err)
	}
	return nil
}

// GetActive resolves the channel's active projection. ErrMiss when the
// channel has none (or it expired).
func (s *Store) GetActive(ctx context.Context, channelID string) (*adbreak.Projection, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	eventID, err := s.client.Get(ctx, activeKey(channelID)).Result()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("kv get active %s: %w", channelID, err)
	}
	return s.Get(ctx, channelID, eventID)
}

// Get fetches one projection by event ID.
func (s *Store) Get(ctx context.Context, channelID, eventID string) (*adbreak.Projection, error) {
	raw, err := s.client.Get(ctx, breakKey(channelID, eventID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", channelID, eventID, err)
	}
	var p adbreak.Projection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal projection: %w", err)
	}
	return &p, nil
}

// Clear removes the channel's active break pointer and record.
func (s *Store) Clear(ctx context.Context, channelID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	eventID, err := s.client.Get(ctx, activeKey(channelID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys := []string{activeKey(channelID)}
	if err != redis.Nil {
		keys = append(keys, breakKey(channelID, eventID))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv clear %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
