// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"errors"
	"sync"

	"github.com/streamstitch/stitchd/internal/channel"
)

// envChannelStore synthesizes channel config from the server environment
// when no channel database is configured. Every org/slug maps to the
// same origin base, which is what single-tenant dev deployments want.
type envChannelStore struct {
	cfg *ServerConfig

	mu       sync.Mutex
	detected map[string][]int
}

func newEnvChannelStore(cfg *ServerConfig) *envChannelStore {
	return &envChannelStore{cfg: cfg, detected: map[string][]int{}}
}

func (s *envChannelStore) Get(_ context.Context, org, slug string) (*channel.Config, error) {
	if s.cfg.OriginVariantBase == "" {
		return nil, channel.ErrNotFound
	}
	id := org + "_" + slug
	c := &channel.Config{
		ID:               id,
		OrgSlug:          org,
		Slug:             slug,
		OriginURL:        s.cfg.OriginVariantBase + "/" + slug,
		AdPodBaseURL:     s.cfg.AdPodBase,
		SignHost:         s.cfg.SignHost,
		Status:           channel.StatusActive,
		Mode:             channel.ModeAuto,
		SCTE35AutoInsert: true,
	}
	s.mu.Lock()
	c.DetectedBitrates = append([]int(nil), s.detected[id]...)
	s.mu.Unlock()
	return c, nil
}

func (s *envChannelStore) UpdateDetectedBitrates(_ context.Context, channelID string, kbps []int) error {
	if s.cfg.OriginVariantBase == "" {
		return errors.New("no origin configured")
	}
	s.mu.Lock()
	s.detected[channelID] = append([]int(nil), kbps...)
	s.mu.Unlock()
	return nil
}
