// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package channel exposes the persistent channel-configuration store.
// The store is read-only for the core except for detected-bitrate
// write-back.
package channel

import (
	"context"
	"errors"
)

// Mode selects how ads are delivered for a channel.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeSSAI Mode = "ssai"
	ModeSGAI Mode = "sgai"
)

// Status gates manifest serving.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var ErrNotFound = errors.New("channel not found")

// Config is one channel's configuration row.
type Config struct {
	ID                  string
	OrgSlug             string
	Slug                string
	OriginURL           string // upstream variant base URL
	AdPodBaseURL        string
	SignHost            string
	Status              Status
	Mode                Mode
	Tier                int // 0 matches any signal tier
	SCTE35AutoInsert    bool
	TimeBasedAutoInsert bool
	SlatePodID          string
	SlatePodURL         string
	BitrateLadder       []int // kbps, configured
	DetectedBitrates    []int // kbps, learned from master manifests
	SegmentCacheMaxAge  int   // seconds
	ManifestCacheMaxAge int   // seconds
}

// TierMatches applies the SCTE-35 tier gate: channel tier 0 matches
// everything, otherwise the tiers must be equal.
func (c *Config) TierMatches(signalTier uint16) bool {
	return c.Tier == 0 || c.Tier == int(signalTier)
}

// Store reads channel configuration.
type Store interface {
	// Get looks a channel up by org and channel slug.
	Get(ctx context.Context, org, slug string) (*Config, error)
	// UpdateDetectedBitrates persists a learned bitrate ladder. The only
	// write the core performs.
	UpdateDetectedBitrates(ctx context.Context, channelID string, kbps []int) error
}
