// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package adbreak

import (
	"math"
	"time"

	"github.com/streamstitch/stitchd/internal/decision"
)

// kvTTLMargin keeps projections readable slightly past break end so
// late renditions can still finish the break.
const kvTTLMargin = 60 * time.Second

// Projection is the KV record: enough of a break to serve a manifest
// without contacting the channel's serializer. Advisory only - the
// serializer remains authoritative.
type Projection struct {
	ChannelID   string             `json:"channelId"`
	EventID     string             `json:"eventId"`
	Source      Source             `json:"source"`
	PodID       string             `json:"podId"`
	PodURL      string             `json:"podUrl,omitempty"`
	StartTime   string             `json:"startTime"` // ISO-8601
	DurationSec float64            `json:"duration"`
	EndTime     string             `json:"endTime"`
	Decision    *decision.Decision `json:"decision,omitempty"`
	SCTE35Hex   string             `json:"scte35,omitempty"`
	SCTE35PDT   string             `json:"scte35StartPdt,omitempty"`
	Plan        *SharedManifestPlan `json:"plan,omitempty"`
	Version     int64              `json:"version"`
}

// Project renders the state into its KV form.
func (s *State) Project() *Projection {
	return &Projection{
		ChannelID:   s.ChannelID,
		EventID:     s.EventID(),
		Source:      s.Source,
		PodID:       s.PodID,
		PodURL:      s.PodURL,
		StartTime:   time.UnixMilli(s.StartedAt).UTC().Format(time.RFC3339Nano),
		DurationSec: s.DurationSec,
		EndTime:     time.UnixMilli(s.EndsAt).UTC().Format(time.RFC3339Nano),
		Decision:    s.Decision,
		SCTE35Hex:   s.SCTE35Hex,
		SCTE35PDT:   s.SCTE35StartPDT,
		Plan:        s.Plan,
		Version:     s.Version,
	}
}

// TTL is the KV lifetime: break duration plus a safety margin.
func (p *Projection) TTL() time.Duration {
	return time.Duration(p.DurationSec*float64(time.Second)) + kvTTLMargin
}

// ActiveAt reports whether the projected break is in-window.
func (p *Projection) ActiveAt(now time.Time) bool {
	end, err := time.Parse(time.RFC3339Nano, p.EndTime)
	if err != nil {
		return false
	}
	return now.Before(end)
}

// StartsAt parses the projected start time; the zero time on error.
func (p *Projection) StartsAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.StartTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FromProjection rebuilds lane state from a KV record, used when a
// replica creates a channel lane mid-break. The decision timestamp is
// left zero so the lane refreshes it on first use; a bound plan is
// honored as-is.
func FromProjection(p *Projection) *State {
	st := &State{
		ChannelID:         p.ChannelID,
		Source:            p.Source,
		PodID:             p.PodID,
		PodURL:            p.PodURL,
		StartedAt:         p.StartsAt().UnixMilli(),
		DurationSec:       p.DurationSec,
		SCTE35StartPDT:    p.SCTE35PDT,
		SCTE35Hex:         p.SCTE35Hex,
		ProcessedEventIDs: map[string]struct{}{},
		Decision:          p.Decision,
		Plan:              p.Plan,
		Version:           p.Version,
	}
	st.EndsAt = st.StartedAt + int64(math.Round(p.DurationSec*1000))
	if p.EventID != "" && p.EventID != p.PodID {
		st.ProcessedEventIDs[p.EventID] = struct{}{}
	}
	if p.Plan != nil {
		st.ContentSegmentsToSkip = p.Plan.StableSkipCount
	}
	return st
}
