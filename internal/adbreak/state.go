// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package adbreak holds the per-channel authoritative ad-break state and
// its transition rules. All mutation happens under the channel's
// serializer lane; the types here are not internally synchronized.
package adbreak

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/streamstitch/stitchd/internal/decision"
	"github.com/streamstitch/stitchd/pkg/hls"
	"github.com/streamstitch/stitchd/pkg/scte35"
)

// Source records what opened a break.
type Source string

const (
	SourceSCTE35 Source = "scte35"
	SourceManual Source = "manual"
	SourceTime   Source = "time"
)

// DecisionTTL is how long a cached decision is served before refresh.
const DecisionTTL = 30 * time.Second

// dedupeProximity merges an OUT with an existing break when their starts
// are closer than this. Known to merge genuinely distinct back-to-back
// breaks; see DESIGN.md before changing.
const dedupeProximity = 60 * time.Second

// DefaultBreakWindow is the manifest-window expiry for SCTE-35 sourced
// breaks: past this age the break start has rolled out of the live edge.
const DefaultBreakWindow = 90 * time.Second

var ErrNoPod = errors.New("manual break needs pod_id or pod_url")

// SharedManifestPlan binds identical decorations and skip count to every
// rendition of a break.
type SharedManifestPlan struct {
	StartPDT            string   `json:"startPdt"`
	LeadingDecorations  []string `json:"leadingDecorations"`
	TrailingDecorations []string `json:"trailingDecorations"`
	StableSkipCount     int      `json:"stableSkipCount"`
	UpdatedAt           int64    `json:"updatedAt"`
}

// State is the per-channel ad-break record. At most one exists per
// channel at a time.
type State struct {
	ChannelID             string
	Source                Source
	PodID                 string
	PodURL                string
	StartedAt             int64 // ms epoch
	EndsAt                int64 // ms epoch
	DurationSec           float64
	SCTE35StartPDT        string // set iff SCTE-35 sourced
	SCTE35Hex             string
	ContentSegmentsToSkip int
	SkippedDuration       float64
	ProcessedEventIDs     map[string]struct{}
	Decision              *decision.Decision
	DecisionCalculatedAt  int64
	Plan                  *SharedManifestPlan
	Version               int64
}

// quantize stores durations at millisecond precision once, preventing
// floating-point drift across requests.
func quantize(d float64) float64 { return math.Round(d*1000) / 1000 }

// podID derives the stable break identifier. Never derived from the raw
// SCTE-35 event ID, which can rotate within one break.
func podID(channelID string, startedAtMS int64) string {
	return fmt.Sprintf("ad_%s_%d", channelID, startedAtMS/1000)
}

// NewFromSignal opens a break from an accepted SCTE-35 OUT. The start is
// the signalled PDT, not the request wall clock.
func NewFromSignal(channelID string, sig *scte35.Signal, now time.Time) (*State, error) {
	if sig.DurationSec == nil {
		return nil, errors.New("signal carries no duration")
	}
	start := now
	if sig.StartDate != "" {
		t, err := hls.ParsePDT(sig.StartDate)
		if err != nil {
			return nil, fmt.Errorf("signal start date: %w", err)
		}
		start = t
	}
	s := newState(channelID, SourceSCTE35, quantize(*sig.DurationSec), start.UnixMilli())
	s.SCTE35StartPDT = sig.StartDate
	if len(sig.Raw) > 0 {
		s.SCTE35Hex = fmt.Sprintf("%X", sig.Raw)
	}
	s.absorb(sig.EventID)
	return s, nil
}

// NewManual opens a break from the cue channel.
func NewManual(channelID string, durationSec float64, podIDOverride, podURL string, now time.Time) (*State, error) {
	if durationSec <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if podIDOverride == "" && podURL == "" {
		return nil, ErrNoPod
	}
	s := newState(channelID, SourceManual, quantize(durationSec), now.UnixMilli())
	if podIDOverride != "" {
		s.PodID = podIDOverride
	}
	s.PodURL = podURL
	return s, nil
}

// NewScheduled opens a time-triggered break.
func NewScheduled(channelID string, durationSec float64, now time.Time) *State {
	return newState(channelID, SourceTime, quantize(durationSec), now.UnixMilli())
}

func newState(channelID string, src Source, durationSec float64, startedAtMS int64) *State {
	s := &State{
		ChannelID:         channelID,
		Source:            src,
		StartedAt:         startedAtMS,
		DurationSec:       durationSec,
		EndsAt:            startedAtMS + int64(math.Round(durationSec*1000)),
		ProcessedEventIDs: map[string]struct{}{},
		Version:           1,
	}
	s.PodID = podID(channelID, startedAtMS)
	return s
}

func (s *State) touch() { s.Version++ }

func (s *State) absorb(eventID string) {
	if eventID == "" {
		return
	}
	if _, ok := s.ProcessedEventIDs[eventID]; !ok {
		s.ProcessedEventIDs[eventID] = struct{}{}
		s.touch()
	}
}

// EventID returns the lexically smallest processed event ID, or the pod
// ID when the break has none (manual and time sourced breaks).
func (s *State) EventID() string {
	id := ""
	for e := range s.ProcessedEventIDs {
		if id == "" || e < id {
			id = e
		}
	}
	if id == "" {
		id = s.PodID
	}
	return id
}

// ActiveAt reports whether the break is live at the given instant.
func (s *State) ActiveAt(now time.Time) bool {
	return s != nil && now.UnixMilli() < s.EndsAt
}

// RolledOut reports manifest-window expiry for SCTE-35 sourced breaks.
func (s *State) RolledOut(now time.Time, window time.Duration) bool {
	if s == nil || s.Source != SourceSCTE35 {
		return false
	}
	return now.UnixMilli()-s.StartedAt > window.Milliseconds()
}

// Processed reports whether the event ID was already absorbed.
func (s *State) Processed(eventID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ProcessedEventIDs[eventID]
	return ok
}

// NeedsDecision reports whether the cached decision is missing or older
// than DecisionTTL.
func (s *State) NeedsDecision(now time.Time) bool {
	if s.Decision == nil {
		return true
	}
	return now.UnixMilli()-s.DecisionCalculatedAt > DecisionTTL.Milliseconds()
}

// SetDecision caches a decision result.
func (s *State) SetDecision(d *decision.Decision, now time.Time) {
	s.Decision = d
	s.DecisionCalculatedAt = now.UnixMilli()
	if s.PodURL == "" && d != nil && len(d.Pod.Items) > 0 {
		s.PodURL = d.Pod.Items[0].PlaylistURL
	}
	s.touch()
}

// BindPlan binds the shared manifest plan and skip count exactly once.
// The second return is false when a later recomputation disagreed with
// the bound value; callers must log the anomaly and keep the bound plan.
func (s *State) BindPlan(plan *SharedManifestPlan, skippedDuration float64) (bound bool, consistent bool) {
	if s.ContentSegmentsToSkip == 0 {
		s.ContentSegmentsToSkip = plan.StableSkipCount
		s.SkippedDuration = skippedDuration
		s.Plan = plan
		s.touch()
		return true, true
	}
	return false, plan.StableSkipCount == s.ContentSegmentsToSkip
}

// Machine owns the single break slot for a channel and applies the
// transition rules. Not safe for concurrent use; the serializer lane is
// the only caller.
type Machine struct {
	ChannelID   string
	BreakWindow time.Duration
	state       *State
}

func NewMachine(channelID string, breakWindow time.Duration) *Machine {
	if breakWindow <= 0 {
		breakWindow = DefaultBreakWindow
	}
	return &Machine{ChannelID: channelID, BreakWindow: breakWindow}
}

// Current returns the active break after expiry evaluation, or nil.
func (m *Machine) Current(now time.Time) *State {
	if m.state == nil {
		return nil
	}
	if !m.state.ActiveAt(now) || m.state.RolledOut(now, m.BreakWindow) {
		m.state = nil
	}
	return m.state
}

// OutResult describes what an OUT observation did.
type OutResult struct {
	State   *State
	Created bool // a new break was allocated
	Merged  bool // event ID associated with an existing nearby break
}

// HandleOut applies the dedupe rules: an already-processed event ID is a
// no-op; an OUT starting within the proximity window of the current
// break joins it; anything else opens a new break.
func (m *Machine) HandleOut(sig *scte35.Signal, now time.Time) (OutResult, error) {
	cur := m.Current(now)
	if cur != nil && cur.Processed(sig.EventID) {
		return OutResult{State: cur}, nil
	}
	if cur != nil {
		sigStart := now
		if sig.StartDate != "" {
			if t, err := hls.ParsePDT(sig.StartDate); err == nil {
				sigStart = t
			}
		}
		delta := sigStart.UnixMilli() - cur.StartedAt
		if delta < 0 {
			delta = -delta
		}
		if delta < dedupeProximity.Milliseconds() {
			cur.absorb(sig.EventID)
			return OutResult{State: cur, Merged: true}, nil
		}
	}
	st, err := NewFromSignal(m.ChannelID, sig, now)
	if err != nil {
		return OutResult{}, err
	}
	m.state = st
	return OutResult{State: st, Created: true}, nil
}

// HandleIn closes the break when the IN matches an absorbed event ID.
func (m *Machine) HandleIn(sig *scte35.Signal, now time.Time) (closed bool) {
	cur := m.Current(now)
	if cur == nil || !cur.Processed(sig.EventID) {
		return false
	}
	m.state = nil
	return true
}

// StartManual replaces any current break with an operator-initiated one.
func (m *Machine) StartManual(durationSec float64, podIDOverride, podURL string, now time.Time) (*State, error) {
	st, err := NewManual(m.ChannelID, durationSec, podIDOverride, podURL, now)
	if err != nil {
		return nil, err
	}
	m.state = st
	return st, nil
}

// StartScheduled opens a time-based break if none is active.
func (m *Machine) StartScheduled(durationSec float64, now time.Time) *State {
	if m.Current(now) != nil {
		return m.state
	}
	m.state = NewScheduled(m.ChannelID, durationSec, now)
	return m.state
}

// Stop clears the break slot.
func (m *Machine) Stop() (cleared bool) {
	cleared = m.state != nil
	m.state = nil
	return cleared
}

// Restore installs externally persisted state (e.g. on lane re-creation
// from a KV projection). The restored state stays subject to expiry.
func (m *Machine) Restore(s *State) { m.state = s }
