// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package monitor polls channel origins for SCTE-35 signals between
// viewer requests, so breaks open (and the KV store is populated) even
// on channels nobody is actively watching.
package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/serializer"
	"github.com/streamstitch/stitchd/pkg/hls"
	"github.com/streamstitch/stitchd/pkg/scte35"
)

const (
	// DefaultPollInterval is overridable per deployment via
	// SCTE35_POLL_INTERVAL_MS.
	DefaultPollInterval = 5 * time.Second
	// maxConsecutiveFailures self-throttles a monitor whose origin keeps
	// failing; re-arming is an operator action on the control API.
	maxConsecutiveFailures = 10
	// decisionBudget bounds the serializer work one poll may trigger.
	decisionBudget = 10 * time.Second

	// Time-based channels get a scheduled break at every five-minute
	// wall-clock boundary.
	scheduleInterval  = 5 * time.Minute
	scheduledBreakDur = 30.0
)

var ErrUnknownMonitor = errors.New("no monitor for channel")

// Status is one monitor's control-plane view.
type Status struct {
	ChannelID    string    `json:"channelId"`
	Org          string    `json:"org"`
	Slug         string    `json:"slug"`
	Variant      string    `json:"variant,omitempty"`
	Throttled    bool      `json:"throttled"`
	Failures     int       `json:"consecutiveFailures"`
	LastPoll     time.Time `json:"lastPoll,omitempty"`
	LastSignalAt time.Time `json:"lastSignalAt,omitempty"`
}

// Manager runs one poller per registered channel.
type Manager struct {
	core     *serializer.Manager
	fetcher  *serializer.OriginFetcher
	interval time.Duration

	mu       sync.Mutex
	monitors map[string]*monitor
	wg       sync.WaitGroup
	closed   bool
}

type monitor struct {
	cfg           *channel.Config
	variant       string // resolved mid-ladder media playlist, relative to origin
	failures      int
	throttled     bool
	lastPoll      time.Time
	lastSig       time.Time
	lastScheduled time.Time // most recent schedule boundary already fired
	quit          chan struct{}
	armCh         chan struct{}
}

func NewManager(core *serializer.Manager, fetcher *serializer.OriginFetcher, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if fetcher == nil {
		fetcher = serializer.NewOriginFetcher()
	}
	return &Manager{
		core:     core,
		fetcher:  fetcher,
		interval: interval,
		monitors: map[string]*monitor{},
	}
}

// Watch starts polling a channel. Idempotent per channel ID.
func (m *Manager) Watch(cfg *channel.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.monitors[cfg.ID]; ok {
		return
	}
	mon := &monitor{
		cfg:   cfg,
		quit:  make(chan struct{}),
		armCh: make(chan struct{}, 1),
		// the boundary already behind us does not owe a break
		lastScheduled: time.Now().Truncate(scheduleInterval),
	}
	m.monitors[cfg.ID] = mon
	m.wg.Add(1)
	go m.run(mon)
	slog.Info("scte35 monitor started", "channel", cfg.ID, "interval", m.interval)
}

// Unwatch stops a channel's poller.
func (m *Manager) Unwatch(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mon, ok := m.monitors[channelID]; ok {
		close(mon.quit)
		delete(m.monitors, channelID)
	}
}

// Arm clears a monitor's throttle and failure count.
func (m *Manager) Arm(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[channelID]
	if !ok {
		return ErrUnknownMonitor
	}
	select {
	case mon.armCh <- struct{}{}:
	default:
	}
	return nil
}

// Statuses lists every monitor for the control API.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, Status{
			ChannelID:    mon.cfg.ID,
			Org:          mon.cfg.OrgSlug,
			Slug:         mon.cfg.Slug,
			Variant:      mon.variant,
			Throttled:    mon.throttled,
			Failures:     mon.failures,
			LastPoll:     mon.lastPoll,
			LastSignalAt: mon.lastSig,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Close stops every poller and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, mon := range m.monitors {
		close(mon.quit)
		delete(m.monitors, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(mon *monitor) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mon.quit:
			return
		case <-mon.armCh:
			m.mu.Lock()
			mon.failures = 0
			mon.throttled = false
			m.mu.Unlock()
			slog.Info("scte35 monitor re-armed", "channel", mon.cfg.ID)
		case <-ticker.C:
			m.mu.Lock()
			throttled := mon.throttled
			m.mu.Unlock()
			if throttled {
				continue
			}
			m.poll(mon)
		}
	}
}

func (m *Manager) poll(mon *monitor) {
	ctx, cancel := context.WithTimeout(context.Background(), decisionBudget)
	defer cancel()

	m.mu.Lock()
	mon.lastPoll = time.Now()
	m.mu.Unlock()

	if err := m.pollOnce(ctx, mon); err != nil {
		m.mu.Lock()
		mon.failures++
		throttledNow := mon.failures >= maxConsecutiveFailures && !mon.throttled
		if throttledNow {
			mon.throttled = true
		}
		failures := mon.failures
		m.mu.Unlock()
		slog.Warn("scte35 poll failed",
			"channel", mon.cfg.ID, "failures", failures, "err", err)
		if throttledNow {
			slog.Error("scte35 monitor self-throttled, re-arm via control API",
				"channel", mon.cfg.ID)
		}
		return
	}
	m.mu.Lock()
	mon.failures = 0
	m.mu.Unlock()
}

func (m *Manager) pollOnce(ctx context.Context, mon *monitor) error {
	variant, err := m.resolveVariant(ctx, mon)
	if err != nil {
		return err
	}
	body, err := m.fetcher.FetchVariant(ctx, mon.cfg, variant)
	if err != nil {
		return err
	}
	pl, err := hls.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse %s: %w", variant, err)
	}
	if mon.cfg.SCTE35AutoInsert {
		if signals := scte35.SignalsFromPlaylist(pl); len(signals) > 0 {
			m.mu.Lock()
			mon.lastSig = time.Now()
			m.mu.Unlock()
			if err := m.core.ObserveSignals(ctx, mon.cfg, signals); err != nil {
				return fmt.Errorf("apply signals: %w", err)
			}
		}
	}
	if mon.cfg.TimeBasedAutoInsert {
		m.mu.Lock()
		due, boundary := scheduleDue(time.Now(), mon.lastScheduled)
		if due {
			mon.lastScheduled = boundary
		}
		m.mu.Unlock()
		if due {
			if _, err := m.core.StartScheduled(ctx, mon.cfg, scheduledBreakDur); err != nil {
				return fmt.Errorf("scheduled break: %w", err)
			}
		}
	}
	return nil
}

// scheduleDue reports whether a time-based channel owes a break: one per
// five-minute wall-clock boundary, fired by the first poll at or after
// the boundary so a poll landing mid-window never skips it.
func scheduleDue(now, last time.Time) (bool, time.Time) {
	boundary := now.Truncate(scheduleInterval)
	return boundary.After(last), boundary
}

// resolveVariant picks the mid-ladder media playlist from the channel's
// master manifest once and caches it; polling a single deterministic
// rendition is enough, since every rendition carries the same cues.
func (m *Manager) resolveVariant(ctx context.Context, mon *monitor) (string, error) {
	m.mu.Lock()
	cached := mon.variant
	m.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	body, err := m.fetcher.FetchVariant(ctx, mon.cfg, "index.m3u8")
	if err != nil {
		return "", err
	}
	if !hls.IsMasterPlaylist(string(body)) {
		// origin serves a bare media playlist
		m.setVariant(mon, "index.m3u8")
		return "index.m3u8", nil
	}
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil || listType != m3u8.MASTER {
		return "", fmt.Errorf("parse master for %s: %w", mon.cfg.ID, err)
	}
	master := pl.(*m3u8.MasterPlaylist)
	variants := make([]*m3u8.Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			variants = append(variants, v)
		}
	}
	if len(variants) == 0 {
		return "", fmt.Errorf("master for %s has no variants", mon.cfg.ID)
	}
	sort.Slice(variants, func(i, j int) bool {
		return variants[i].Bandwidth < variants[j].Bandwidth
	})
	mid := variants[len(variants)/2].URI
	m.setVariant(mon, mid)
	slog.Debug("monitor variant resolved",
		"channel", mon.cfg.ID, "variant", mid)
	return mid, nil
}

func (m *Manager) setVariant(mon *monitor, variant string) {
	m.mu.Lock()
	mon.variant = variant
	m.mu.Unlock()
}
