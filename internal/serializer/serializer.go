// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package serializer is the per-channel single-writer core. Every
// manifest mutation and ad-break transition for a channel runs on that
// channel's lane, one request at a time, which is what makes shared
// plans and skip counts race-free without locks in the state types.
package serializer

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamstitch/stitchd/internal/adbreak"
	"github.com/streamstitch/stitchd/internal/beacon"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/decision"
	"github.com/streamstitch/stitchd/internal/kvstore"
	"github.com/streamstitch/stitchd/pkg/hls"
	"github.com/streamstitch/stitchd/pkg/scte35"
)

const (
	// mailboxCap bounds how many requests may queue on one lane before
	// callers are told to take the fast path instead.
	mailboxCap = 64
	// idleReap removes lanes for channels nobody has watched lately.
	idleReap     = 10 * time.Minute
	reapInterval = time.Minute
)

// ErrLaneBusy signals a full mailbox. Callers fall back to the KV fast
// path or origin passthrough rather than queueing behind a stampede.
var ErrLaneBusy = errors.New("channel lane mailbox full")

// Request is one manifest render job.
type Request struct {
	Channel           *channel.Config
	Variant           string       // media playlist name, e.g. "720p.m3u8"
	Mode              channel.Mode // resolved to ModeSSAI or ModeSGAI
	ViewerBitrateKbps int
	Now               time.Time // zero means wall clock
}

// Result is the rendered manifest plus telemetry about how it was made.
type Result struct {
	Body             []byte
	AdActive         bool
	Synthetic        bool // origin was down, slate manifest served
	PodID            string
	Snap             hls.SnapOutcome
	SegmentsReplaced int
}

// Options wires the manager's collaborators. KV and Beacon may be nil.
type Options struct {
	Origin      *OriginFetcher
	Decisions   *decision.Client
	Pods        *decision.PodLoader
	KV          *kvstore.Store
	Beacon      beacon.Publisher
	Obs         Observer
	BreakWindow time.Duration
}

// Manager owns the lane set.
type Manager struct {
	origin      *OriginFetcher
	decisions   *decision.Client
	pods        *decision.PodLoader
	kv          *kvstore.Store
	beacon      beacon.Publisher
	obs         Observer
	breakWindow time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
	quit  chan struct{}
	wg    sync.WaitGroup
}

type lane struct {
	channelID string
	tasks     chan func(*lane)
	quit      chan struct{}
	machine   *adbreak.Machine
	lastUsed  atomic.Int64
}

func New(opts Options) *Manager {
	m := &Manager{
		origin:      opts.Origin,
		decisions:   opts.Decisions,
		pods:        opts.Pods,
		kv:          opts.KV,
		beacon:      opts.Beacon,
		obs:         opts.Obs,
		breakWindow: opts.BreakWindow,
		lanes:       map[string]*lane{},
		quit:        make(chan struct{}),
	}
	if m.origin == nil {
		m.origin = NewOriginFetcher()
	}
	if m.pods == nil {
		m.pods = decision.NewPodLoader()
	}
	if m.beacon == nil {
		m.beacon = beacon.Nop{}
	}
	if m.obs == nil {
		m.obs = NopObserver{}
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// Close stops the janitor and every lane. Queued tasks are drained.
func (m *Manager) Close() {
	close(m.quit)
	m.mu.Lock()
	for id, l := range m.lanes {
		close(l.quit)
		delete(m.lanes, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Serve renders one manifest on the channel's lane.
func (m *Manager) Serve(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	var perr error
	err := m.exec(ctx, req.Channel, func(l *lane) {
		res, perr = m.safeProcess(ctx, l, req)
	})
	if err != nil {
		return nil, err
	}
	return res, perr
}

// StartBreak opens an operator-initiated break, replacing any current
// one, and obtains a decision with the longer break-open timeout.
func (m *Manager) StartBreak(ctx context.Context, cfg *channel.Config, durationSec float64, podID, podURL string) (*adbreak.State, error) {
	var st *adbreak.State
	var serr error
	err := m.exec(ctx, cfg, func(l *lane) {
		now := time.Now()
		st, serr = l.machine.StartManual(durationSec, podID, podURL, now)
		if serr != nil {
			return
		}
		slog.Info("manual ad break started",
			"channel", cfg.ID, "pod", st.PodID, "duration", st.DurationSec)
		m.decide(ctx, cfg, st, now, true)
		m.mirror(ctx, cfg, st)
		ev := beacon.Event{
			Event:   beacon.EventAdStart,
			Channel: cfg.ID,
			PodID:   st.PodID,
		}
		if st.Decision != nil {
			ev.Tracking = st.Decision.Tracking
		}
		m.beacon.Publish(ev)
	})
	if err != nil {
		return nil, err
	}
	return st, serr
}

// StartScheduled opens a time-triggered break unless one is active.
func (m *Manager) StartScheduled(ctx context.Context, cfg *channel.Config, durationSec float64) (*adbreak.State, error) {
	var st *adbreak.State
	err := m.exec(ctx, cfg, func(l *lane) {
		now := time.Now()
		had := l.machine.Current(now) != nil
		st = l.machine.StartScheduled(durationSec, now)
		if !had {
			slog.Info("scheduled ad break started",
				"channel", cfg.ID, "pod", st.PodID, "duration", st.DurationSec)
			m.decide(ctx, cfg, st, now, true)
			m.mirror(ctx, cfg, st)
		}
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// StopBreak clears the channel's break slot and its KV projection.
func (m *Manager) StopBreak(ctx context.Context, cfg *channel.Config) (bool, error) {
	var cleared bool
	err := m.exec(ctx, cfg, func(l *lane) {
		cleared = l.machine.Stop()
		m.clearKV(ctx, cfg.ID)
		if cleared {
			slog.Info("ad break stopped", "channel", cfg.ID)
		}
	})
	return cleared, err
}

// ObserveSignals feeds externally polled SCTE-35 signals through the
// channel's transition rules. Used by the signal monitor so that polled
// and request-path observations share one dedupe history.
func (m *Manager) ObserveSignals(ctx context.Context, cfg *channel.Config, signals []*scte35.Signal) error {
	return m.exec(ctx, cfg, func(l *lane) {
		m.applySignals(ctx, l, cfg, signals, time.Now())
	})
}

// CurrentBreak reports the channel's active break, nil when idle.
func (m *Manager) CurrentBreak(ctx context.Context, cfg *channel.Config) (*adbreak.Projection, error) {
	var p *adbreak.Projection
	err := m.exec(ctx, cfg, func(l *lane) {
		if st := l.machine.Current(time.Now()); st != nil {
			p = st.Project()
		}
	})
	return p, err
}

// exec runs fn on the channel's lane and waits for it, honoring ctx.
func (m *Manager) exec(ctx context.Context, cfg *channel.Config, fn func(*lane)) error {
	l := m.laneFor(ctx, cfg.ID)
	done := make(chan struct{})
	task := func(l *lane) {
		defer close(done)
		fn(l)
	}
	select {
	case l.tasks <- task:
	default:
		m.obs.LaneBusy(cfg.ID)
		return ErrLaneBusy
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) laneFor(ctx context.Context, channelID string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[channelID]; ok {
		return l
	}
	l := &lane{
		channelID: channelID,
		tasks:     make(chan func(*lane), mailboxCap),
		quit:      make(chan struct{}),
		machine:   adbreak.NewMachine(channelID, m.breakWindow),
	}
	l.lastUsed.Store(time.Now().UnixNano())
	m.restoreLane(ctx, l)
	m.lanes[channelID] = l
	m.wg.Add(1)
	go m.runLane(l)
	return l
}

// restoreLane seeds a fresh lane from the KV projection so a replica
// joining mid-break continues it instead of restarting it.
func (m *Manager) restoreLane(ctx context.Context, l *lane) {
	if m.kv == nil {
		return
	}
	p, err := m.kv.GetActive(ctx, l.channelID)
	if err != nil {
		if err != kvstore.ErrMiss {
			slog.Warn("lane restore failed", "channel", l.channelID, "err", err)
		}
		return
	}
	l.machine.Restore(adbreak.FromProjection(p))
	slog.Info("lane restored from KV", "channel", l.channelID, "pod", p.PodID)
}

func (m *Manager) runLane(l *lane) {
	defer m.wg.Done()
	for {
		select {
		case task := <-l.tasks:
			l.lastUsed.Store(time.Now().UnixNano())
			task(l)
		case <-l.quit:
			for {
				select {
				case task := <-l.tasks:
					task(l)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-idleReap).UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.lanes {
		if l.lastUsed.Load() < cutoff {
			close(l.quit)
			delete(m.lanes, id)
			slog.Debug("reaped idle channel lane", "channel", id)
		}
	}
}

// safeProcess wraps the pipeline with panic recovery. A panic serves the
// stripped origin manifest and leaves the lane alive.
func (m *Manager) safeProcess(ctx context.Context, l *lane, req Request) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in channel lane, serving passthrough",
				"channel", req.Channel.ID, "variant", req.Variant,
				"panic", r, "stack", string(debug.Stack()))
			res, err = m.passthrough(ctx, req)
		}
	}()
	return m.process(ctx, l, req)
}
