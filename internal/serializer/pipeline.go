// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package serializer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/streamstitch/stitchd/internal/adbreak"
	"github.com/streamstitch/stitchd/internal/beacon"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/decision"
	"github.com/streamstitch/stitchd/pkg/hls"
	"github.com/streamstitch/stitchd/pkg/scte35"
)

// process is the manifest pipeline. It runs on the channel's lane.
func (m *Manager) process(ctx context.Context, l *lane, req Request) (*Result, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	cfg := req.Channel

	body, err := m.origin.FetchVariant(ctx, cfg, req.Variant)
	if err != nil {
		m.obs.OriginFailure(cfg.ID)
		slog.Warn("origin fetch failed, serving slate manifest",
			"channel", cfg.ID, "variant", req.Variant, "err", err)
		return m.slateManifest(ctx, cfg, now)
	}
	pl, err := hls.Decode(bytes.NewReader(body))
	if err != nil {
		slog.Warn("manifest parse failed, passing origin through",
			"channel", cfg.ID, "variant", req.Variant, "err", err)
		return &Result{Body: body}, nil
	}
	if hls.IsMasterPlaylist(string(body)) {
		return &Result{Body: body}, nil
	}

	if cfg.SCTE35AutoInsert {
		m.applySignals(ctx, l, cfg, scte35.SignalsFromPlaylist(pl), now)
	}
	st := l.machine.Current(now)
	if st == nil {
		return stripped(pl), nil
	}

	if st.NeedsDecision(now) {
		m.decide(ctx, cfg, st, now, false)
		m.mirror(ctx, cfg, st)
	}
	if st.Decision.Empty() {
		return stripped(pl), nil
	}

	startPDT, ok := breakStartPDT(st, pl)
	if !ok {
		slog.Debug("no usable break start PDT, serving content",
			"channel", cfg.ID, "pod", st.PodID)
		return stripped(pl), nil
	}

	if req.Mode == channel.ModeSGAI {
		return m.renderSGAI(cfg, st, pl, startPDT), nil
	}
	return m.renderSSAI(ctx, cfg, st, pl, startPDT, req, now)
}

// applySignals routes one playlist's worth of signals through the
// transition rules. A live window usually advertises several generations
// of the same cue, so the live OUT is selected first; OUTs the selector
// cannot place (no parseable start) are applied individually and anchor
// on the wall clock. INs only count when they terminate the current
// break's event.
func (m *Manager) applySignals(ctx context.Context, l *lane, cfg *channel.Config, signals []*scte35.Signal, now time.Time) {
	if len(signals) == 0 {
		return
	}
	if active := scte35.SelectActiveOut(signals, now); active != nil {
		m.applySignal(ctx, l, cfg, active, now)
	}
	for _, sig := range signals {
		if sig.Type == scte35.TypeOut && sig.StartDate == "" {
			m.applySignal(ctx, l, cfg, sig, now)
		}
	}
	if st := l.machine.Current(now); st != nil {
		if in := scte35.FindMatchingIn(signals, st.EventID()); in != nil {
			m.applySignal(ctx, l, cfg, in, now)
		}
	}
}

// applySignal runs one SCTE-35 observation through the transition rules.
func (m *Manager) applySignal(ctx context.Context, l *lane, cfg *channel.Config, sig *scte35.Signal, now time.Time) {
	if !sig.CRCValid {
		m.obs.CRCFailure(cfg.ID)
	}
	if sig.MetadataConflict {
		m.obs.MetadataConflict(cfg.ID)
	}
	if !cfg.TierMatches(sig.Tier) {
		return
	}
	switch sig.Type {
	case scte35.TypeOut:
		warnings, err := scte35.Validate(sig, now)
		if err != nil {
			slog.Warn("rejecting SCTE-35 OUT",
				"channel", cfg.ID, "event", sig.EventID, "err", err)
			return
		}
		for _, w := range warnings {
			slog.Debug("scte35 warning", "channel", cfg.ID, "warning", w)
		}
		res, err := l.machine.HandleOut(sig, now)
		if err != nil {
			slog.Warn("SCTE-35 OUT not applicable",
				"channel", cfg.ID, "event", sig.EventID, "err", err)
			return
		}
		if res.Merged {
			m.obs.DedupeMerge(cfg.ID)
			m.mirror(ctx, cfg, res.State)
		}
		if res.Created {
			slog.Info("ad break opened from SCTE-35",
				"channel", cfg.ID, "pod", res.State.PodID,
				"event", sig.EventID, "duration", res.State.DurationSec)
			m.decide(ctx, cfg, res.State, now, true)
			m.mirror(ctx, cfg, res.State)
			ev := newBeaconEvent(cfg.ID, res.State)
			m.beacon.Publish(ev)
		}
	case scte35.TypeIn:
		if l.machine.HandleIn(sig, now) {
			slog.Info("ad break closed by SCTE-35 IN",
				"channel", cfg.ID, "event", sig.EventID)
			m.clearKV(ctx, cfg.ID)
		}
	}
}

// decide obtains (or synthesizes) an ad decision for the break. A break
// opened with an explicit pod URL never consults the collaborator.
func (m *Manager) decide(ctx context.Context, cfg *channel.Config, st *adbreak.State, now time.Time, breakOpen bool) {
	if st.PodURL != "" && st.Decision == nil {
		st.SetDecision(&decision.Decision{
			Pod: decision.Pod{
				PodID:       st.PodID,
				DurationSec: st.DurationSec,
				Items: []decision.PodItem{
					{AdID: st.PodID, Bitrate: 0, PlaylistURL: st.PodURL},
				},
			},
		}, now)
		return
	}
	var cl decision.Client
	if m.decisions != nil {
		cl = *m.decisions
	}
	cl.SlatePodID = cfg.SlatePodID
	cl.SlatePodURL = cfg.SlatePodURL
	dreq := decision.Request{Channel: cfg.ID, DurationSec: st.DurationSec}
	if st.Source == adbreak.SourceSCTE35 {
		dreq.SCTE35 = &decision.SCTE35Meta{
			EventID:   st.EventID(),
			StartDate: st.SCTE35StartPDT,
			Duration:  st.DurationSec,
			Hex:       st.SCTE35Hex,
		}
	}
	d := cl.Decide(ctx, dreq, breakOpen)
	if d.Slate {
		m.obs.DecisionFallback("slate")
	} else if d.Empty() {
		m.obs.DecisionFallback("empty")
	}
	st.SetDecision(d, now)
}

// renderSGAI strips origin cues and injects a single interstitial
// DATERANGE pointing at the pod asset.
func (m *Manager) renderSGAI(cfg *channel.Config, st *adbreak.State, pl *hls.Playlist, startPDT time.Time) *Result {
	var payload []byte
	if st.SCTE35Hex != "" {
		payload, _ = hex.DecodeString(st.SCTE35Hex)
	}
	out := hls.InjectInterstitial(hls.StripOriginSCTE35(pl), hls.InterstitialOpts{
		ID:            st.PodID,
		StartPDT:      hls.FormatPDT(startPDT),
		DurationSec:   st.DurationSec,
		AssetURI:      interstitialAssetURI(cfg, st),
		SCTE35Payload: payload,
	})
	return &Result{Body: out.Encode(), AdActive: true, PodID: st.PodID}
}

// renderSSAI replaces content segments with the bitrate-matched ad pod.
// Every fallback path serves the stripped origin manifest.
func (m *Manager) renderSSAI(ctx context.Context, cfg *channel.Config, st *adbreak.State,
	pl *hls.Playlist, startPDT time.Time, req Request, now time.Time) (*Result, error) {

	item := decision.SelectVariant(st.Decision.Pod.Items, req.ViewerBitrateKbps*1000, req.Variant)
	if item == nil {
		return stripped(pl), nil
	}
	ads, _, err := m.pods.Load(ctx, item.PlaylistURL, st.Decision.Slate)
	if err != nil {
		m.obs.DecisionFallback("pod_load")
		slog.Warn("ad pod load failed, suppressing break",
			"channel", cfg.ID, "pod", st.PodID, "err", err)
		return stripped(pl), nil
	}
	var slate []hls.AdSegment
	switch {
	case st.Decision.Slate:
		slate = ads
	case cfg.SlatePodURL != "":
		// slate load failures only cost boundary padding
		slate, _, _ = m.pods.Load(ctx, cfg.SlatePodURL, true)
	}

	res, err := hls.ReplaceSegmentsWithAds(hls.StripOriginSCTE35(pl), startPDT,
		ads, st.DurationSec, st.ContentSegmentsToSkip, slate)
	if err != nil {
		m.obs.BoundarySnap(string(hls.SnapFallback))
		slog.Debug("splice refused, serving content",
			"channel", cfg.ID, "pod", st.PodID, "err", err)
		return stripped(pl), nil
	}
	m.obs.BoundarySnap(string(res.Snap))

	plan := &adbreak.SharedManifestPlan{
		StartPDT:            hls.FormatPDT(startPDT),
		LeadingDecorations:  res.Leading,
		TrailingDecorations: res.Trailing,
		StableSkipCount:     res.SegmentsSkipped,
		UpdatedAt:           now.UnixMilli(),
	}
	bound, consistent := st.BindPlan(plan, res.DurationSkipped)
	if bound {
		m.mirror(ctx, cfg, st)
	}
	if !consistent {
		m.obs.SkipCountAnomaly(cfg.ID)
		slog.Warn("skip count recomputation disagreed with bound plan",
			"channel", cfg.ID, "pod", st.PodID,
			"bound", st.ContentSegmentsToSkip, "recomputed", res.SegmentsSkipped)
	}
	return &Result{
		Body:             res.Playlist.Encode(),
		AdActive:         true,
		PodID:            st.PodID,
		Snap:             res.Snap,
		SegmentsReplaced: res.SegmentsSkipped,
	}, nil
}

// passthrough serves the stripped origin manifest outside the normal
// pipeline, used after a lane panic.
func (m *Manager) passthrough(ctx context.Context, req Request) (*Result, error) {
	body, err := m.origin.FetchVariant(ctx, req.Channel, req.Variant)
	if err != nil {
		return m.slateManifest(ctx, req.Channel, time.Now())
	}
	pl, err := hls.Decode(bytes.NewReader(body))
	if err != nil {
		return &Result{Body: body}, nil
	}
	return stripped(pl), nil
}

const slateSegmentDurSec = 10

// slateManifest synthesizes a live playlist from the channel's slate pod
// so viewers see slate instead of an error while the origin is down. The
// media sequence is derived from the wall clock so it keeps advancing
// across requests and replicas. With no slate pod configured the
// playlist references a placeholder URI; the session survives even if
// those segment fetches 404.
func (m *Manager) slateManifest(ctx context.Context, cfg *channel.Config, now time.Time) (*Result, error) {
	var segs []hls.AdSegment
	if cfg.SlatePodURL != "" {
		loaded, _, err := m.pods.Load(ctx, cfg.SlatePodURL, true)
		if err == nil {
			segs = loaded
		} else {
			slog.Warn("slate pod load failed, serving placeholder manifest",
				"channel", cfg.ID, "err", err)
		}
	}
	if len(segs) == 0 {
		segs = []hls.AdSegment{{URI: "slate.ts", Duration: slateSegmentDurSec}}
	}
	seq := now.Unix() / slateSegmentDurSec
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", slateSegmentDurSec)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for i := 0; i < 3; i++ {
		s := segs[i%len(segs)]
		pdt := time.Unix((seq+int64(i))*slateSegmentDurSec, 0).UTC()
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", hls.FormatPDT(pdt))
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.Duration, s.URI)
	}
	return &Result{Body: []byte(b.String()), Synthetic: true}, nil
}

func (m *Manager) mirror(ctx context.Context, cfg *channel.Config, st *adbreak.State) {
	if m.kv == nil {
		return
	}
	if err := m.kv.Put(ctx, st.Project()); err != nil {
		slog.Warn("kv mirror failed", "channel", cfg.ID, "err", err)
	}
}

func (m *Manager) clearKV(ctx context.Context, channelID string) {
	if m.kv == nil {
		return
	}
	if err := m.kv.Clear(ctx, channelID); err != nil {
		slog.Warn("kv clear failed", "channel", channelID, "err", err)
	}
}

func stripped(pl *hls.Playlist) *Result {
	return &Result{Body: hls.StripOriginSCTE35(pl).Encode()}
}

// breakStartPDT resolves where the break splices into this playlist. A
// bound plan wins, then the signalled PDT; manual and scheduled breaks
// start at the first segment at or after the cue instant, or the live
// edge when the cue is ahead of it.
func breakStartPDT(st *adbreak.State, pl *hls.Playlist) (time.Time, bool) {
	if st.Plan != nil {
		if t, err := hls.ParsePDT(st.Plan.StartPDT); err == nil {
			return t, true
		}
	}
	if st.SCTE35StartPDT != "" {
		if t, err := hls.ParsePDT(st.SCTE35StartPDT); err == nil {
			return t, true
		}
	}
	cue := time.UnixMilli(st.StartedAt)
	var newest time.Time
	found := false
	for _, seg := range pl.Segments {
		if !seg.HasPDT {
			continue
		}
		if !seg.PDT.Before(cue) {
			return seg.PDT, true
		}
		newest = seg.PDT
		found = true
	}
	return newest, found
}

func interstitialAssetURI(cfg *channel.Config, st *adbreak.State) string {
	if st.PodURL != "" {
		return st.PodURL
	}
	base := strings.TrimRight(cfg.AdPodBaseURL, "/")
	return fmt.Sprintf("%s/%s/index.m3u8", base, st.PodID)
}

func newBeaconEvent(channelID string, st *adbreak.State) beacon.Event {
	ev := beacon.Event{
		Event:   beacon.EventAdStart,
		Channel: channelID,
		PodID:   st.PodID,
	}
	if st.Decision != nil {
		ev.Tracking = st.Decision.Tracking
	}
	return ev
}
