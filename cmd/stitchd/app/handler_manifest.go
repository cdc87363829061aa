// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/kvstore"
	"github.com/streamstitch/stitchd/internal/serializer"
	"github.com/streamstitch/stitchd/pkg/hls"
)

const manifestContentType = "application/vnd.apple.mpegurl"

// manifestHandlerFunc serves GET /{org}/{channel}/{variant}.
func (s *Server) manifestHandlerFunc(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r,
		chi.URLParam(r, "org"),
		chi.URLParam(r, "channel"),
		chi.URLParam(r, "variant"))
}

// legacyManifestHandlerFunc serves GET /manifest?channel=&variant=,
// kept for players provisioned before path routing.
func (s *Server) legacyManifestHandlerFunc(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ch := q.Get("channel")
	variant := q.Get("variant")
	if ch == "" || variant == "" {
		http.Error(w, "channel and variant query parameters required", http.StatusBadRequest)
		return
	}
	org := q.Get("org")
	if org == "" {
		org = "default"
	}
	s.serveChannel(w, r, org, ch, variant)
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, org, chSlug, variant string) {
	if org == "" || chSlug == "" || variant == "" {
		http.Error(w, "missing org, channel, or variant", http.StatusBadRequest)
		return
	}
	viewer, err := s.auth.verify(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	cfg, err := s.channels.Get(r.Context(), org, chSlug)
	if err == channel.ErrNotFound {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("channel lookup failed", "org", org, "channel", chSlug, "err", err)
		http.Error(w, "channel store unavailable", http.StatusInternalServerError)
		return
	}
	if cfg.Status != channel.StatusActive {
		http.Error(w, "channel inactive", http.StatusServiceUnavailable)
		return
	}

	if !strings.HasSuffix(variant, ".m3u8") {
		s.serveSegment(w, r, cfg, variant)
		return
	}
	if cfg.SCTE35AutoInsert || cfg.TimeBasedAutoInsert {
		s.monitors.Watch(cfg)
	}

	mode := resolveMode(r, cfg)
	now := time.Now()
	key := s.micro.key(cfg.ID, variant, mode, now, viewer.Bucket)
	if body, ok := s.micro.get(key); ok {
		coreMetrics.microCacheHits.Inc()
		s.writeManifest(w, cfg, body)
		return
	}

	sreq := serializer.Request{
		Channel:           cfg,
		Variant:           variant,
		Mode:              mode,
		ViewerBitrateKbps: variantBitrateKbps(cfg, variant),
	}

	res := s.render(r.Context(), sreq)
	if res == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if hls.IsMasterPlaylist(string(res.Body)) {
		s.detectBitrates(cfg, org, chSlug, string(res.Body))
	}
	s.micro.put(key, res.Body)
	s.writeManifest(w, cfg, res.Body)
}

// render tries the KV fast path, then the lane, then plain passthrough.
func (s *Server) render(ctx context.Context, sreq serializer.Request) *serializer.Result {
	cfg := sreq.Channel
	if s.kv != nil {
		proj, err := s.kv.GetActive(ctx, cfg.ID)
		if err == nil && proj.ActiveAt(time.Now()) {
			if res, ferr := s.core.ServeFast(ctx, sreq, proj); ferr == nil {
				coreMetrics.fastPathServes.Inc()
				return res
			}
		} else if err != nil && err != kvstore.ErrMiss {
			slog.Warn("kv lookup failed", "channel", cfg.ID, "err", err)
		}
	}
	res, err := s.core.Serve(ctx, sreq)
	if err == nil {
		return res
	}
	if err == serializer.ErrLaneBusy {
		// availability over insertion continuity
		if body, ferr := s.fetcher.FetchVariant(ctx, cfg, sreq.Variant); ferr == nil {
			return &serializer.Result{Body: body}
		}
	}
	slog.Error("manifest render failed", "channel", cfg.ID, "variant", sreq.Variant, "err", err)
	return nil
}

func (s *Server) writeManifest(w http.ResponseWriter, cfg *channel.Config, body []byte) {
	maxAge := cfg.ManifestCacheMaxAge
	if maxAge <= 0 {
		maxAge = s.Cfg.ManifestCacheMaxAge
	}
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Debug("manifest write failed", "err", err)
	}
}

// serveSegment streams a media segment from the origin. This is the hot
// path: channel config comes from the LRU and the serializer is never
// involved.
func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request, cfg *channel.Config, segPath string) {
	url := serializer.VariantURL(cfg, segPath)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, "bad segment path", http.StatusBadRequest)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := s.proxy.Do(req)
	if err != nil {
		slog.Warn("segment fetch failed", "channel", cfg.ID, "segment", segPath, "err", err)
		http.Error(w, "origin unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	maxAge := cfg.SegmentCacheMaxAge
	if maxAge <= 0 {
		maxAge = s.Cfg.SegmentCacheMaxAge
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", segmentContentType(segPath))
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", maxAge))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("segment stream interrupted", "channel", cfg.ID, "err", err)
	}
}

func segmentContentType(segPath string) string {
	switch {
	case strings.HasSuffix(segPath, ".ts"):
		return "video/MP2T"
	case strings.HasSuffix(segPath, ".m4s"), strings.HasSuffix(segPath, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(segPath, ".aac"):
		return "audio/aac"
	case strings.HasSuffix(segPath, ".vtt"):
		return "text/vtt"
	}
	return "application/octet-stream"
}

// detectBitrates learns the channel's ladder from a master manifest and
// persists it off the request path.
func (s *Server) detectBitrates(cfg *channel.Config, org, slug, master string) {
	if cfg.Mode != channel.ModeAuto {
		return
	}
	kbps := hls.ExtractBitrates(master)
	if len(kbps) == 0 || intSliceEqual(kbps, cfg.DetectedBitrates) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.channels.UpdateDetectedBitrates(ctx, cfg.ID, kbps); err != nil {
			slog.Warn("bitrate ladder persist failed", "channel", cfg.ID, "err", err)
			return
		}
		s.channels.Invalidate(org, slug)
		slog.Info("bitrate ladder detected", "channel", cfg.ID, "ladder", kbps)
	}()
}

// variantBitrateKbps maps a variant name onto the channel's ladder. The
// detected ladder wins over the configured one. Variants named with an
// index (1.m3u8 = highest) or a bitrate (2500k.m3u8) are both handled;
// anything else gets the ladder's top entry so ad selection still has a
// bound.
func variantBitrateKbps(cfg *channel.Config, variant string) int {
	ladder := cfg.DetectedBitrates
	if len(ladder) == 0 {
		ladder = cfg.BitrateLadder
	}
	if len(ladder) == 0 {
		return 0
	}
	name := strings.TrimSuffix(variant, ".m3u8")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if kbps, ok := parseBitrateName(name); ok {
		return kbps
	}
	if n, ok := parseIndexName(name); ok && n >= 1 && n <= len(ladder) {
		// ladder is ascending; index 1 is the top rendition
		return ladder[len(ladder)-n]
	}
	return ladder[len(ladder)-1]
}

func parseBitrateName(name string) (int, bool) {
	if !strings.HasSuffix(name, "k") {
		return 0, false
	}
	n, ok := parseIndexName(strings.TrimSuffix(name, "k"))
	return n, ok && n > 0
}

func parseIndexName(name string) (int, bool) {
	n := 0
	if name == "" {
		return 0, false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
