// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamstitch/stitchd/internal/channel"
)

func TestResolveMode(t *testing.T) {
	cases := []struct {
		desc        string
		url         string
		ua          string
		sessionHdr  string
		channelMode channel.Mode
		want        channel.Mode
	}{
		{
			desc: "query mode wins over everything",
			url:  "/acme/ch1/720p.m3u8?mode=sgai",
			ua:   "okhttp/4.9",
			want: channel.ModeSGAI,
		},
		{
			desc:        "legacy force alias",
			url:         "/acme/ch1/720p.m3u8?force=ssai",
			channelMode: channel.ModeSGAI,
			want:        channel.ModeSSAI,
		},
		{
			desc:        "pinned channel mode",
			url:         "/acme/ch1/720p.m3u8",
			ua:          "AppleCoreMedia/1.0",
			channelMode: channel.ModeSSAI,
			want:        channel.ModeSSAI,
		},
		{
			desc: "auto with Apple player",
			url:  "/acme/ch1/720p.m3u8",
			ua:   "AppleCoreMedia/1.0.0.16G77 (iPhone; U; CPU OS 12_4 like Mac OS X)",
			want: channel.ModeSGAI,
		},
		{
			desc:       "auto with playback session header",
			url:        "/acme/ch1/720p.m3u8",
			ua:         "okhttp/4.9",
			sessionHdr: "0E8-A5C2-4F1B",
			want:       channel.ModeSGAI,
		},
		{
			desc: "auto with android player",
			url:  "/acme/ch1/720p.m3u8",
			ua:   "com.example.player/2.1 (Linux;Android 13) ExoPlayerLib/2.18.1",
			want: channel.ModeSSAI,
		},
		{
			desc: "bogus query value falls through",
			url:  "/acme/ch1/720p.m3u8?mode=banana",
			ua:   "okhttp/4.9",
			want: channel.ModeSSAI,
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			r := httptest.NewRequest("GET", c.url, nil)
			if c.ua != "" {
				r.Header.Set("User-Agent", c.ua)
			}
			if c.sessionHdr != "" {
				r.Header.Set("X-Playback-Session-Id", c.sessionHdr)
			}
			cfg := &channel.Config{Mode: channel.ModeAuto}
			if c.channelMode != "" {
				cfg.Mode = c.channelMode
			}
			assert.Equal(t, c.want, resolveMode(r, cfg))
		})
	}
}

func TestVariantBitrateKbps(t *testing.T) {
	ladder := []int{800, 2500, 4500}
	cases := []struct {
		desc     string
		variant  string
		ladder   []int
		detected []int
		want     int
	}{
		{desc: "bitrate name", variant: "2500k.m3u8", ladder: ladder, want: 2500},
		{desc: "index 1 is the top rendition", variant: "1.m3u8", ladder: ladder, want: 4500},
		{desc: "index 3 is the bottom", variant: "3.m3u8", ladder: ladder, want: 800},
		{desc: "nested path", variant: "video/2500k.m3u8", ladder: ladder, want: 2500},
		{desc: "unrecognized name gets the top", variant: "master-720.m3u8", ladder: ladder, want: 4500},
		{desc: "index off the ladder gets the top", variant: "9.m3u8", ladder: ladder, want: 4500},
		{desc: "no ladder at all", variant: "720p.m3u8", want: 0},
		{
			desc:     "detected ladder wins",
			variant:  "1.m3u8",
			ladder:   ladder,
			detected: []int{600, 1200},
			want:     1200,
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			cfg := &channel.Config{BitrateLadder: c.ladder, DetectedBitrates: c.detected}
			assert.Equal(t, c.want, variantBitrateKbps(cfg, c.variant))
		})
	}
}

func TestMicroCacheKey(t *testing.T) {
	c := newMicroCache(2)
	now := time.Unix(1767348000, 0) // even second, bucket boundary

	k1 := c.key("sports_main", "720p.m3u8", channel.ModeSSAI, now, "A")
	assert.Equal(t, k1, c.key("sports_main", "720p.m3u8", channel.ModeSSAI, now.Add(time.Second), "A"),
		"same two second bucket")
	assert.NotEqual(t, k1, c.key("sports_main", "720p.m3u8", channel.ModeSSAI, now.Add(2*time.Second), "A"),
		"next bucket")
	assert.NotEqual(t, k1, c.key("sports_main", "720p.m3u8", channel.ModeSGAI, now, "A"),
		"mode is part of the key")
	assert.NotEqual(t, k1, c.key("sports_main", "720p.m3u8", channel.ModeSSAI, now, "B"),
		"viewer bucket is part of the key")

	c.put(k1, []byte("#EXTM3U\n"))
	body, ok := c.get(k1)
	assert.True(t, ok)
	assert.Equal(t, []byte("#EXTM3U\n"), body)

	_, ok = c.get("missing")
	assert.False(t, ok)
}
