// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strings"

	"github.com/streamstitch/stitchd/internal/channel"
)

// resolveMode decides SSAI vs SGAI for one request. Priority: ?mode=
// query, then the legacy ?force= alias, then a non-auto channel mode,
// then User-Agent feature detection. Apple players get interstitials,
// everything else gets stitched segments.
func resolveMode(r *http.Request, cfg *channel.Config) channel.Mode {
	if m := parseMode(r.URL.Query().Get("mode")); m != channel.ModeAuto {
		return m
	}
	if m := parseMode(r.URL.Query().Get("force")); m != channel.ModeAuto {
		return m
	}
	if cfg.Mode == channel.ModeSSAI || cfg.Mode == channel.ModeSGAI {
		return cfg.Mode
	}
	if supportsInterstitials(r) {
		return channel.ModeSGAI
	}
	return channel.ModeSSAI
}

func parseMode(s string) channel.Mode {
	switch strings.ToLower(s) {
	case "ssai":
		return channel.ModeSSAI
	case "sgai":
		return channel.ModeSGAI
	}
	return channel.ModeAuto
}

func supportsInterstitials(r *http.Request) bool {
	if r.Header.Get("X-Playback-Session-Id") != "" {
		return true
	}
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, marker := range []string{"avplayer", "applecoremedia", "tvos", "iphone", "ipad", "macintosh"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
