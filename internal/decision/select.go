// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import "strings"

// audioBitrateCeiling separates audio-only renditions from video ones.
const audioBitrateCeiling = 256_000 // bps

// SelectVariant picks the pod item for a rendition: the highest bitrate
// not exceeding the viewer bitrate, or the lowest item when everything
// is above it. Items with bitrate 0 (slate) match any rendition.
//
// Audio-only variants (bitrate <= 256 kbps and a name containing
// "audio") only consider items at or below the audio ceiling; when none
// exist the ad is suppressed (nil return).
func SelectVariant(items []PodItem, viewerBitrate int, variantName string) *PodItem {
	if len(items) == 0 {
		return nil
	}
	candidates := items
	if isAudioOnly(viewerBitrate, variantName) {
		candidates = nil
		for _, it := range items {
			if it.Bitrate <= audioBitrateCeiling {
				candidates = append(candidates, it)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
	}
	var best *PodItem
	for i := range candidates {
		it := &candidates[i]
		if it.Bitrate == 0 {
			return it
		}
		if it.Bitrate <= viewerBitrate && (best == nil || it.Bitrate > best.Bitrate) {
			best = it
		}
	}
	if best != nil {
		return best
	}
	lowest := &candidates[0]
	for i := range candidates {
		if candidates[i].Bitrate < lowest.Bitrate {
			lowest = &candidates[i]
		}
	}
	return lowest
}

func isAudioOnly(viewerBitrate int, variantName string) bool {
	return viewerBitrate > 0 && viewerBitrate <= audioBitrateCeiling &&
		strings.Contains(strings.ToLower(variantName), "audio")
}
