// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package decision talks to the external ad-decision collaborator and
// selects bitrate-matched ad variants for rendering.
package decision

// Request is what the core sends to the decision collaborator. It is
// never parameterized by viewer identity or bitrate: one decision serves
// every rendition of a break.
type Request struct {
	Channel     string         `json:"channel"`
	DurationSec float64        `json:"durationSec"`
	SCTE35      *SCTE35Meta    `json:"scte35,omitempty"`
	ViewerInfo  map[string]any `json:"viewerInfo,omitempty"`
}

// SCTE35Meta is the signal context forwarded with a decision request.
type SCTE35Meta struct {
	EventID   string  `json:"eventId,omitempty"`
	StartDate string  `json:"startDate,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Hex       string  `json:"hex,omitempty"`
}

// Decision is the collaborator's response: an ad pod spanning multiple
// bitrates plus optional tracking URLs.
type Decision struct {
	Pod      Pod       `json:"pod"`
	Tracking *Tracking `json:"tracking,omitempty"`

	// Slate marks a locally constructed fallback decision.
	Slate bool `json:"slate,omitempty"`
}

// Pod is a group of ads played back-to-back during one break.
type Pod struct {
	PodID       string    `json:"podId"`
	DurationSec float64   `json:"durationSec"`
	Items       []PodItem `json:"items"`
}

// PodItem is one ad rendition.
type PodItem struct {
	AdID        string `json:"adId"`
	Bitrate     int    `json:"bitrate"` // bps
	PlaylistURL string `json:"playlistUrl"`
}

// Tracking carries beacon URLs for the pod.
type Tracking struct {
	Impressions []string            `json:"impressions,omitempty"`
	Quartiles   map[string][]string `json:"quartiles,omitempty"`
	Clicks      []string            `json:"clicks,omitempty"`
	Errors      []string            `json:"errors,omitempty"`
}

// Empty reports a decision with no playable items; callers suppress the
// ad and serve content.
func (d *Decision) Empty() bool {
	return d == nil || len(d.Pod.Items) == 0
}
