// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"math"
	"strconv"
	"strings"

	"github.com/streamstitch/stitchd/pkg/hls"
)

const interstitialClass = "com.apple.hls.interstitial"

// conflictToleranceSec is how far attribute and binary durations may
// drift before the signal is flagged for telemetry.
const conflictToleranceSec = 0.25

// FromDateRange parses one EXT-X-DATERANGE attribute list into a
// signal. The binary form (SCTE35-OUT / SCTE35-IN / SCTE35-CMD) is
// preferred when present; attribute metadata fills gaps the binary
// leaves (notably DURATION) and disagreements set MetadataConflict.
// Interstitial DATERANGEs yield (nil, nil) - they are ours, not origin
// cues.
func FromDateRange(attrs []hls.Attr) (*Signal, error) {
	if strings.EqualFold(hls.AttrValue(attrs, "CLASS"), interstitialClass) {
		return nil, nil
	}

	var sig *Signal
	var binErr error
	for _, key := range []string{"SCTE35-OUT", "SCTE35-IN", "SCTE35-CMD"} {
		payload := hls.AttrValue(attrs, key)
		if payload == "" {
			continue
		}
		sig, binErr = DecodeHex(payload)
		if binErr != nil {
			sig = nil
			break
		}
		// The attribute key is authoritative for direction when the
		// binary command is ambiguous (e.g. bare time_signal).
		if sig.Type == TypeCmd {
			switch key {
			case "SCTE35-OUT":
				sig.Type = TypeOut
			case "SCTE35-IN":
				sig.Type = TypeIn
			}
		}
		break
	}

	attrDur := attrDuration(attrs)
	if sig == nil {
		// Attribute-only form: ID, START-DATE, DURATION/PLANNED-DURATION.
		sig = &Signal{CRCValid: true}
		if attrDur != nil && *attrDur > 0 {
			sig.Type = TypeOut
		}
		if hls.AttrValue(attrs, "END-DATE") != "" && attrDur == nil {
			sig.Type = TypeIn
		}
	}
	if sig.EventID == "" {
		sig.EventID = hls.AttrValue(attrs, "ID")
	}
	sig.StartDate = hls.AttrValue(attrs, "START-DATE")
	if attrDur != nil {
		if sig.DurationSec == nil {
			sig.DurationSec = attrDur
		} else if math.Abs(*sig.DurationSec-*attrDur) > conflictToleranceSec {
			sig.MetadataConflict = true
		}
	}
	if binErr != nil {
		return sig, binErr
	}
	return sig, nil
}

func attrDuration(attrs []hls.Attr) *float64 {
	for _, key := range []string{"DURATION", "PLANNED-DURATION"} {
		if v := hls.AttrValue(attrs, key); v != "" {
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				return &d
			}
		}
	}
	return nil
}

// SignalsFromPlaylist extracts every SCTE-35 signal advertised in the
// playlist's DATERANGE tags (header and segment positions), in playlist
// order. Unparseable tags are skipped.
func SignalsFromPlaylist(p *hls.Playlist) []*Signal {
	var out []*Signal
	collect := func(lines []string) {
		for _, line := range lines {
			const prefix = "#EXT-X-DATERANGE:"
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			sig, err := FromDateRange(hls.ParseAttrList(line[len(prefix):]))
			if err != nil || sig == nil {
				continue
			}
			out = append(out, sig)
		}
	}
	collect(p.Header)
	for _, seg := range p.Segments {
		collect(seg.Tags)
	}
	collect(p.Footer)
	return out
}
