// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"errors"
	"fmt"
	"time"

	"github.com/streamstitch/stitchd/pkg/hls"
)

const (
	// maxBreakDurationSec rejects runaway durations.
	maxBreakDurationSec = 600.0
	// staleAfter warns about signals older than the live window allows.
	staleAfter = 180 * time.Second
)

var (
	ErrBadDuration     = errors.New("scte35: non-positive duration")
	ErrRunawayDuration = errors.New("scte35: duration exceeds 600s")
	ErrPTSOutOfRange   = errors.New("scte35: PTS out of 33-bit range")
)

// Validate applies the acceptance rules for a parsed signal. A non-nil
// error suppresses the signal for this cycle; warnings are advisory and
// surfaced in telemetry only.
func Validate(sig *Signal, now time.Time) (warnings []string, err error) {
	if sig.Type == TypeOut {
		if sig.DurationSec == nil || *sig.DurationSec <= 0 {
			return nil, ErrBadDuration
		}
		if *sig.DurationSec > maxBreakDurationSec {
			return nil, ErrRunawayDuration
		}
	}
	if sig.PTS != nil && *sig.PTS >= maxPTS {
		return nil, ErrPTSOutOfRange
	}
	if sig.StartDate != "" {
		if start, perr := hls.ParsePDT(sig.StartDate); perr == nil {
			if age := now.Sub(start); age > staleAfter {
				warnings = append(warnings, fmt.Sprintf("signal %s is %s old, possibly stale", sig.EventID, age.Round(time.Second)))
			}
		}
	}
	if !sig.CRCValid {
		warnings = append(warnings, fmt.Sprintf("signal %s failed CRC validation", sig.EventID))
	}
	return warnings, nil
}

// SelectActiveOut picks the OUT whose start is most recent and whose
// implied end (start + duration) has not passed. Returns nil when no
// break is live.
func SelectActiveOut(signals []*Signal, now time.Time) *Signal {
	var best *Signal
	var bestStart time.Time
	for _, sig := range signals {
		if sig.Type != TypeOut || sig.StartDate == "" || sig.DurationSec == nil {
			continue
		}
		start, err := hls.ParsePDT(sig.StartDate)
		if err != nil {
			continue
		}
		end := start.Add(time.Duration(*sig.DurationSec * float64(time.Second)))
		if end.Before(now) {
			continue
		}
		if best == nil || start.After(bestStart) {
			best = sig
			bestStart = start
		}
	}
	return best
}

// FindMatchingIn returns the IN signal terminating the given event, if
// one is present.
func FindMatchingIn(signals []*Signal, eventID string) *Signal {
	for _, sig := range signals {
		if sig.Type == TypeIn && sig.EventID == eventID {
			return sig
		}
	}
	return nil
}
