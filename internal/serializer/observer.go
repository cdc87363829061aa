// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package serializer

// Observer receives pipeline telemetry. The HTTP layer implements it
// with Prometheus counters; tests use NopObserver.
type Observer interface {
	BoundarySnap(outcome string)
	SkipCountAnomaly(channelID string)
	DecisionFallback(reason string)
	CRCFailure(channelID string)
	DedupeMerge(channelID string)
	MetadataConflict(channelID string)
	LaneBusy(channelID string)
	OriginFailure(channelID string)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) BoundarySnap(string)     {}
func (NopObserver) SkipCountAnomaly(string) {}
func (NopObserver) DecisionFallback(string) {}
func (NopObserver) CRCFailure(string)       {}
func (NopObserver) DedupeMerge(string)      {}
func (NopObserver) MetadataConflict(string) {}
func (NopObserver) LaneBusy(string)         {}
func (NopObserver) OriginFailure(string)    {}
