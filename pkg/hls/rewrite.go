// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// minRemainingSegments is the smallest live window we are willing to
// leave after an ad splice. Rewrites that would leave fewer content
// segments fall through to the unmodified origin.
const minRemainingSegments = 3

var (
	// ErrStartPDTNotFound means the break start has rolled out of the
	// live window (late joiner) or the origin PDTs shifted.
	ErrStartPDTNotFound = errors.New("start PDT not present in manifest")
	// ErrInsufficientWindow means the splice would truncate the playlist
	// below the minimum window.
	ErrInsufficientWindow = errors.New("too few segments would remain after break")
)

// SnapOutcome records how ad-pod duration was reconciled with the
// signalled break duration.
type SnapOutcome string

const (
	SnapExact    SnapOutcome = "exact"
	SnapPadded   SnapOutcome = "padded"
	SnapTrimmed  SnapOutcome = "trimmed"
	SnapUnderrun SnapOutcome = "underrun"
	SnapOverrun  SnapOutcome = "overrun"
	SnapFallback SnapOutcome = "fallback"
)

// snapToleranceSec is the boundary-snap dead zone: ad pods within this
// distance of the signalled duration are used as-is.
const snapToleranceSec = 0.5

// AdSegment is one segment of an ad pod (or slate) playlist.
type AdSegment struct {
	URI      string
	Duration float64
	Slate    bool
}

// SkipPlan describes which content segments a break replaces.
type SkipPlan struct {
	SegmentsSkipped   int
	DurationSkipped   float64
	StableSkipCount   int
	ResumePDT         string
	RemainingSegments int
}

// SkipPlanOptions selects between duration-driven and bound skip counts.
// A StableSkipCount > 0 wins over SCTE35Duration.
type SkipPlanOptions struct {
	SCTE35Duration  float64
	StableSkipCount int
}

// CalculateSkipPlan finds the segment whose PDT equals startPDT and
// counts the segments a break of the given duration replaces. With a
// bound StableSkipCount the duration is ignored and exactly that count
// is used. Returns ErrStartPDTNotFound when the PDT is not in the
// manifest.
func CalculateSkipPlan(p *Playlist, startPDT time.Time, opts SkipPlanOptions) (*SkipPlan, error) {
	start := findPDTIndex(p, startPDT)
	if start < 0 {
		return nil, ErrStartPDTNotFound
	}
	n := 0
	dur := 0.0
	if opts.StableSkipCount > 0 {
		for i := start; i < len(p.Segments) && n < opts.StableSkipCount; i++ {
			dur += p.Segments[i].Duration
			n++
		}
	} else {
		for i := start; i < len(p.Segments) && dur < opts.SCTE35Duration; i++ {
			dur += p.Segments[i].Duration
			n++
		}
	}
	plan := &SkipPlan{
		SegmentsSkipped:   n,
		DurationSkipped:   dur,
		StableSkipCount:   n,
		RemainingSegments: len(p.Segments) - start - n,
	}
	if resume := start + n; resume < len(p.Segments) && p.Segments[resume].HasPDT {
		plan.ResumePDT = p.Segments[resume].PDTRaw
	}
	return plan, nil
}

// ReplaceResult is the outcome of an SSAI splice.
type ReplaceResult struct {
	Playlist         *Playlist
	SegmentsSkipped  int
	DurationSkipped  float64
	ActualAdDuration float64
	Snap             SnapOutcome
	Leading          []string
	Trailing         []string
	ResumePDT        string
}

// ReplaceSegmentsWithAds splices the ad pod into the playlist in place
// of the content segments starting at startPDT. With stableSkipCount > 0
// exactly that many segments are replaced regardless of durations, which
// is what keeps every rendition of a break aligned. slate is used for
// boundary snapping and may be nil.
//
// The rewrite is deterministic for a given (input, stableSkipCount):
// identical leading decorations, ad list, resume PDT, and media
// sequence.
func ReplaceSegmentsWithAds(p *Playlist, startPDT time.Time, ads []AdSegment,
	plannedDuration float64, stableSkipCount int, slate []AdSegment) (*ReplaceResult, error) {

	start := findPDTIndex(p, startPDT)
	if start < 0 {
		return nil, ErrStartPDTNotFound
	}

	skip := 0
	skippedDur := 0.0
	if stableSkipCount > 0 {
		for i := start; i < len(p.Segments) && skip < stableSkipCount; i++ {
			skippedDur += p.Segments[i].Duration
			skip++
		}
	} else {
		for i := start; i < len(p.Segments) && skippedDur < plannedDuration; i++ {
			skippedDur += p.Segments[i].Duration
			skip++
		}
	}
	if skip == 0 {
		return nil, ErrStartPDTNotFound
	}
	if len(p.Segments)-(start+skip) < minRemainingSegments {
		return nil, ErrInsufficientWindow
	}

	// Gather decorations from the replaced region. The first replaced
	// segment contributes its PDT; DATERANGEs and CUE-OUTs anywhere in
	// the region lead the break, CUE-INs trail it.
	var leading, trailing []string
	if p.Segments[start].HasPDT {
		leading = append(leading, tagPDT+p.Segments[start].PDTRaw)
	}
	for i := start; i < start+skip; i++ {
		for _, t := range p.Segments[i].Tags {
			switch {
			case strings.HasPrefix(t, tagPDT):
				// only the break-start PDT leads
			case strings.HasPrefix(t, tagDateRange):
				if !isOriginSCTE35DateRange(t) {
					leading = append(leading, t)
				}
			case strings.HasPrefix(t, tagCueOut):
				leading = append(leading, t)
			case strings.HasPrefix(t, tagCueIn):
				trailing = append(trailing, t)
			}
		}
	}
	sortDecorations(leading)
	sortDecorations(trailing)

	ads, snap := snapToBoundary(ads, slate, skippedDur)
	actual := 0.0
	for _, a := range ads {
		actual += a.Duration
	}

	out := &Playlist{
		Header:        append([]string(nil), p.Header...),
		Footer:        append([]string(nil), p.Footer...),
		MediaSequence: p.MediaSequence,
		mediaSeqIdx:   p.mediaSeqIdx,
	}
	out.Segments = append(out.Segments, p.Segments[:start]...)
	for i, a := range ads {
		seg := Segment{
			ExtInf:   fmt.Sprintf("%s%s,", tagExtInf, formatDuration(a.Duration)),
			Duration: a.Duration,
			URI:      a.URI,
		}
		if i == 0 {
			seg.Tags = append(seg.Tags, leading...)
			seg.Tags = append(seg.Tags, tagDiscontinuity)
		}
		out.Segments = append(out.Segments, seg)
	}
	resume := p.Segments[start+skip]
	resumeTags := make([]string, 0, len(resume.Tags)+1+len(trailing))
	resumeTags = append(resumeTags, tagDiscontinuity)
	resumeTags = append(resumeTags, trailing...)
	resumeTags = append(resumeTags, resume.Tags...)
	resume.Tags = resumeTags
	out.Segments = append(out.Segments, resume)
	out.Segments = append(out.Segments, p.Segments[start+skip+1:]...)

	// The playlist head is intact, so the sequence base is unchanged;
	// SetMediaSequence still guarantees the tag is present.
	out.SetMediaSequence(p.MediaSequence)

	res := &ReplaceResult{
		Playlist:         out,
		SegmentsSkipped:  skip,
		DurationSkipped:  skippedDur,
		ActualAdDuration: actual,
		Snap:             snap,
		Leading:          leading,
		Trailing:         trailing,
	}
	if p.Segments[start+skip].HasPDT {
		res.ResumePDT = p.Segments[start+skip].PDTRaw
	}
	return res, nil
}

// InterstitialOpts parameterizes an SGAI DATERANGE injection.
type InterstitialOpts struct {
	ID            string
	StartPDT      string
	DurationSec   float64
	AssetURI      string
	SCTE35Payload []byte // optional, emitted as SCTE35-OUT=0x<hex>
}

// InjectInterstitial inserts exactly one interstitial DATERANGE before
// the first segment tag. Attribute order is fixed: ID, CLASS,
// START-DATE, DURATION, X-ASSET-URI, SCTE35-OUT.
func InjectInterstitial(p *Playlist, opts InterstitialOpts) *Playlist {
	var b strings.Builder
	b.WriteString(tagDateRange)
	fmt.Fprintf(&b, "ID=%q", opts.ID)
	fmt.Fprintf(&b, ",CLASS=%q", interstitialClass)
	fmt.Fprintf(&b, ",START-DATE=%q", opts.StartPDT)
	fmt.Fprintf(&b, ",DURATION=%s", formatDuration(opts.DurationSec))
	fmt.Fprintf(&b, ",X-ASSET-URI=%q", opts.AssetURI)
	if len(opts.SCTE35Payload) > 0 {
		fmt.Fprintf(&b, ",SCTE35-OUT=0x%X", opts.SCTE35Payload)
	}
	out := &Playlist{
		Header:        append(append([]string(nil), p.Header...), b.String()),
		Segments:      append([]Segment(nil), p.Segments...),
		Footer:        append([]string(nil), p.Footer...),
		MediaSequence: p.MediaSequence,
		mediaSeqIdx:   p.mediaSeqIdx,
	}
	return out
}

// StripOriginSCTE35 removes origin-sourced SCTE-35 decorations: SCTE
// DATERANGEs (interstitial DATERANGEs are preserved), CUE-OUT/CUE-IN
// tags, and ## splice comment markers. Segment URIs and PDTs are left
// untouched and the operation is idempotent.
func StripOriginSCTE35(p *Playlist) *Playlist {
	out := &Playlist{
		Header:        stripSCTELines(p.Header),
		Footer:        stripSCTELines(p.Footer),
		MediaSequence: p.MediaSequence,
	}
	out.mediaSeqIdx = -1
	for i, line := range out.Header {
		if strings.HasPrefix(line, tagMediaSequence) {
			out.mediaSeqIdx = i
		}
	}
	for _, seg := range p.Segments {
		seg.Tags = stripSCTELines(seg.Tags)
		out.Segments = append(out.Segments, seg)
	}
	return out
}

func stripSCTELines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if isOriginSCTE35Line(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isOriginSCTE35Line(line string) bool {
	switch {
	case strings.HasPrefix(line, tagDateRange):
		return isOriginSCTE35DateRange(line)
	case strings.HasPrefix(line, tagCueOut), strings.HasPrefix(line, tagCueIn):
		return true
	case strings.HasPrefix(line, "##"):
		l := strings.ToLower(line)
		return strings.Contains(l, "scte") || strings.Contains(l, "splice") || strings.Contains(l, "cue")
	}
	return false
}

func isOriginSCTE35DateRange(line string) bool {
	attrs := ParseAttrList(line[len(tagDateRange):])
	if strings.EqualFold(AttrValue(attrs, "CLASS"), interstitialClass) {
		return false
	}
	for _, a := range attrs {
		switch a.Key {
		case "SCTE35-CMD", "SCTE35-OUT", "SCTE35-IN":
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(AttrValue(attrs, "CLASS")), "scte35")
}

// snapToBoundary reconciles ad-pod duration with the break duration:
// within 0.5s nothing changes; shorter pods are padded with slate;
// longer pods lose trailing slate segments (ad segments are never
// trimmed).
func snapToBoundary(ads []AdSegment, slate []AdSegment, breakDur float64) ([]AdSegment, SnapOutcome) {
	total := 0.0
	for _, a := range ads {
		total += a.Duration
	}
	diff := breakDur - total
	if diff >= -snapToleranceSec && diff <= snapToleranceSec {
		return ads, SnapExact
	}
	if diff > 0 { // pod shorter than the break
		if len(slate) == 0 {
			return ads, SnapUnderrun
		}
		out := append([]AdSegment(nil), ads...)
		i := 0
		for total < breakDur-snapToleranceSec {
			s := slate[i%len(slate)]
			s.Slate = true
			out = append(out, s)
			total += s.Duration
			i++
		}
		return out, SnapPadded
	}
	// pod longer than the break; drop trailing slate only
	out := append([]AdSegment(nil), ads...)
	for len(out) > 0 && out[len(out)-1].Slate && total-breakDur > snapToleranceSec {
		total -= out[len(out)-1].Duration
		out = out[:len(out)-1]
	}
	if total-breakDur > snapToleranceSec {
		return out, SnapOverrun
	}
	return out, SnapTrimmed
}

// decoration priority: PDT < DATERANGE < CUE-OUT < other
func decorationRank(line string) int {
	switch {
	case strings.HasPrefix(line, tagPDT):
		return 0
	case strings.HasPrefix(line, tagDateRange):
		return 1
	case strings.HasPrefix(line, tagCueOut):
		return 2
	}
	return 3
}

func sortDecorations(lines []string) {
	sort.SliceStable(lines, func(i, j int) bool {
		return decorationRank(lines[i]) < decorationRank(lines[j])
	})
}

func findPDTIndex(p *Playlist, pdt time.Time) int {
	for i, seg := range p.Segments {
		if seg.HasPDT && seg.PDT.Equal(pdt) {
			return i
		}
	}
	return -1
}

func formatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', 3, 64)
}
