// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstitch/stitchd/pkg/hls"
)

var basePDT = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func decodeLive(t *testing.T, n int) *hls.Playlist {
	t.Helper()
	p, err := hls.DecodeString(livePlaylist(n))
	require.NoError(t, err)
	return p
}

func adPod(durations ...float64) []hls.AdSegment {
	var out []hls.AdSegment
	for i, d := range durations {
		out = append(out, hls.AdSegment{
			URI:      fmt.Sprintf("https://ads.example.com/pod/ad%d.ts", i),
			Duration: d,
		})
	}
	return out
}

func TestCalculateSkipPlan(t *testing.T) {
	p := decodeLive(t, 10)
	start := basePDT.Add(12 * time.Second) // seg102

	t.Run("duration driven", func(t *testing.T) {
		plan, err := hls.CalculateSkipPlan(p, start, hls.SkipPlanOptions{SCTE35Duration: 18})
		require.NoError(t, err)
		assert.Equal(t, 3, plan.SegmentsSkipped)
		assert.Equal(t, 18.0, plan.DurationSkipped)
		assert.Equal(t, 3, plan.StableSkipCount)
		assert.Equal(t, 5, plan.RemainingSegments)
		assert.Equal(t, "2026-01-02T10:00:30.000Z", plan.ResumePDT)
	})

	t.Run("stable count wins over duration", func(t *testing.T) {
		plan, err := hls.CalculateSkipPlan(p, start, hls.SkipPlanOptions{
			SCTE35Duration:  18,
			StableSkipCount: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, plan.SegmentsSkipped)
		assert.Equal(t, 12.0, plan.DurationSkipped)
	})

	t.Run("pdt not in window", func(t *testing.T) {
		_, err := hls.CalculateSkipPlan(p, basePDT.Add(-time.Hour), hls.SkipPlanOptions{SCTE35Duration: 18})
		assert.ErrorIs(t, err, hls.ErrStartPDTNotFound)
	})
}

func TestReplaceSegmentsWithAds(t *testing.T) {
	start := basePDT.Add(12 * time.Second)
	res, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, adPod(6, 6, 6), 18, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.SegmentsSkipped)
	assert.Equal(t, 18.0, res.DurationSkipped)
	assert.Equal(t, 18.0, res.ActualAdDuration)
	assert.Equal(t, hls.SnapExact, res.Snap)
	assert.Equal(t, "2026-01-02T10:00:30.000Z", res.ResumePDT)

	out := res.Playlist
	require.Len(t, out.Segments, 10)

	// the first ad segment carries the break-start PDT and the splice
	// discontinuity; later ad segments are bare
	firstAd := out.Segments[2]
	assert.Equal(t, "https://ads.example.com/pod/ad0.ts", firstAd.URI)
	assert.Equal(t, []string{
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:12.000Z",
		"#EXT-X-DISCONTINUITY",
	}, firstAd.Tags)
	assert.Empty(t, out.Segments[3].Tags)

	// the resume segment leads with a discontinuity and keeps its PDT
	resume := out.Segments[5]
	assert.Equal(t, "seg105.ts", resume.URI)
	require.NotEmpty(t, resume.Tags)
	assert.Equal(t, "#EXT-X-DISCONTINUITY", resume.Tags[0])
	assert.Contains(t, resume.Tags, "#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:30.000Z")

	// the head is untouched so the sequence base must not change
	encoded := string(out.Encode())
	assert.Contains(t, encoded, "#EXT-X-MEDIA-SEQUENCE:100\n")
	assert.NotContains(t, encoded, "seg102.ts")
	assert.NotContains(t, encoded, "seg104.ts")
	assert.Contains(t, encoded, "seg101.ts")
	assert.Contains(t, encoded, "seg105.ts")
}

func TestReplaceIsDeterministic(t *testing.T) {
	start := basePDT.Add(12 * time.Second)
	first, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, adPod(6, 6, 6), 18, 3, nil)
	require.NoError(t, err)
	second, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, adPod(6, 6, 6), 18, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Playlist.Encode(), second.Playlist.Encode())
	assert.Equal(t, first.SegmentsSkipped, second.SegmentsSkipped)
}

func TestReplaceStableSkipCount(t *testing.T) {
	// a bound skip count overrides what the duration would pick
	start := basePDT.Add(12 * time.Second)
	res, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, adPod(6, 6), 18, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SegmentsSkipped)
	assert.Equal(t, 12.0, res.DurationSkipped)
}

func TestReplaceInsufficientWindow(t *testing.T) {
	start := basePDT.Add(36 * time.Second) // seg106 of 10
	_, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, adPod(6, 6), 12, 0, nil)
	assert.ErrorIs(t, err, hls.ErrInsufficientWindow)
}

func TestReplaceStartPDTNotFound(t *testing.T) {
	_, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), basePDT.Add(3*time.Second), adPod(6), 6, 0, nil)
	assert.ErrorIs(t, err, hls.ErrStartPDTNotFound)
}

func TestBoundarySnap(t *testing.T) {
	start := basePDT.Add(12 * time.Second)
	slate := []hls.AdSegment{{URI: "https://ads.example.com/slate/s.ts", Duration: 4, Slate: true}}

	cases := []struct {
		desc       string
		ads        []hls.AdSegment
		slate      []hls.AdSegment
		wantSnap   hls.SnapOutcome
		wantActual float64
	}{
		{
			desc:       "short pod padded with slate",
			ads:        adPod(6, 6),
			slate:      slate,
			wantSnap:   hls.SnapPadded,
			wantActual: 20,
		},
		{
			desc:       "short pod without slate underruns",
			ads:        adPod(6, 6),
			wantSnap:   hls.SnapUnderrun,
			wantActual: 12,
		},
		{
			desc: "trailing slate trimmed",
			ads: append(adPod(6, 6, 6),
				hls.AdSegment{URI: "s1.ts", Duration: 6, Slate: true},
				hls.AdSegment{URI: "s2.ts", Duration: 6, Slate: true}),
			wantSnap:   hls.SnapTrimmed,
			wantActual: 18,
		},
		{
			desc:       "long pod of real ads overruns",
			ads:        adPod(8, 8, 8),
			wantSnap:   hls.SnapOverrun,
			wantActual: 24,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			// 3 skipped segments = an 18s break
			res, err := hls.ReplaceSegmentsWithAds(decodeLive(t, 10), start, tc.ads, 18, 3, tc.slate)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSnap, res.Snap)
			assert.Equal(t, tc.wantActual, res.ActualAdDuration)
		})
	}
}

func TestReplaceDecorationOrder(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-MEDIA-SEQUENCE:100\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:00.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg100.ts\n" +
		"#EXT-X-CUE-OUT:12\n" +
		"#EXT-X-DATERANGE:ID=\"chapter-7\",CLASS=\"com.example.chapter\",START-DATE=\"2026-01-02T10:00:06.000Z\"\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:06.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg101.ts\n" +
		"#EXT-X-CUE-IN\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:12.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg102.ts\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:18.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg103.ts\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:24.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg104.ts\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:30.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg105.ts\n"
	p, err := hls.DecodeString(input)
	require.NoError(t, err)

	res, err := hls.ReplaceSegmentsWithAds(p, basePDT.Add(6*time.Second), adPod(6, 6), 12, 2, nil)
	require.NoError(t, err)

	// PDT before non-SCTE DATERANGE before CUE-OUT; the CUE-IN from the
	// replaced region trails into the resume segment
	assert.Equal(t, []string{
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:06.000Z",
		"#EXT-X-DATERANGE:ID=\"chapter-7\",CLASS=\"com.example.chapter\",START-DATE=\"2026-01-02T10:00:06.000Z\"",
		"#EXT-X-CUE-OUT:12",
	}, res.Leading)
	assert.Equal(t, []string{"#EXT-X-CUE-IN"}, res.Trailing)

	resume := res.Playlist.Segments[3]
	assert.Equal(t, "seg103.ts", resume.URI)
	require.GreaterOrEqual(t, len(resume.Tags), 2)
	assert.Equal(t, "#EXT-X-DISCONTINUITY", resume.Tags[0])
	assert.Equal(t, "#EXT-X-CUE-IN", resume.Tags[1])
}

func TestInjectInterstitial(t *testing.T) {
	p := decodeLive(t, 5)
	out := hls.InjectInterstitial(p, hls.InterstitialOpts{
		ID:            "ad_sports_1767348000",
		StartPDT:      "2026-01-02T10:00:12.000Z",
		DurationSec:   30,
		AssetURI:      "https://ads.example.com/pods/ad_sports_1767348000/index.m3u8",
		SCTE35Payload: []byte{0xFC, 0x30, 0x11},
	})

	want := `#EXT-X-DATERANGE:ID="ad_sports_1767348000",CLASS="com.apple.hls.interstitial",` +
		`START-DATE="2026-01-02T10:00:12.000Z",DURATION=30.000,` +
		`X-ASSET-URI="https://ads.example.com/pods/ad_sports_1767348000/index.m3u8",SCTE35-OUT=0xFC3011`
	require.NotEmpty(t, out.Header)
	assert.Equal(t, want, out.Header[len(out.Header)-1])

	// segments untouched, source playlist unmodified
	assert.Equal(t, p.Segments, out.Segments)
	assert.NotContains(t, string(p.Encode()), "com.apple.hls.interstitial")
}

func TestInjectInterstitialWithoutPayload(t *testing.T) {
	out := hls.InjectInterstitial(decodeLive(t, 3), hls.InterstitialOpts{
		ID:          "ad_news_1",
		StartPDT:    "2026-01-02T10:00:06.000Z",
		DurationSec: 15.5,
		AssetURI:    "https://ads.example.com/p/index.m3u8",
	})
	line := out.Header[len(out.Header)-1]
	assert.NotContains(t, line, "SCTE35-OUT")
	assert.Contains(t, line, "DURATION=15.500")
}

func TestStripOriginSCTE35(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-MEDIA-SEQUENCE:100\n" +
		"#EXT-X-DATERANGE:ID=\"pre\",CLASS=\"scte35.out\",START-DATE=\"2026-01-02T09:59:00.000Z\"\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:00.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg100.ts\n" +
		"## splice point\n" +
		"#EXT-X-CUE-OUT:30\n" +
		"#EXT-X-DATERANGE:ID=\"splice-9\",START-DATE=\"2026-01-02T10:00:06.000Z\",SCTE35-OUT=0xFC3011\n" +
		"#EXT-X-DATERANGE:ID=\"ad_x_1\",CLASS=\"com.apple.hls.interstitial\",START-DATE=\"2026-01-02T10:00:06.000Z\",DURATION=30.000,X-ASSET-URI=\"https://a/p.m3u8\"\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:06.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg101.ts\n" +
		"#EXT-X-CUE-IN\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-01-02T10:00:12.000Z\n" +
		"#EXTINF:6.000,\n" +
		"seg102.ts\n"
	p, err := hls.DecodeString(input)
	require.NoError(t, err)

	stripped := hls.StripOriginSCTE35(p)
	out := string(stripped.Encode())

	assert.NotContains(t, out, "CUE-OUT")
	assert.NotContains(t, out, "CUE-IN")
	assert.NotContains(t, out, "SCTE35-OUT")
	assert.NotContains(t, out, "scte35.out")
	assert.NotContains(t, out, "## splice point")
	assert.Contains(t, out, "com.apple.hls.interstitial")
	for _, uri := range []string{"seg100.ts", "seg101.ts", "seg102.ts"} {
		assert.Contains(t, out, uri)
	}
	assert.Equal(t, 3, strings.Count(out, "#EXT-X-PROGRAM-DATE-TIME:"))

	// idempotent
	again := hls.StripOriginSCTE35(stripped)
	assert.Equal(t, out, string(again.Encode()))

	// renumbering still targets the surviving media-sequence line
	stripped.SetMediaSequence(101)
	assert.Equal(t, 1, strings.Count(string(stripped.Encode()), "#EXT-X-MEDIA-SEQUENCE:"))
	assert.Contains(t, string(stripped.Encode()), "#EXT-X-MEDIA-SEQUENCE:101\n")
}
