// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package hls provides a line-preserving codec for HLS media playlists
// and the manifest rewrites used for server-side ad insertion.
//
// Unlike general-purpose m3u8 libraries, the codec keeps every header and
// footer line verbatim so that a decode/encode round trip of an untouched
// playlist is byte-identical. Only EXT-X-MEDIA-SEQUENCE is rewritten, and
// only when segments have been removed.
package hls

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	tagExtM3U            = "#EXTM3U"
	tagVersion           = "#EXT-X-VERSION:"
	tagTargetDuration    = "#EXT-X-TARGETDURATION:"
	tagMediaSequence     = "#EXT-X-MEDIA-SEQUENCE:"
	tagDiscontinuitySeq  = "#EXT-X-DISCONTINUITY-SEQUENCE:"
	tagIndependent       = "#EXT-X-INDEPENDENT-SEGMENTS"
	tagExtInf            = "#EXTINF:"
	tagPDT               = "#EXT-X-PROGRAM-DATE-TIME:"
	tagDiscontinuity     = "#EXT-X-DISCONTINUITY"
	tagDateRange         = "#EXT-X-DATERANGE:"
	tagCueOut            = "#EXT-X-CUE-OUT"
	tagCueIn             = "#EXT-X-CUE-IN"
	tagStreamInf         = "#EXT-X-STREAM-INF:"
	tagEndList           = "#EXT-X-ENDLIST"
	tagKey               = "#EXT-X-KEY:"
	tagMap               = "#EXT-X-MAP:"
	tagByteRange         = "#EXT-X-BYTERANGE:"
	interstitialClass    = "com.apple.hls.interstitial"
)

// Segment is one media segment together with the tag lines that precede
// its URI. The EXTINF line is stored separately from Tags so rewrites can
// re-emit it unchanged.
type Segment struct {
	Tags     []string // tag lines before the EXTINF, original order
	ExtInf   string   // full "#EXTINF:..." line
	Duration float64  // seconds, parsed from ExtInf
	URI      string
	PDT      time.Time // zero unless HasPDT
	PDTRaw   string    // original attribute value of the PDT tag
	HasPDT   bool
}

// Playlist is a parsed HLS media playlist: verbatim header lines, the
// ordered segments, and verbatim footer lines.
type Playlist struct {
	Header        []string
	Segments      []Segment
	Footer        []string
	MediaSequence int64

	mediaSeqIdx int // index into Header of the media-sequence line, -1 if absent
}

// Decode parses a media playlist. It fails if the input does not start
// with #EXTM3U. Unknown tags are preserved: header tags stay in Header,
// segment-scoped tags attach to the following segment, and anything after
// the last URI goes to Footer.
func Decode(r io.Reader) (*Playlist, error) {
	p := &Playlist{mediaSeqIdx: -1}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var cur Segment
	var pending []string
	inSegments := false
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			if strings.TrimSpace(line) != tagExtM3U {
				return nil, fmt.Errorf("not an HLS playlist: first line %q", line)
			}
			first = false
			p.Header = append(p.Header, line)
			continue
		}
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, tagExtInf):
			inSegments = true
			cur.Tags = append(cur.Tags, pending...)
			pending = nil
			cur.ExtInf = line
			cur.Duration = parseExtInfDuration(line)
		case strings.HasPrefix(line, tagPDT):
			inSegments = true
			raw := line[len(tagPDT):]
			t, err := ParsePDT(raw)
			if err != nil {
				return nil, fmt.Errorf("bad EXT-X-PROGRAM-DATE-TIME %q: %w", raw, err)
			}
			cur.PDT = t
			cur.PDTRaw = raw
			cur.HasPDT = true
			pending = append(pending, line)
		case isSegmentTag(line):
			inSegments = true
			pending = append(pending, line)
		case strings.HasPrefix(line, "##"):
			// origin comment markers (e.g. "## splice") travel with the
			// segment they precede
			if inSegments {
				pending = append(pending, line)
			} else {
				p.Header = append(p.Header, line)
			}
		case strings.HasPrefix(line, "#"):
			if inSegments {
				pending = append(pending, line)
			} else {
				if strings.HasPrefix(line, tagMediaSequence) {
					n, err := strconv.ParseInt(line[len(tagMediaSequence):], 10, 64)
					if err != nil {
						return nil, fmt.Errorf("bad EXT-X-MEDIA-SEQUENCE: %w", err)
					}
					p.MediaSequence = n
					p.mediaSeqIdx = len(p.Header)
				}
				p.Header = append(p.Header, line)
			}
		default: // segment URI
			cur.Tags = append(cur.Tags, pending...)
			pending = nil
			cur.URI = line
			p.Segments = append(p.Segments, cur)
			cur = Segment{}
			inSegments = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}
	// Tags with no following URI (typically #EXT-X-ENDLIST) become footer.
	p.Footer = append(p.Footer, cur.Tags...)
	p.Footer = append(p.Footer, pending...)
	return p, nil
}

// DecodeString is Decode over a string.
func DecodeString(s string) (*Playlist, error) {
	return Decode(strings.NewReader(s))
}

// Encode renders the playlist as UTF-8 with \n-terminated lines and a
// final newline. The media-sequence header line reflects p.MediaSequence.
func (p *Playlist) Encode() []byte {
	var b strings.Builder
	for i, line := range p.Header {
		if i == p.mediaSeqIdx {
			line = tagMediaSequence + strconv.FormatInt(p.MediaSequence, 10)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, seg := range p.Segments {
		for _, t := range seg.Tags {
			b.WriteString(t)
			b.WriteByte('\n')
		}
		if seg.ExtInf != "" {
			b.WriteString(seg.ExtInf)
			b.WriteByte('\n')
		}
		b.WriteString(seg.URI)
		b.WriteByte('\n')
	}
	for _, line := range p.Footer {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (p *Playlist) String() string { return string(p.Encode()) }

// SetMediaSequence renumbers the playlist. If the header had no
// media-sequence line one is inserted after #EXTM3U.
func (p *Playlist) SetMediaSequence(n int64) {
	p.MediaSequence = n
	if p.mediaSeqIdx >= 0 {
		return
	}
	hdr := make([]string, 0, len(p.Header)+1)
	hdr = append(hdr, p.Header[0])
	hdr = append(hdr, tagMediaSequence+strconv.FormatInt(n, 10))
	hdr = append(hdr, p.Header[1:]...)
	p.mediaSeqIdx = 1
	p.Header = hdr
}

// TargetDuration returns the EXT-X-TARGETDURATION value, or 0.
func (p *Playlist) TargetDuration() float64 {
	for _, line := range p.Header {
		if strings.HasPrefix(line, tagTargetDuration) {
			d, err := strconv.ParseFloat(line[len(tagTargetDuration):], 64)
			if err == nil {
				return d
			}
		}
	}
	return 0
}

// ExtractPDTs returns the raw PDT attribute value of every segment that
// carries one, in playlist order.
func ExtractPDTs(p *Playlist) []string {
	var out []string
	for _, seg := range p.Segments {
		if seg.HasPDT {
			out = append(out, seg.PDTRaw)
		}
	}
	return out
}

// NewestPDT returns the PDT of the last segment carrying one, and whether
// any segment did.
func (p *Playlist) NewestPDT() (time.Time, bool) {
	for i := len(p.Segments) - 1; i >= 0; i-- {
		if p.Segments[i].HasPDT {
			return p.Segments[i].PDT, true
		}
	}
	return time.Time{}, false
}

// ExtractBitrates reads BANDWIDTH attributes from every
// #EXT-X-STREAM-INF line of a master playlist and returns the ladder in
// kbps, sorted ascending with duplicates removed.
func ExtractBitrates(master string) []int {
	seen := map[int]bool{}
	var out []int
	for _, line := range strings.Split(master, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, tagStreamInf) {
			continue
		}
		for _, a := range ParseAttrList(line[len(tagStreamInf):]) {
			if a.Key != "BANDWIDTH" {
				continue
			}
			bps, err := strconv.Atoi(a.Value)
			if err != nil {
				continue
			}
			kbps := bps / 1000
			if !seen[kbps] {
				seen[kbps] = true
				out = append(out, kbps)
			}
		}
	}
	// ladders are short; insertion sort keeps this allocation-free
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IsMasterPlaylist reports whether the manifest contains stream variants.
func IsMasterPlaylist(manifest string) bool {
	return strings.Contains(manifest, tagStreamInf)
}

// Attr is one key/value pair from an HLS attribute list. Quoted records
// whether the value was enclosed in double quotes in the source.
type Attr struct {
	Key    string
	Value  string
	Quoted bool
}

// ParseAttrList splits a comma-separated HLS attribute list, honoring
// quoted string values that may themselves contain commas.
func ParseAttrList(s string) []Attr {
	var attrs []Attr
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		quoted := false
		if len(s) > 0 && s[0] == '"' {
			quoted = true
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val = s[1:]
				s = ""
			} else {
				val = s[1 : 1+end]
				s = s[2+end:]
				s = strings.TrimPrefix(s, ",")
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				val = s
				s = ""
			} else {
				val = s[:end]
				s = s[end+1:]
			}
		}
		attrs = append(attrs, Attr{Key: key, Value: val, Quoted: quoted})
	}
	return attrs
}

// AttrValue returns the value for key, or "".
func AttrValue(attrs []Attr, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// ParsePDT parses an EXT-X-PROGRAM-DATE-TIME value (ISO-8601, optional
// fractional seconds).
func ParsePDT(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	// some packagers omit the colon in the zone offset
	return time.Parse("2006-01-02T15:04:05.999999999Z0700", s)
}

// FormatPDT renders a PDT the way stitchd emits them: millisecond
// precision, UTC.
func FormatPDT(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseExtInfDuration(line string) float64 {
	v := line[len(tagExtInf):]
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return d
}

// isSegmentTag reports whether a line is a per-segment tag that should
// attach to the following URI.
func isSegmentTag(line string) bool {
	switch {
	case line == tagDiscontinuity,
		strings.HasPrefix(line, tagDateRange),
		strings.HasPrefix(line, tagCueOut),
		strings.HasPrefix(line, tagCueIn),
		strings.HasPrefix(line, tagKey),
		strings.HasPrefix(line, tagMap),
		strings.HasPrefix(line, tagByteRange):
		return true
	}
	return false
}
