// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package scte35 decodes SCTE-35 splice information as carried in HLS
// DATERANGE tags, either as attribute metadata or as a hex-encoded
// binary splice_info_section (SCTE-35 2022 section 9).
//
// The binary decoder is deliberately lenient: a CRC mismatch marks the
// signal CRCValid=false instead of failing, so the ad-break state
// machine can apply policy. Payload synthesis (the reverse direction)
// is done with Comcast gots, see payload.go.
package scte35

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignalType classifies a splice signal for break handling.
type SignalType int

const (
	TypeCmd SignalType = iota
	TypeOut
	TypeIn
)

func (t SignalType) String() string {
	switch t {
	case TypeOut:
		return "out"
	case TypeIn:
		return "in"
	default:
		return "cmd"
	}
}

// Signal is the parsed form of one SCTE-35 splice signal.
type Signal struct {
	EventID     string
	Type        SignalType
	PTS         *uint64  // 90 kHz ticks, nil if the signal carried none
	DurationSec *float64 // nil if the signal carried none
	Tier        uint16   // 12 bits
	Raw         []byte   // binary section, nil for attribute-only signals
	CRCValid    bool
	UPID        []byte
	StartDate   string // ISO-8601, from the DATERANGE START-DATE attribute
	AutoReturn  bool

	// MetadataConflict is set when attribute and binary forms disagree
	// on duration by more than 250 ms. Binary wins; the flag feeds
	// telemetry.
	MetadataConflict bool
}

const (
	tableID         = 0xFC
	cmdSpliceInsert = 0x05
	cmdTimeSignal   = 0x06

	maxPTS = uint64(1) << 33
)

var (
	ErrNotSpliceInfo = errors.New("not a splice_info_section")
	ErrEncrypted     = errors.New("encrypted splice_info_section")
	ErrTruncated     = errors.New("truncated splice_info_section")
)

// DecodeHex decodes a hex payload (with or without 0x prefix).
func DecodeHex(s string) (*Signal, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("scte35 hex: %w", err)
	}
	return DecodeBytes(b)
}

// DecodeBytes parses a binary splice_info_section. CRC failure is not an
// error; the returned signal has CRCValid=false.
func DecodeBytes(b []byte) (*Signal, error) {
	if len(b) < 20 {
		return nil, ErrTruncated
	}
	br := newBitReader(b)
	if br.bits(8) != tableID {
		return nil, ErrNotSpliceInfo
	}
	br.skip(1 + 1 + 2) // section_syntax, private, sap_type
	sectionLength := int(br.bits(12))
	if sectionLength+3 > len(b) {
		return nil, ErrTruncated
	}
	br.skip(8) // protocol_version
	encrypted := br.bits(1) == 1
	if encrypted {
		return nil, ErrEncrypted
	}
	br.skip(6)  // encryption_algorithm
	br.skip(33) // pts_adjustment
	br.skip(8)  // cw_index
	tier := uint16(br.bits(12))
	cmdLength := int(br.bits(12))
	cmdType := int(br.bits(8))

	sig := &Signal{Tier: tier, Raw: append([]byte(nil), b...)}

	cmdStart := br.pos()
	switch cmdType {
	case cmdSpliceInsert:
		parseSpliceInsert(br, sig)
	case cmdTimeSignal:
		parseSpliceTime(br, sig)
		sig.Type = TypeCmd // refined by segmentation descriptors below
	default:
		sig.Type = TypeCmd
	}
	if cmdLength != 0xFFF { // legacy "unknown length" marker
		br.seek(cmdStart + cmdLength*8)
	}
	if br.err != nil {
		return nil, ErrTruncated
	}

	descLoopLength := int(br.bits(16))
	parseDescriptors(br, descLoopLength, sig, cmdType)
	if br.err != nil {
		return nil, ErrTruncated
	}

	sig.CRCValid = verifyCRC(b[:sectionLength+3])
	return sig, nil
}

func parseSpliceInsert(br *bitReader, sig *Signal) {
	eventID := br.bits(32)
	sig.EventID = fmt.Sprintf("%d", eventID)
	cancel := br.bits(1) == 1
	br.skip(7)
	if cancel {
		sig.Type = TypeCmd
		return
	}
	outOfNetwork := br.bits(1) == 1
	programSplice := br.bits(1) == 1
	durationFlag := br.bits(1) == 1
	immediate := br.bits(1) == 1
	br.skip(4)
	if outOfNetwork {
		sig.Type = TypeOut
	} else {
		sig.Type = TypeIn
	}
	if programSplice && !immediate {
		parseSpliceTime(br, sig)
	}
	if !programSplice {
		n := int(br.bits(8))
		for i := 0; i < n; i++ {
			br.skip(8)
			if !immediate {
				parseSpliceTime(br, sig)
			}
		}
	}
	if durationFlag {
		sig.AutoReturn = br.bits(1) == 1
		br.skip(6)
		ticks := br.bits(33)
		d := float64(ticks) / 90000.0
		sig.DurationSec = &d
	}
	br.skip(16 + 8 + 8) // unique_program_id, avail_num, avails_expected
}

func parseSpliceTime(br *bitReader, sig *Signal) {
	specified := br.bits(1) == 1
	if specified {
		br.skip(6)
		pts := br.bits(33)
		sig.PTS = &pts
	} else {
		br.skip(7)
	}
}

// segmentation type ids that open and close advertisement-class breaks
var segTypeOut = map[int]bool{
	0x22: true, // break start
	0x30: true, // provider advertisement start
	0x32: true, // distributor advertisement start
	0x34: true, // provider placement opportunity start
	0x36: true, // distributor placement opportunity start
	0x44: true, // provider ad block start
	0x46: true, // distributor ad block start
}

var segTypeIn = map[int]bool{
	0x23: true,
	0x31: true,
	0x33: true,
	0x35: true,
	0x37: true,
	0x45: true,
	0x47: true,
}

func parseDescriptors(br *bitReader, loopLength int, sig *Signal, cmdType int) {
	end := br.pos() + loopLength*8
	for br.pos()+16 <= end {
		tag := int(br.bits(8))
		length := int(br.bits(8))
		next := br.pos() + length*8
		if tag != 0x02 || length < 9 {
			br.seek(next)
			continue
		}
		br.skip(32) // identifier "CUES"
		eventID := br.bits(32)
		cancel := br.bits(1) == 1
		br.skip(7)
		if cancel {
			br.seek(next)
			continue
		}
		programSeg := br.bits(1) == 1
		durationFlag := br.bits(1) == 1
		br.skip(1 + 5) // delivery_not_restricted + restriction/reserved bits
		if !programSeg {
			// component_tag + reserved + pts_offset per entry
			n := int(br.bits(8))
			br.skip(n * (8 + 7 + 33))
		}
		if durationFlag {
			ticks := br.bits(40)
			d := float64(ticks) / 90000.0
			if sig.DurationSec == nil {
				sig.DurationSec = &d
			}
		}
		br.skip(8) // upid_type
		upidLen := int(br.bits(8))
		if upidLen > 0 {
			sig.UPID = br.bytes(upidLen)
		}
		typeID := int(br.bits(8))
		br.skip(8 + 8) // segment_num, segments_expected
		if cmdType == cmdTimeSignal {
			// time_signal classification comes from the descriptor
			switch {
			case segTypeOut[typeID]:
				sig.Type = TypeOut
				sig.EventID = fmt.Sprintf("%d", eventID)
			case segTypeIn[typeID]:
				sig.Type = TypeIn
				sig.EventID = fmt.Sprintf("%d", eventID)
			}
		}
		br.seek(next)
	}
	br.seek(end)
}

// verifyCRC checks the trailing CRC-32/MPEG-2 (poly 0x04C11DB7,
// non-reflected, init 0xFFFFFFFF, no final xor) over the full section.
// A correct section yields 0 when the CRC bytes are included.
func verifyCRC(section []byte) bool {
	return crc32MPEG2(section) == 0
}

func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// bitReader reads big-endian bit fields; errors are sticky and checked
// once at the end of a parse.
type bitReader struct {
	data []byte
	bit  int
	err  error
}

func newBitReader(b []byte) *bitReader { return &bitReader{data: b} }

func (r *bitReader) pos() int { return r.bit }

func (r *bitReader) seek(bit int) {
	if bit < 0 || bit > len(r.data)*8 {
		r.err = ErrTruncated
		return
	}
	r.bit = bit
}

func (r *bitReader) skip(n int) { r.seek(r.bit + n) }

func (r *bitReader) bits(n int) uint64 {
	if r.err != nil {
		return 0
	}
	if r.bit+n > len(r.data)*8 {
		r.err = ErrTruncated
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := r.bit >> 3
		bitIdx := 7 - r.bit&7
		v = v<<1 | uint64(r.data[byteIdx]>>bitIdx&1)
		r.bit++
	}
	return v
}

func (r *bitReader) bytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.bits(8))
	}
	if r.err != nil {
		return nil
	}
	return out
}
