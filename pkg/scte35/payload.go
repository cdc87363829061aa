// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"github.com/Comcast/gots/v2"
	gotsscte35 "github.com/Comcast/gots/v2/scte35"
)

// SpliceInsertParams holds the fields for synthesizing a splice_insert
// section. Operator-initiated cues carry these over the control plane
// so SGAI clients still see a standards-shaped SCTE35-OUT attribute.
type SpliceInsertParams struct {
	PTSTime               uint64 // 90 kHz, wrapped to 33 bits by the encoder
	Duration              uint64 // 90 kHz ticks; 0 means no break_duration
	SpliceEventID         uint32
	Tier                  uint16
	UniqueProgramID       uint16
	AvailNum              uint8
	AvailsExpected        uint8
	OutOfNetworkIndicator bool
	SpliceImmediateFlag   bool
	AutoReturn            bool
}

// CreateSpliceInsertPayload creates a SCTE-35 splice_info_section
// including CRC.
func CreateSpliceInsertPayload(p SpliceInsertParams) []byte {
	s := gotsscte35.CreateSCTE35()
	s.SetTier(p.Tier)
	cmd := gotsscte35.CreateSpliceInsertCommand()
	cmd.SetUniqueProgramId(p.UniqueProgramID)
	cmd.SetEventID(p.SpliceEventID)
	cmd.SetAvailNum(p.AvailNum)
	cmd.SetAvailsExpected(p.AvailsExpected)
	cmd.SetIsEventCanceled(false)
	if p.Duration != 0 {
		cmd.SetHasDuration(true)
		cmd.SetDuration(gots.PTS(p.Duration))
		cmd.SetIsAutoReturn(p.AutoReturn)
	}
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(p.PTSTime % maxPTS))
	cmd.SetIsOut(p.OutOfNetworkIndicator)
	cmd.SetSpliceImmediate(p.SpliceImmediateFlag)
	s.SetCommandInfo(cmd)
	return s.UpdateData()
}
