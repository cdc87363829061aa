// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package serializer

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/streamstitch/stitchd/internal/adbreak"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/pkg/hls"
)

// ErrNoFastPath means the projection is not renderable without the
// lane; callers fall through to Serve.
var ErrNoFastPath = errors.New("projection needs the serializer")

// ServeFast renders a mid-break manifest directly from a KV projection,
// bypassing the channel lane. It never mutates break state: SSAI
// requires the skip count to already be bound (otherwise this replica
// could bind a different count than the lane), SGAI needs only the
// decision. The projection is advisory; anything missing falls through.
func (m *Manager) ServeFast(ctx context.Context, req Request, proj *adbreak.Projection) (*Result, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	st := adbreak.FromProjection(proj)
	if !st.ActiveAt(now) || st.Decision.Empty() {
		return nil, ErrNoFastPath
	}
	if req.Mode != channel.ModeSGAI && st.Plan == nil {
		return nil, ErrNoFastPath
	}

	body, err := m.origin.FetchVariant(ctx, req.Channel, req.Variant)
	if err != nil {
		return nil, ErrNoFastPath
	}
	pl, err := hls.Decode(bytes.NewReader(body))
	if err != nil || hls.IsMasterPlaylist(string(body)) {
		return nil, ErrNoFastPath
	}
	startPDT, ok := breakStartPDT(st, pl)
	if !ok {
		return nil, ErrNoFastPath
	}
	if req.Mode == channel.ModeSGAI {
		return m.renderSGAI(req.Channel, st, pl, startPDT), nil
	}
	return m.renderSSAI(ctx, req.Channel, st, pl, startPDT, req, now)
}
