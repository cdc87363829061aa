// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultOnDemandTimeout bounds decision calls on the request path.
	DefaultOnDemandTimeout = 2 * time.Second
	// DefaultBreakOpenTimeout applies when a break is first created and
	// the caller can afford to wait longer for a real decision.
	DefaultBreakOpenTimeout = 5 * time.Second
)

// Client calls the decision collaborator over HTTP.
type Client struct {
	Endpoint         string
	HTTPClient       *http.Client
	OnDemandTimeout  time.Duration
	BreakOpenTimeout time.Duration

	// SlatePodID / SlatePodURL construct the fallback decision when the
	// collaborator fails and the channel has slate configured.
	SlatePodID  string
	SlatePodURL string
}

// NewClient returns a client with default timeouts.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:         endpoint,
		HTTPClient:       &http.Client{},
		OnDemandTimeout:  DefaultOnDemandTimeout,
		BreakOpenTimeout: DefaultBreakOpenTimeout,
	}
}

// Decide obtains an ad decision. breakOpen selects the longer timeout
// used at break creation. Failures never propagate as errors visible to
// the viewer: the slate fallback is returned when configured, otherwise
// an empty decision (callers then suppress the ad).
func (c *Client) Decide(ctx context.Context, req Request, breakOpen bool) *Decision {
	timeout := c.OnDemandTimeout
	if breakOpen {
		timeout = c.BreakOpenTimeout
	}
	if timeout <= 0 {
		timeout = DefaultOnDemandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := c.post(ctx, req)
	if err != nil {
		slog.Warn("decision request failed, using fallback",
			"channel", req.Channel, "err", err)
		return c.fallback(req)
	}
	return d
}

func (c *Client) post(ctx context.Context, req Request) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal decision request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Endpoint+"/decision", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("decision status %d", resp.StatusCode)
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}

// fallback builds the slate decision, or an empty one when no slate is
// configured. Every bitrate points at the slate playlist so rendition
// selection still works.
func (c *Client) fallback(req Request) *Decision {
	if c.SlatePodURL == "" {
		return &Decision{Pod: Pod{PodID: "empty", DurationSec: req.DurationSec}}
	}
	podID := c.SlatePodID
	if podID == "" {
		podID = "slate"
	}
	return &Decision{
		Slate: true,
		Pod: Pod{
			PodID:       podID,
			DurationSec: req.DurationSec,
			Items: []PodItem{
				{AdID: podID, Bitrate: 0, PlaylistURL: c.SlatePodURL},
			},
		},
	}
}
