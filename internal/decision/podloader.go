// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/streamstitch/stitchd/pkg/hls"
)

// PodLoader fetches ad-pod media playlists and flattens them into the
// segment lists the splicer consumes.
type PodLoader struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewPodLoader() *PodLoader {
	return &PodLoader{HTTPClient: &http.Client{}, Timeout: 2 * time.Second}
}

// Load fetches and parses an ad playlist, retrying transient failures
// with 100/200/400 ms backoff (3 attempts total). On final failure the
// caller suppresses the ad.
func (l *PodLoader) Load(ctx context.Context, playlistURL string, slate bool) ([]hls.AdSegment, float64, error) {
	var segs []hls.AdSegment
	var total float64

	op := func() error {
		s, t, err := l.fetchOnce(ctx, playlistURL, slate)
		if err != nil {
			return err
		}
		segs, total = s, t
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return nil, 0, fmt.Errorf("load ad playlist %s: %w", playlistURL, err)
	}
	return segs, total, nil
}

func (l *PodLoader) fetchOnce(ctx context.Context, playlistURL string, slate bool) ([]hls.AdSegment, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("ad playlist status %d", resp.StatusCode)
	}
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(resp.Body), true)
	if err != nil {
		return nil, 0, fmt.Errorf("parse ad playlist: %w", err)
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, 0, fmt.Errorf("ad playlist is not a media playlist")
	}
	var segs []hls.AdSegment
	var total float64
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		segs = append(segs, hls.AdSegment{
			URI:      resolveAdURI(playlistURL, seg.URI),
			Duration: seg.Duration,
			Slate:    slate,
		})
		total += seg.Duration
	}
	if len(segs) == 0 {
		return nil, 0, fmt.Errorf("ad playlist has no segments")
	}
	return segs, total, nil
}
