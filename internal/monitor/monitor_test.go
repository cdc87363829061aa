// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package monitor_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/monitor"
	"github.com/streamstitch/stitchd/internal/serializer"
	"github.com/streamstitch/stitchd/pkg/hls"
)

const masterManifest = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=4500000,RESOLUTION=1920x1080\n1080p.m3u8\n"

// signalMedia builds a live media playlist announcing a 30s break that
// starts now, so the polled signal opens an active break.
func signalMedia(now time.Time) string {
	base := now.Add(-18 * time.Second)
	out := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:100\n"
	for i := 0; i < 8; i++ {
		if i == 3 {
			out += fmt.Sprintf("#EXT-X-DATERANGE:ID=\"4242\",START-DATE=%q,PLANNED-DURATION=30.0\n",
				hls.FormatPDT(now))
		}
		out += fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:6.000,\nseg%d.ts\n",
			hls.FormatPDT(base.Add(time.Duration(i)*6*time.Second)), 100+i)
	}
	return out
}

type origin struct {
	mu      sync.Mutex
	failing bool
}

func (o *origin) setFailing(v bool) {
	o.mu.Lock()
	o.failing = v
	o.mu.Unlock()
}

func (o *origin) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		failing := o.failing
		o.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/origin/index.m3u8":
			fmt.Fprint(w, masterManifest)
		case "/origin/720p.m3u8":
			fmt.Fprint(w, signalMedia(time.Now()))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func testChannel(originBase string) *channel.Config {
	return &channel.Config{
		ID:               "sports_main",
		OrgSlug:          "sports",
		Slug:             "main",
		OriginURL:        originBase + "/origin",
		Status:           channel.StatusActive,
		Mode:             channel.ModeAuto,
		SCTE35AutoInsert: true,
	}
}

func TestMonitorOpensBreakFromPolledSignal(t *testing.T) {
	o := &origin{}
	srv := httptest.NewServer(o.handler())
	defer srv.Close()

	core := serializer.New(serializer.Options{Origin: serializer.NewOriginFetcher()})
	defer core.Close()
	m := monitor.NewManager(core, serializer.NewOriginFetcher(), 10*time.Millisecond)
	defer m.Close()

	cfg := testChannel(srv.URL)
	m.Watch(cfg)
	m.Watch(cfg) // idempotent

	require.Eventually(t, func() bool {
		cur, err := core.CurrentBreak(context.Background(), cfg)
		return err == nil && cur != nil
	}, 3*time.Second, 20*time.Millisecond, "polled OUT should open a break")

	cur, err := core.CurrentBreak(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "4242", cur.EventID)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "sports_main", statuses[0].ChannelID)
	assert.Equal(t, "720p.m3u8", statuses[0].Variant, "mid-ladder rendition is polled")
	assert.False(t, statuses[0].Throttled)
	assert.False(t, statuses[0].LastSignalAt.IsZero())
}

func TestMonitorThrottleAndRearm(t *testing.T) {
	o := &origin{failing: true}
	srv := httptest.NewServer(o.handler())
	defer srv.Close()

	core := serializer.New(serializer.Options{Origin: serializer.NewOriginFetcher()})
	defer core.Close()
	m := monitor.NewManager(core, serializer.NewOriginFetcher(), 5*time.Millisecond)
	defer m.Close()

	cfg := testChannel(srv.URL)
	cfg.SCTE35AutoInsert = false
	m.Watch(cfg)

	require.Eventually(t, func() bool {
		s := m.Statuses()
		return len(s) == 1 && s[0].Throttled
	}, 3*time.Second, 10*time.Millisecond, "repeated failures should self-throttle")

	o.setFailing(false)
	require.NoError(t, m.Arm(cfg.ID))

	require.Eventually(t, func() bool {
		s := m.Statuses()
		return len(s) == 1 && !s[0].Throttled && s[0].Failures == 0
	}, 3*time.Second, 10*time.Millisecond, "arming should resume polling")

	assert.ErrorIs(t, m.Arm("ghost"), monitor.ErrUnknownMonitor)
}

func TestUnwatch(t *testing.T) {
	core := serializer.New(serializer.Options{})
	defer core.Close()
	m := monitor.NewManager(core, nil, time.Hour)
	defer m.Close()

	m.Watch(&channel.Config{ID: "a", OrgSlug: "o", Slug: "a"})
	m.Watch(&channel.Config{ID: "b", OrgSlug: "o", Slug: "b"})
	assert.Len(t, m.Statuses(), 2)

	m.Unwatch("a")
	s := m.Statuses()
	require.Len(t, s, 1)
	assert.Equal(t, "b", s[0].ChannelID)
}
