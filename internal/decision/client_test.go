// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstitch/stitchd/internal/decision"
)

func TestClientDecide(t *testing.T) {
	var gotReq decision.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/decision", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(decision.Decision{Pod: decision.Pod{
			PodID:       "pod-1",
			DurationSec: 30,
			Items: []decision.PodItem{
				{AdID: "a1", Bitrate: 2_500_000, PlaylistURL: "https://ads/a1.m3u8"},
			},
		}})
	}))
	defer srv.Close()

	c := decision.NewClient(srv.URL)
	d := c.Decide(context.Background(), decision.Request{
		Channel:     "sports_main",
		DurationSec: 30,
		SCTE35:      &decision.SCTE35Meta{EventID: "1234", Duration: 30},
	}, false)

	require.NotNil(t, d)
	assert.False(t, d.Empty())
	assert.Equal(t, "pod-1", d.Pod.PodID)
	assert.False(t, d.Slate)
	assert.Equal(t, "sports_main", gotReq.Channel)
	assert.Equal(t, "1234", gotReq.SCTE35.EventID)
}

func TestClientFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	t.Run("slate fallback when configured", func(t *testing.T) {
		c := decision.NewClient(srv.URL)
		c.SlatePodID = "slate"
		c.SlatePodURL = "https://ads/slate/index.m3u8"
		d := c.Decide(context.Background(), decision.Request{Channel: "ch", DurationSec: 30}, false)
		require.NotNil(t, d)
		assert.True(t, d.Slate)
		assert.False(t, d.Empty())
		require.Len(t, d.Pod.Items, 1)
		assert.Equal(t, 0, d.Pod.Items[0].Bitrate)
		assert.Equal(t, "https://ads/slate/index.m3u8", d.Pod.Items[0].PlaylistURL)
		assert.Equal(t, 30.0, d.Pod.DurationSec)
	})

	t.Run("empty decision without slate", func(t *testing.T) {
		c := decision.NewClient(srv.URL)
		d := c.Decide(context.Background(), decision.Request{Channel: "ch", DurationSec: 30}, false)
		require.NotNil(t, d)
		assert.True(t, d.Empty())
	})

	assert.Positive(t, calls.Load())
}

func TestClientUnreachable(t *testing.T) {
	c := decision.NewClient("http://127.0.0.1:1")
	c.SlatePodURL = "https://ads/slate/index.m3u8"
	d := c.Decide(context.Background(), decision.Request{Channel: "ch", DurationSec: 15}, true)
	require.NotNil(t, d)
	assert.True(t, d.Slate)
}
