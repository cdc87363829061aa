// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstitch/stitchd/internal/decision"
)

const adPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.000,
ad0.ts
#EXTINF:6.000,
ad1.ts
#EXTINF:3.000,
ad2.ts
#EXT-X-ENDLIST
`

func TestPodLoaderLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, adPlaylist)
	}))
	defer srv.Close()

	segs, total, err := decision.NewPodLoader().Load(context.Background(), srv.URL+"/pod/index.m3u8", false)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, 15.0, total)
	assert.Equal(t, 6.0, segs[0].Duration)
	assert.False(t, segs[0].Slate)
	// relative segment URIs resolve against the playlist URL
	assert.Equal(t, srv.URL+"/pod/ad0.ts", segs[0].URI)
}

func TestPodLoaderSlateFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, adPlaylist)
	}))
	defer srv.Close()

	segs, _, err := decision.NewPodLoader().Load(context.Background(), srv.URL+"/slate.m3u8", true)
	require.NoError(t, err)
	for _, s := range segs {
		assert.True(t, s.Slate)
	}
}

func TestPodLoaderRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, adPlaylist)
	}))
	defer srv.Close()

	segs, _, err := decision.NewPodLoader().Load(context.Background(), srv.URL+"/pod.m3u8", false)
	require.NoError(t, err)
	assert.Len(t, segs, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPodLoaderGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := decision.NewPodLoader().Load(context.Background(), srv.URL+"/missing.m3u8", false)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPodLoaderRejectsMaster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2500000\n720p.m3u8\n")
	}))
	defer srv.Close()

	_, _, err := decision.NewPodLoader().Load(context.Background(), srv.URL+"/master.m3u8", false)
	require.Error(t, err)
}
