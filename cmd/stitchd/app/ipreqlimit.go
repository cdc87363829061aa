// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ipWindow is one client's request count inside its current interval.
type ipWindow struct {
	count   int
	started time.Time
}

// ipLimiter caps requests per client IP per interval. Live players
// refetch every manifest on a couple-second cadence, so the cap is
// meant for runaway clients and scrapers, not normal playback.
type ipLimiter struct {
	max      int
	interval time.Duration

	mu      sync.Mutex
	windows map[string]*ipWindow
}

// NewIPRequestLimiter returns middleware answering 429 once an IP
// exceeds maxRequests within interval. hdrName, when set, reports the
// current count on every response. Health and metrics endpoints are never
// limited.
func NewIPRequestLimiter(hdrName string, maxRequests int, interval time.Duration) func(next http.Handler) http.Handler {
	lim := &ipLimiter{
		max:      maxRequests,
		interval: interval,
		windows:  map[string]*ipWindow{},
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			ip, err := clientIP(r)
			if err != nil {
				http.Error(w, "could not read client IP", http.StatusBadRequest)
				return
			}
			count, ok := lim.take(ip, time.Now())
			if hdrName != "" {
				w.Header().Set(hdrName, fmt.Sprintf("%d (max %d)", count, lim.max))
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(lim.interval.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// take counts one request for key and reports whether it is allowed.
// Each key has its own window so a reset never zeroes another client's
// count mid-burst.
func (l *ipLimiter) take(key string, now time.Time) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w == nil || now.Sub(w.started) > l.interval {
		if len(l.windows) > 100_000 {
			l.windows = map[string]*ipWindow{}
		}
		w = &ipWindow{started: now}
		l.windows[key] = w
	}
	w.count++
	return w.count, w.count <= l.max
}

func clientIP(r *http.Request) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first hop is the client
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd), nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("remote address %q is not an IP", host)
	}
	return host, nil
}
