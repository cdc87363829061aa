// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package beacon publishes tracking events to the beacon collaborator.
// Delivery is best-effort and asynchronous: the manifest path enqueues
// and never blocks, and overflow drops events rather than back-pressure
// viewers.
package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamstitch/stitchd/internal/decision"
)

// EventType enumerates tracking events.
type EventType string

const (
	EventImpression EventType = "imp"
	EventAdStart    EventType = "ad_start"
	EventQuartile   EventType = "quartile"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event is one tracking message.
type Event struct {
	ID          string             `json:"id"`
	Event       EventType          `json:"event"`
	AdID        string             `json:"adId,omitempty"`
	PodID       string             `json:"podId,omitempty"`
	Channel     string             `json:"channel"`
	TS          int64              `json:"ts"` // ms epoch
	TrackerURLs []string           `json:"trackerUrls,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Tracking    *decision.Tracking `json:"tracking,omitempty"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// Nop discards all events; used when no beacon sink is configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

// HTTPPublisher posts events to a sink URL from a small worker pool fed
// by a bounded queue.
type HTTPPublisher struct {
	sinkURL string
	client  *http.Client
	queue   chan Event
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

const (
	queueDepth  = 256
	workerCount = 2
	postTimeout = 3 * time.Second
)

// NewHTTPPublisher starts the delivery workers.
func NewHTTPPublisher(sinkURL string) *HTTPPublisher {
	p := &HTTPPublisher{
		sinkURL: sinkURL,
		client:  &http.Client{},
		queue:   make(chan Event, queueDepth),
	}
	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

// Publish enqueues without blocking; a full queue drops the event.
func (p *HTTPPublisher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			slog.Warn("beacon queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded due to overflow.
func (p *HTTPPublisher) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting events and drains the queue.
func (p *HTTPPublisher) Close() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}

func (p *HTTPPublisher) worker() {
	defer p.wg.Done()
	for ev := range p.queue {
		p.deliver(ev)
	}
}

func (p *HTTPPublisher) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sinkURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("beacon delivery failed", "event", ev.Event, "err", err)
		return
	}
	resp.Body.Close()
}
