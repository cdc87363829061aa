// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000}
	prometheusMW   prometheusMiddleware
	coreMetrics    stitchMetrics
)

const (
	manifestReqsName    = "manifest_requests_total"
	manifestLatencyName = "manifest_request_duration_milliseconds"
	segReqsName         = "segment_requests_total"
	segLatencyName      = "segment_request_duration_milliseconds"
	service             = "stitchd"
)

// prometheusMiddleware provides a handler that exposes prometheus metrics for various requests
type prometheusMiddleware struct {
	manifestReqs    *prometheus.CounterVec
	manifestLatency *prometheus.HistogramVec
	segReqs         *prometheus.CounterVec
	segLatency      *prometheus.HistogramVec
}

// stitchMetrics counts ad-insertion pipeline events.
type stitchMetrics struct {
	boundarySnaps      *prometheus.CounterVec
	skipAnomalies      *prometheus.CounterVec
	decisionFallbacks  *prometheus.CounterVec
	crcFailures        *prometheus.CounterVec
	dedupeMerges       *prometheus.CounterVec
	metadataConflicts  *prometheus.CounterVec
	laneBusy           *prometheus.CounterVec
	originFailures     *prometheus.CounterVec
	microCacheHits     prometheus.Counter
	fastPathServes     prometheus.Counter
}

func init() {
	prometheusMW.manifestReqs = newCounter(manifestReqsName,
		"Number of manifest requests processed, partitioned by status code.", service, "code")
	prometheusMW.manifestLatency = newHistogram(manifestLatencyName,
		"Manifest response latency.", service, defaultBuckets)
	prometheusMW.segReqs = newCounter(segReqsName,
		"Number of segment requests processed, partitioned by status code.", service, "code")
	prometheusMW.segLatency = newHistogram(segLatencyName,
		"Segment response latency.", service, defaultBuckets)

	coreMetrics.boundarySnaps = newCounter("boundary_snap_total",
		"Ad-pod boundary snap outcomes.", service, "outcome")
	coreMetrics.skipAnomalies = newCounter("skip_count_anomalies_total",
		"Skip-count recomputations that disagreed with the bound plan.", service, "channel")
	coreMetrics.decisionFallbacks = newCounter("decision_fallbacks_total",
		"Decision calls that fell back, partitioned by reason.", service, "reason")
	coreMetrics.crcFailures = newCounter("scte35_crc_failures_total",
		"SCTE-35 payloads with bad CRC.", service, "channel")
	coreMetrics.dedupeMerges = newCounter("scte35_dedupe_merges_total",
		"SCTE-35 OUTs merged into an existing break.", service, "channel")
	coreMetrics.metadataConflicts = newCounter("scte35_metadata_conflicts_total",
		"DATERANGE attribute vs binary duration conflicts.", service, "channel")
	coreMetrics.laneBusy = newCounter("lane_busy_total",
		"Requests that found the channel lane mailbox full.", service, "channel")
	coreMetrics.originFailures = newCounter("origin_failures_total",
		"Origin manifest fetches that failed.", service, "channel")
	coreMetrics.microCacheHits = newSingleCounter("micro_cache_hits_total",
		"Manifest micro-cache hits.", service)
	coreMetrics.fastPathServes = newSingleCounter("kv_fast_path_serves_total",
		"Manifests rendered from the KV projection without the lane.", service)
}

// metricsObserver adapts the pipeline telemetry hooks to prometheus.
type metricsObserver struct{}

func (metricsObserver) BoundarySnap(outcome string) {
	coreMetrics.boundarySnaps.WithLabelValues(outcome).Inc()
}
func (metricsObserver) SkipCountAnomaly(ch string) { coreMetrics.skipAnomalies.WithLabelValues(ch).Inc() }
func (metricsObserver) DecisionFallback(reason string) {
	coreMetrics.decisionFallbacks.WithLabelValues(reason).Inc()
}
func (metricsObserver) CRCFailure(ch string)       { coreMetrics.crcFailures.WithLabelValues(ch).Inc() }
func (metricsObserver) DedupeMerge(ch string)      { coreMetrics.dedupeMerges.WithLabelValues(ch).Inc() }
func (metricsObserver) MetadataConflict(ch string) { coreMetrics.metadataConflicts.WithLabelValues(ch).Inc() }
func (metricsObserver) LaneBusy(ch string)         { coreMetrics.laneBusy.WithLabelValues(ch).Inc() }
func (metricsObserver) OriginFailure(ch string)    { coreMetrics.originFailures.WithLabelValues(ch).Inc() }

// NewPrometheusMiddleware returns a new prometheus Middleware handler.
func NewPrometheusMiddleware() func(next http.Handler) http.Handler {
	return prometheusMW.handler
}

func (mw prometheusMiddleware) handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := strconv.Itoa(ww.Status())
		latencyMS := float64(time.Since(start).Nanoseconds()) * 1e-6
		extIdx := strings.LastIndex(path, ".")
		if extIdx < 0 {
			return
		}

		switch ext := path[extIdx:]; ext {
		case ".m3u8":
			mw.manifestReqs.WithLabelValues(status).Inc()
			mw.manifestLatency.WithLabelValues(status).Observe(latencyMS)
		case ".ts", ".m4s", ".mp4", ".aac", ".vtt":
			mw.segReqs.WithLabelValues(status).Inc()
			mw.segLatency.WithLabelValues(status).Observe(latencyMS)
		}
	}
	return http.HandlerFunc(fn)
}

func newCounter(counterName, help, serviceName, label string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        counterName,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{label},
	)
	prometheus.MustRegister(cv)
	return cv
}

func newSingleCounter(counterName, help, serviceName string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        counterName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
	})
	prometheus.MustRegister(c)
	return c
}

func newHistogram(histogramName, help, serviceName string, buckets []float64) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        histogramName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
		Buckets:     buckets,
	},
		[]string{"code"},
	)
	prometheus.MustRegister(h)
	return h
}
