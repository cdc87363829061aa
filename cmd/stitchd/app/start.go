// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamstitch/stitchd/internal"
	"github.com/streamstitch/stitchd/internal/beacon"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/decision"
	"github.com/streamstitch/stitchd/internal/kvstore"
	"github.com/streamstitch/stitchd/internal/monitor"
	"github.com/streamstitch/stitchd/internal/serializer"
	"github.com/streamstitch/stitchd/pkg/logging"
)

const (
	channelLRUSize = 100
	channelLRUTTL  = 60 * time.Second
)

// SetupServer sets up router, middleware, stores, and the serializer
// core, given koanf configuration.
func SetupServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.SlogMiddleWare(slog.Default()))
	r.Use(middleware.Recoverer)
	r.Use(addVersionAndCORSHeaders)
	r.Use(NewPrometheusMiddleware())
	if cfg.TimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.TimeoutS) * time.Second))
	}
	if cfg.MaxRequests > 0 {
		r.Use(NewIPRequestLimiter("Stitchd-Requests", cfg.MaxRequests,
			time.Duration(cfg.ReqLimitIntS)*time.Second))
	}
	r.Mount("/metrics", promhttp.Handler())

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth setup: %w", err)
	}

	var store channel.Store
	if cfg.ChannelDB != "" {
		sqlStore, err := channel.OpenSQLite(cfg.ChannelDB)
		if err != nil {
			return nil, fmt.Errorf("open channel db: %w", err)
		}
		store = sqlStore
		slog.Info("channel store opened", "path", cfg.ChannelDB)
	} else {
		store = newEnvChannelStore(cfg)
		slog.Info("no channel db configured, using environment channel store",
			"origin", cfg.OriginVariantBase)
	}
	cached := channel.NewCachedStore(store, channelLRUSize, channelLRUTTL)

	var kv *kvstore.Store
	if cfg.RedisAddr != "" {
		kv, err = kvstore.New(ctx, kvstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			// KV is the fast path, not a dependency
			slog.Warn("redis unavailable, continuing without KV fast path", "err", err)
			kv = nil
		}
	}

	decisions := decision.NewClient(cfg.DecisionURL)
	if cfg.DecisionTimeoutMS > 0 {
		decisions.OnDemandTimeout = time.Duration(cfg.DecisionTimeoutMS) * time.Millisecond
	}

	var sink beacon.Publisher = beacon.Nop{}
	if cfg.BeaconURL != "" {
		sink = beacon.NewHTTPPublisher(cfg.BeaconURL)
	}

	fetcher := serializer.NewOriginFetcher()
	core := serializer.New(serializer.Options{
		Origin:      fetcher,
		Decisions:   decisions,
		Pods:        decision.NewPodLoader(),
		KV:          kv,
		Beacon:      sink,
		Obs:         metricsObserver{},
		BreakWindow: time.Duration(cfg.BreakWindowMS) * time.Millisecond,
	})
	monitors := monitor.NewManager(core, fetcher,
		time.Duration(cfg.SCTE35PollIntervalMS)*time.Millisecond)

	server := Server{
		Router:   r,
		Cfg:      cfg,
		auth:     auth,
		channels: cached,
		core:     core,
		monitors: monitors,
		kv:       kv,
		fetcher:  fetcher,
		micro:    newMicroCache(cfg.WindowBucketSecs),
		beacon:   sink,
		proxy:    &http.Client{Timeout: 30 * time.Second},
	}
	if err := server.Routes(ctx); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	slog.Info("stitchd starting", "version", internal.GetVersion(), "port", cfg.Port)
	return &server, nil
}
