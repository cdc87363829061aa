// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/streamstitch/stitchd/internal/beacon"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/kvstore"
	"github.com/streamstitch/stitchd/internal/monitor"
	"github.com/streamstitch/stitchd/internal/serializer"
)

type Server struct {
	Router *chi.Mux
	Cfg    *ServerConfig

	auth     *authenticator
	channels *channel.CachedStore
	core     *serializer.Manager
	monitors *monitor.Manager
	kv       *kvstore.Store
	fetcher  *serializer.OriginFetcher
	micro    *microCache
	beacon   beacon.Publisher
	proxy    *http.Client
}

func (s *Server) healthHandlerFunc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// jsonResponse marshals message and give response with code
//
// Don't add any more content after this since Content-Length is set
func (s *Server) jsonResponse(w http.ResponseWriter, message any, code int) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, fmt.Sprintf("{message: \"%s\"}", err), http.StatusInternalServerError)
		slog.Error(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, err = w.Write(raw)
	if err != nil {
		slog.Error("could not write HTTP response", "err", err)
	}
}

// Shutdown stops the background machinery after the HTTP server has
// drained.
func (s *Server) Shutdown() {
	s.monitors.Close()
	s.core.Close()
	s.beacon.Close()
	if s.kv != nil {
		_ = s.kv.Close()
	}
}
