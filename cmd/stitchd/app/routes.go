// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// Routes defines dispatches for all routes.
func (s *Server) Routes(ctx context.Context) error {
	s.Router.MethodFunc("GET", "/health", s.healthHandlerFunc)
	s.Router.MethodFunc("GET", "/healthz", s.healthHandlerFunc)
	s.Router.MethodFunc("POST", "/cue", s.cueHandlerFunc)
	s.Router.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		createRouteAPI(s)(r)
	})
	s.Router.MethodFunc("GET", "/manifest", s.legacyManifestHandlerFunc)
	s.Router.MethodFunc("OPTIONS", "/*", s.optionsHandlerFunc)
	s.Router.MethodFunc("GET", "/{org}/{channel}/{variant}", s.manifestHandlerFunc)
	s.Router.MethodFunc("HEAD", "/{org}/{channel}/{variant}", s.manifestHandlerFunc)
	return nil
}
