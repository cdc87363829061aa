// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/streamstitch/stitchd/internal/adbreak"
	"github.com/streamstitch/stitchd/internal/channel"
	"github.com/streamstitch/stitchd/internal/monitor"
)

// CueBody is the operator cue request.
type CueBody struct {
	Channel  string  `json:"channel" doc:"Channel slug" example:"sports1"`
	Org      string  `json:"org,omitempty" doc:"Org slug, defaults to \"default\"" example:"acme"`
	Type     string  `json:"type" enum:"start,stop" doc:"Cue type"`
	Duration float64 `json:"duration,omitempty" doc:"Break duration in seconds, required for start" example:"30"`
	PodID    string  `json:"pod_id,omitempty" doc:"Ad pod ID to play"`
	PodURL   string  `json:"pod_url,omitempty" doc:"Explicit ad pod playlist URL"`
}

type CueRequest struct {
	Body CueBody `json:"body"`
}

type CueResponse struct {
	Body struct {
		OK      bool                `json:"ok"`
		Cleared bool                `json:"cleared,omitempty" doc:"True when a stop cue removed an active break"`
		State   *adbreak.Projection `json:"state,omitempty" doc:"The break opened by a start cue"`
	}
}

type MonitorListResponse struct {
	Body struct {
		Monitors []monitor.Status `json:"monitors"`
	}
}

type monitorChannelInput struct {
	Channel string `path:"channel" maxLength:"64" doc:"Channel ID of the monitor"`
}

type MonitorArmResponse struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// applyCue resolves the channel and runs a cue on its lane.
func (s *Server) applyCue(ctx context.Context, cue CueBody) (*CueResponse, error) {
	if cue.Channel == "" {
		return nil, huma.Error400BadRequest("channel is required")
	}
	org := cue.Org
	if org == "" {
		org = "default"
	}
	cfg, err := s.channels.Get(ctx, org, cue.Channel)
	if err == channel.ErrNotFound {
		return nil, huma.Error404NotFound(fmt.Sprintf("channel %s/%s not found", org, cue.Channel))
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("channel store unavailable")
	}
	resp := &CueResponse{}
	switch cue.Type {
	case "start":
		if cue.Duration <= 0 {
			return nil, huma.Error400BadRequest("start cue requires duration > 0")
		}
		if cue.PodID == "" && cue.PodURL == "" {
			return nil, huma.Error400BadRequest("start cue requires pod_id or pod_url")
		}
		st, err := s.core.StartBreak(ctx, cfg, cue.Duration, cue.PodID, cue.PodURL)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		resp.Body.OK = true
		resp.Body.State = st.Project()
	case "stop":
		cleared, err := s.core.StopBreak(ctx, cfg)
		if err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		resp.Body.OK = true
		resp.Body.Cleared = cleared
	default:
		return nil, huma.Error400BadRequest(fmt.Sprintf("cue type %q not known", cue.Type))
	}
	return resp, nil
}

func createCueHdlr(s *Server) func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
	return func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
		return s.applyCue(ctx, req.Body)
	}
}

func createListMonitorsHdlr(s *Server) func(ctx context.Context, _ *struct{}) (*MonitorListResponse, error) {
	return func(ctx context.Context, _ *struct{}) (*MonitorListResponse, error) {
		resp := &MonitorListResponse{}
		resp.Body.Monitors = s.monitors.Statuses()
		return resp, nil
	}
}

func createArmMonitorHdlr(s *Server) func(ctx context.Context, input *monitorChannelInput) (*MonitorArmResponse, error) {
	return func(ctx context.Context, input *monitorChannelInput) (*MonitorArmResponse, error) {
		if err := s.monitors.Arm(input.Channel); err != nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("no monitor for channel %s", input.Channel))
		}
		resp := &MonitorArmResponse{}
		resp.Body.OK = true
		return resp, nil
	}
}

func createRouteAPI(s *Server) func(r chi.Router) {
	return func(r chi.Router) {
		config := huma.DefaultConfig("Stitchd control API", "1.0.0")
		config.Servers = []*huma.Server{
			{URL: "/api"},
		}
		config.Info.Description = `Operator control plane: manual ad cues and SCTE-35 monitor
		management. Manifest serving lives on the root router.`

		api := humachi.New(r, config)

		huma.Register(api, huma.Operation{
			OperationID: "post-cue",
			Method:      http.MethodPost,
			Path:        "/cue",
			Summary:     "Start or stop a manual ad break",
			Tags:        []string{"cue"},
			Errors:      []int{400, 404},
		}, createCueHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "list-monitors",
			Method:      http.MethodGet,
			Path:        "/monitors",
			Summary:     "List SCTE-35 channel monitors",
			Tags:        []string{"monitors"},
		}, createListMonitorsHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "arm-monitor",
			Method:      http.MethodPost,
			Path:        "/monitors/{channel}/arm",
			Summary:     "Re-arm a self-throttled monitor",
			Tags:        []string{"monitors"},
			Errors:      []int{404},
		}, createArmMonitorHdlr(s))
	}
}

// cueHandlerFunc keeps the pre-API POST /cue endpoint working.
func (s *Server) cueHandlerFunc(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.verify(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var cue CueBody
	if err := decodeJSONBody(r, &cue); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.applyCue(r.Context(), cue)
	if err != nil {
		status := http.StatusBadRequest
		if se, ok := err.(huma.StatusError); ok {
			status = se.GetStatus()
		}
		s.jsonResponse(w, map[string]any{"ok": false, "error": err.Error()}, status)
		return
	}
	s.jsonResponse(w, resp.Body, http.StatusOK)
}
