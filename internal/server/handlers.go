package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/version"
)

type healthResponse struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Uptime     string         `json:"uptime"`
	Components map[string]any `json:"components"`
}

type statsResponse struct {
	Broker   broker.Stats         `json:"broker"`
	Channels []broker.ChannelInfo `json:"channels"`
	Extra    map[string]any       `json:"extra,omitempty"`
}

type connectionResponse struct {
	ID            broker.ConnID `json:"id"`
	Subscriptions []string      `json:"subscriptions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.broker.Stats()
	health := healthResponse{
		Status:  "healthy",
		Version: version.Get(),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Components: map[string]any{
			"broker": map[string]int{
				"connections": stats.Connections,
				"channels":    stats.Channels,
			},
		},
	}

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components[name] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
			continue
		}
		health.Components[name] = "connected"
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Broker:   s.broker.Stats(),
		Channels: s.broker.Channels(),
	}
	if len(s.stats) > 0 {
		resp.Extra = make(map[string]any, len(s.stats))
		for name, fn := range s.stats {
			resp.Extra[name] = fn()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}
	if !s.broker.Connected(id) {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	resp := connectionResponse{
		ID:            id,
		Subscriptions: s.broker.Subscriptions(id),
	}
	if resp.Subscriptions == nil {
		resp.Subscriptions = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
