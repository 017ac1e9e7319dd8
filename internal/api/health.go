package api

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds the engine check behind /healthz.
const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz reports ok when the container engine answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	info, err := s.engine.Info(ctx)
	if err != nil {
		s.logger.Warn("container engine unreachable", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Engine: info.Name})
}
