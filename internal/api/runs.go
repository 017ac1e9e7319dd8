package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/engine"
	"github.com/seantiz/chainlink/internal/model"
	"github.com/seantiz/chainlink/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 4 << 20 // 4 MB, seed files included
)

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	Pipeline chain.PipelineConfig `json:"pipeline"`
	Env      map[string]string    `json:"env"`
	// Files seeds the workspace: relative path to file contents.
	Files map[string]string `json:"files"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// runResponse is a run record with its stage results.
type runResponse struct {
	*model.Run
	Stages []model.StageRecord `json:"stages"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var seed chain.Seed
	if len(req.Files) > 0 {
		seed = make(chain.Seed, len(req.Files))
		for p, content := range req.Files {
			seed[p] = []byte(content)
		}
	}

	run, err := s.engine.Submit(r.Context(), req.Pipeline, req.Env, seed)
	if errors.Is(err, chain.ErrInvalidStageConfig) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	stages, err := s.store.ListStageResults(r.Context(), id)
	if err != nil {
		s.logger.Error("list stage results", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stage results")
		return
	}
	if stages == nil {
		stages = []model.StageRecord{}
	}

	s.writeJSON(w, http.StatusOK, runResponse{Run: run, Stages: stages})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrRunNotActive):
		s.writeError(w, http.StatusConflict, "run is not in flight")
		return
	case err != nil:
		s.logger.Error("cancel run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
