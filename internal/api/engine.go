package api

import "net/http"

func (s *Server) handleEngineInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(r.Context())
	if err != nil {
		s.logger.Error("engine info", "error", err)
		s.writeError(w, http.StatusBadGateway, "container engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}
