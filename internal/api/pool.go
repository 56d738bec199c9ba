package api

import (
	"net/http"
)

func (s *Server) handleGetPoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
