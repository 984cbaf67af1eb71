package api

import (
	"net/http"
)

type engineStatusResponse struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type enginesResponse struct {
	Engines []engineStatusResponse `json:"engines"`
}

// handleListEngines probes every registered engine and reports its health.
func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	results := s.engines.HealthSweep(r.Context())

	statuses := make([]engineStatusResponse, 0, len(results))
	for _, name := range s.engines.Names() {
		status := engineStatusResponse{Name: name, Healthy: true}
		if err := results[name]; err != nil {
			status.Healthy = false
			status.Detail = err.Error()
		}
		statuses = append(statuses, status)
	}

	s.respond(w, r, http.StatusOK, enginesResponse{Engines: statuses})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Readiness != nil {
		if err := s.cfg.Readiness(r.Context()); err != nil {
			s.respondError(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
