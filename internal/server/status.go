package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/neurolens/neurolens/internal/records"
)

type pendingStatus struct {
	Status string `json:"status"`
}

// handleCamStatus serves GET /cam-status/{id} for polling and
// DELETE /cam-status/{id} to cancel a pending attribution.
func (s *Server) handleCamStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/cam-status/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "Not found", errTypeNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.svc.Status(r.Context(), id)
		if errors.Is(err, records.ErrNotFound) {
			writeJSON(w, http.StatusOK, pendingStatus{Status: "pending"})
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := s.svc.Cancel(id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, pendingStatus{Status: "cancelling"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

const robotsTxt = "User-agent: *\nDisallow: /\n"

func handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(robotsTxt))
}
