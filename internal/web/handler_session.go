package web

import (
	"fmt"
	"net/http"

	"github.com/vbonduro/siteassess/internal/domain"
)

type sessionView struct {
	ActiveID string `json:"active_id"`
	UserID   string `json:"user_id,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	v := sessionView{ActiveID: s.reg.ActiveAssessmentID()}
	if s.session != nil {
		if user, err := s.session.CurrentUser(r.Context()); err == nil {
			v.UserID = user
		}
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.reg.SetActiveAssessment(req.ID); err != nil {
		s.writeError(w, "failed to set active assessment", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView{ActiveID: s.reg.ActiveAssessmentID()})
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		http.Error(w, "authentication is not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.session.SetToken(req.Token); err != nil {
		s.writeError(w, "failed to set token", fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err))
		return
	}
	s.handleGetSession(w, r)
}

// handleLogout clears the active assessment and the session token. Pending
// form saves for the old assessment are dropped by the coordinator.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.reg.Logout()
	if s.session != nil {
		s.session.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}
