package web

import (
	"net/http"

	"github.com/vbonduro/siteassess/internal/autosave"
	"github.com/vbonduro/siteassess/internal/domain"
)

// binding returns the shared autosave binding for a form, creating it on
// first use.
func (s *Server) binding(section domain.SectionID, step string) (*autosave.Binding, error) {
	k := formKey{section: section, step: step}
	s.formsMu.Lock()
	defer s.formsMu.Unlock()
	if b, ok := s.forms[k]; ok {
		return b, nil
	}
	b, err := s.autosave.Bind(section, step, nil)
	if err != nil {
		return nil, err
	}
	s.forms[k] = b
	return b, nil
}

func (s *Server) handleLoadForm(w http.ResponseWriter, r *http.Request) {
	section := domain.SectionID(r.PathValue("section"))
	step := r.PathValue("step")
	if _, err := domain.LookupStep(section, step); err != nil {
		s.writeError(w, "failed to load form", err)
		return
	}
	active := s.reg.Active()
	if active == nil {
		s.writeError(w, "failed to load form", autosave.ErrNoActiveAssessment)
		return
	}
	s.writeJSON(w, http.StatusOK, active.StepValues(section, step))
}

func (s *Server) handleEmitForm(w http.ResponseWriter, r *http.Request) {
	b, err := s.binding(domain.SectionID(r.PathValue("section")), r.PathValue("step"))
	if err != nil {
		s.writeError(w, "failed to bind form", err)
		return
	}

	var values map[string]any
	if err := decodeJSON(w, r, &values); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := b.Emit(values); err != nil {
		s.writeError(w, "failed to save form", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFlushForms(w http.ResponseWriter, r *http.Request) {
	s.autosave.Flush()
	w.WriteHeader(http.StatusNoContent)
}
