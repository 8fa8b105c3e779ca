package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/entity"
)

type assessmentView struct {
	ID        string                                          `json:"id"`
	Status    domain.Status                                   `json:"status"`
	RemoteID  string                                          `json:"remote_id,omitempty"`
	CreatedAt time.Time                                       `json:"created_at"`
	UpdatedAt time.Time                                       `json:"updated_at"`
	Version   uint64                                          `json:"version"`
	Sections  map[domain.SectionID]map[string]domain.StepData `json:"sections,omitempty"`
	Photos    []photoView                                     `json:"photos,omitempty"`
	Pending   int                                             `json:"pending_photos"`
}

func newAssessmentView(snap domain.Snapshot, detail bool) assessmentView {
	v := assessmentView{
		ID:        snap.ID,
		Status:    snap.Status,
		RemoteID:  snap.RemoteID,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		Version:   snap.Version,
		Pending:   len(snap.PendingPhotos()),
	}
	if !detail {
		return v
	}
	v.Sections = make(map[domain.SectionID]map[string]domain.StepData, len(snap.Sections))
	for _, sec := range snap.Sections {
		v.Sections[sec.ID] = sec.Steps
	}
	v.Photos = make([]photoView, 0, len(snap.Photos))
	for _, p := range snap.Photos {
		v.Photos = append(v.Photos, newPhotoView(p))
	}
	return v
}

const maxAssessmentIDLen = 128

func (s *Server) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Activate bool   `json:"activate"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxAssessmentIDLen || strings.ContainsAny(id, `/\`) {
		http.Error(w, "invalid assessment id", http.StatusBadRequest)
		return
	}

	store, err := s.reg.CreateAssessment(id)
	if err != nil {
		s.writeError(w, "failed to create assessment", err)
		return
	}
	if req.Activate {
		if err := s.reg.SetActiveAssessment(id); err != nil {
			s.writeError(w, "failed to activate assessment", err)
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, newAssessmentView(store.Snapshot(), true))
}

func (s *Server) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	views := make([]assessmentView, 0)
	for _, id := range s.reg.IDs() {
		store, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		views = append(views, newAssessmentView(store.Snapshot(), false))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newAssessmentView(store.Snapshot(), true))
}

func (s *Server) handleDeleteAssessment(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteAssessment(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "failed to delete assessment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}

	var partial map[string]any
	if err := decodeJSON(w, r, &partial); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	section := domain.SectionID(r.PathValue("section"))
	step := r.PathValue("step")
	if err := store.Update(section, step, partial); err != nil {
		s.writeError(w, "failed to update step", err)
		return
	}

	s.writeJSON(w, http.StatusOK, store.StepValues(section, step))
}

// assessment resolves the {id} path variable, writing 404 when unknown.
func (s *Server) assessment(w http.ResponseWriter, r *http.Request) (*entity.Store, bool) {
	store, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "failed to get assessment", err)
		return nil, false
	}
	return store, true
}
