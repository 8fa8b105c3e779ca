package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/photostore"
)

const maxPhotoSize = 50 * 1024 * 1024 // 50 MB

type photoView struct {
	ID           string              `json:"id"`
	FormType     domain.SectionID    `json:"form_type"`
	FormStep     string              `json:"form_step"`
	FieldName    string              `json:"field_name,omitempty"`
	Filename     string              `json:"filename,omitempty"`
	MimeType     string              `json:"mime_type"`
	FileSize     int64               `json:"file_size"`
	Width        int                 `json:"width"`
	Height       int                 `json:"height"`
	CapturedAt   time.Time           `json:"captured_at"`
	Notes        string              `json:"notes,omitempty"`
	UploadStatus domain.UploadStatus `json:"upload_status"`
}

func newPhotoView(p domain.Photo) photoView {
	return photoView{
		ID:           p.ID,
		FormType:     p.FormType,
		FormStep:     p.FormStep,
		FieldName:    p.FieldName,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		FileSize:     p.FileSize,
		Width:        p.Width,
		Height:       p.Height,
		CapturedAt:   p.CapturedAt,
		Notes:        p.Notes,
		UploadStatus: p.UploadStatus,
	}
}

// handleUploadPhoto accepts a multipart form with an "image" file and the
// formType, formStep, fieldName, notes and capturedAt tags.
func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoSize+1<<20)
	if err := r.ParseMultipartForm(maxPhotoSize); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image file required", http.StatusBadRequest)
		return
	}
	defer closeWithLog(file, "upload file", s.logger)

	imageData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		s.logger.Error("read upload failed", "assessment_id", store.ID(), "error", err)
		return
	}

	mimeType, ok := photostore.DetectMIME(imageData)
	if !ok {
		http.Error(w, "unsupported image format", http.StatusBadRequest)
		return
	}

	meta := domain.PhotoMeta{
		FormType:  domain.SectionID(r.FormValue("formType")),
		FormStep:  r.FormValue("formStep"),
		FieldName: r.FormValue("fieldName"),
		Filename:  header.Filename,
		MimeType:  mimeType,
		Notes:     r.FormValue("notes"),
	}
	if v := r.FormValue("capturedAt"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "capturedAt must be RFC 3339", http.StatusBadRequest)
			return
		}
		meta.CapturedAt = ts.UTC()
	}

	src, cleanup, err := spool(imageData)
	if err != nil {
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		s.logger.Error("spool upload failed", "assessment_id", store.ID(), "error", err)
		return
	}
	defer cleanup()

	photo, err := store.Photos().Import(r.Context(), src, meta)
	if err != nil {
		s.writeError(w, "failed to import photo", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newPhotoView(photo))
}

// spool writes data to a temporary file for the import flow, which copies
// from a path the way a camera roll hands over captures.
func spool(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "siteassess-upload-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// handleListPhotos lists an assessment's photos, optionally only those of
// one form step.
func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}

	views := make([]photoView, 0)
	formType := domain.SectionID(r.URL.Query().Get("formType"))
	formStep := r.URL.Query().Get("formStep")
	if formType != "" || formStep != "" {
		for p := range store.Photos().ForStep(formType, formStep) {
			views = append(views, newPhotoView(p))
		}
	} else {
		for _, p := range store.Photos().All() {
			views = append(views, newPhotoView(p))
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUpdatePhotoNotes(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	photoID := r.PathValue("photoID")
	if err := store.Photos().UpdateNotes(photoID, req.Notes); err != nil {
		s.writeError(w, "failed to update photo", err)
		return
	}
	photo, err := store.Photos().Get(photoID)
	if err != nil {
		s.writeError(w, "failed to get photo", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newPhotoView(photo))
}

func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}
	if err := store.Photos().Remove(r.Context(), r.PathValue("photoID")); err != nil {
		s.writeError(w, "failed to delete photo", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPhotoFile(w http.ResponseWriter, r *http.Request) {
	store, ok := s.assessment(w, r)
	if !ok {
		return
	}

	photo, err := store.Photos().Get(r.PathValue("photoID"))
	if err != nil {
		s.writeError(w, "failed to get photo", err)
		return
	}

	data, err := s.files.ReadFile(photo.LocalURI)
	if errors.Is(err, photostore.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "failed to read photo", http.StatusInternalServerError)
		s.logger.Error("read photo failed", "assessment_id", store.ID(), "photo_id", photo.ID, "error", err)
		return
	}

	w.Header().Set("Content-Type", photo.MimeType)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write photo failed", "photo_id", photo.ID, "error", err)
	}
}
