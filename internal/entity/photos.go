package entity

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"

	"github.com/google/uuid"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/photostore"
)

// Photos is the ordered photo collection of one assessment. Records are only
// ever appended or removed, never reordered.
type Photos struct {
	store *Store
}

// Add appends a record for a file that is already in place. An empty meta.ID
// gets a fresh UUID.
func (p *Photos) Add(meta domain.PhotoMeta) (domain.Photo, error) {
	if meta.LocalURI == "" {
		return domain.Photo{}, fmt.Errorf("photo has no local file: %w", domain.ErrInvalidValue)
	}
	if _, err := domain.LookupStep(meta.FormType, meta.FormStep); err != nil {
		return domain.Photo{}, err
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}

	s := p.store
	s.mu.Lock()
	if s.status != domain.StatusDraft {
		s.mu.Unlock()
		return domain.Photo{}, fmt.Errorf("add photo: %w", domain.ErrNotDraft)
	}
	if s.photoIndexLocked(meta.ID) >= 0 {
		s.mu.Unlock()
		return domain.Photo{}, fmt.Errorf("photo %s: %w", meta.ID, domain.ErrAlreadyExists)
	}
	photo := domain.Photo{
		ID:           meta.ID,
		LocalURI:     meta.LocalURI,
		FormType:     meta.FormType,
		FormStep:     meta.FormStep,
		FieldName:    meta.FieldName,
		Filename:     meta.Filename,
		MimeType:     meta.MimeType,
		FileSize:     meta.FileSize,
		Width:        meta.Width,
		Height:       meta.Height,
		CapturedAt:   meta.CapturedAt,
		Notes:        meta.Notes,
		UploadStatus: domain.UploadPending,
	}
	if photo.CapturedAt.IsZero() {
		photo.CapturedAt = s.now()
	}
	s.photos = append(s.photos, photo)
	v := s.touch()
	s.mu.Unlock()

	s.notify(v)
	return photo, nil
}

// Import files a camera capture: it probes src, copies it under the
// assessment directory named by a fresh photo id, and only then records it.
// When recording fails the copied file is removed again.
func (p *Photos) Import(ctx context.Context, src string, meta domain.PhotoMeta) (domain.Photo, error) {
	if err := ctx.Err(); err != nil {
		return domain.Photo{}, err
	}
	if _, err := domain.LookupStep(meta.FormType, meta.FormStep); err != nil {
		return domain.Photo{}, err
	}
	if p.store.Status() != domain.StatusDraft {
		return domain.Photo{}, fmt.Errorf("import photo: %w", domain.ErrNotDraft)
	}
	if p.store.files == nil {
		return domain.Photo{}, errors.New("no photo storage configured")
	}

	info, err := probeFile(src)
	if err != nil {
		return domain.Photo{}, err
	}

	s := p.store
	meta.ID = uuid.NewString()
	meta.MimeType = info.MimeType
	meta.Width = info.Width
	meta.Height = info.Height

	dir := photostore.AssessmentDir(s.id)
	exists, err := s.files.Exists(dir)
	if err != nil {
		return domain.Photo{}, fmt.Errorf("failed to check photo directory: %w", err)
	}
	if !exists {
		if err := s.files.Mkdir(dir); err != nil {
			return domain.Photo{}, fmt.Errorf("failed to create photo directory: %w", err)
		}
	}

	key := photostore.PhotoKey(s.id, meta.ID, meta.MimeType)
	if err := s.files.Copy(src, key); err != nil {
		return domain.Photo{}, fmt.Errorf("failed to copy photo: %w", err)
	}
	meta.LocalURI = key

	fi, err := s.files.Stat(key)
	if err != nil {
		p.discard(key)
		return domain.Photo{}, fmt.Errorf("failed to stat photo: %w", err)
	}
	meta.FileSize = fi.Size

	photo, err := p.Add(meta)
	if err != nil {
		p.discard(key)
		return domain.Photo{}, err
	}
	s.logger.Info("photo imported", "assessment_id", s.id, "photo_id", photo.ID, "size", photo.FileSize)
	return photo, nil
}

func probeFile(src string) (photostore.ImageInfo, error) {
	f, err := os.Open(src)
	if err != nil {
		return photostore.ImageInfo{}, fmt.Errorf("failed to open photo: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := photostore.Probe(f)
	if err != nil {
		return photostore.ImageInfo{}, fmt.Errorf("%w: %w", domain.ErrInvalidValue, err)
	}
	return info, nil
}

func (p *Photos) discard(key string) {
	if err := p.store.files.Unlink(key); err != nil {
		p.store.logger.Error("failed to remove copied photo", "assessment_id", p.store.id, "key", key, "error", err)
	}
}

// Remove deletes the photo file and then its record. A failed file delete is
// logged and leaves an orphan for the sweep. Unknown ids are ignored.
func (p *Photos) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := p.store
	s.mu.RLock()
	idx := s.photoIndexLocked(id)
	if idx < 0 {
		s.mu.RUnlock()
		return nil
	}
	if s.status != domain.StatusDraft {
		s.mu.RUnlock()
		return fmt.Errorf("remove photo: %w", domain.ErrNotDraft)
	}
	key := s.photos[idx].LocalURI
	s.mu.RUnlock()

	if s.files != nil {
		if err := s.files.Unlink(key); err != nil && !errors.Is(err, photostore.ErrNotExist) {
			s.logger.Error("failed to delete photo file", "assessment_id", s.id, "photo_id", id, "error", err)
		}
	}

	s.mu.Lock()
	idx = s.photoIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.photos = slices.Delete(s.photos, idx, idx+1)
	v := s.touch()
	s.mu.Unlock()

	s.notify(v)
	return nil
}

// UpdateNotes changes only the photo's notes.
func (p *Photos) UpdateNotes(id, notes string) error {
	s := p.store
	s.mu.Lock()
	idx := s.photoIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("photo %s: %w", id, domain.ErrNotFound)
	}
	if s.status != domain.StatusDraft {
		s.mu.Unlock()
		return fmt.Errorf("update photo notes: %w", domain.ErrNotDraft)
	}
	s.photos[idx].Notes = notes
	v := s.touch()
	s.mu.Unlock()

	s.notify(v)
	return nil
}

// MarkUploaded flags a photo as delivered to the backend.
func (p *Photos) MarkUploaded(id string) {
	s := p.store
	s.mu.Lock()
	idx := s.photoIndexLocked(id)
	if idx < 0 || s.photos[idx].UploadStatus == domain.UploadCompleted {
		s.mu.Unlock()
		return
	}
	s.photos[idx].UploadStatus = domain.UploadCompleted
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(v)
}

// ForStep yields the photos tagged with formType and formStep. Each range
// over the result scans the current list again.
func (p *Photos) ForStep(formType domain.SectionID, formStep string) iter.Seq[domain.Photo] {
	return func(yield func(domain.Photo) bool) {
		for _, photo := range p.All() {
			if photo.FormType != formType || photo.FormStep != formStep {
				continue
			}
			if !yield(photo) {
				return
			}
		}
	}
}

func (p *Photos) All() []domain.Photo {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return slices.Clone(p.store.photos)
}

func (p *Photos) Pending() []domain.Photo {
	var out []domain.Photo
	for _, photo := range p.All() {
		if photo.UploadStatus != domain.UploadCompleted {
			out = append(out, photo)
		}
	}
	return out
}

func (p *Photos) Get(id string) (domain.Photo, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	idx := p.store.photoIndexLocked(id)
	if idx < 0 {
		return domain.Photo{}, fmt.Errorf("photo %s: %w", id, domain.ErrNotFound)
	}
	return p.store.photos[idx], nil
}

func (s *Store) photoIndexLocked(id string) int {
	return slices.IndexFunc(s.photos, func(p domain.Photo) bool { return p.ID == id })
}
