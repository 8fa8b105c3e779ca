// Package entity holds the in-memory assessment aggregates and the session
// registry that owns them.
package entity

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/photostore"
)

type section struct {
	steps         map[string]domain.StepData
	lastModified  time.Time
	syncedThrough time.Time
}

// Store is one assessment aggregate. Every mutation bumps the version and
// notifies subscribers after the lock is released.
type Store struct {
	mu        sync.RWMutex
	id        string
	status    domain.Status
	remoteID  string
	createdAt time.Time
	updatedAt time.Time
	sections  map[domain.SectionID]*section
	photos    []domain.Photo
	version   uint64

	subMu   sync.Mutex
	subs    map[int]func(version uint64)
	nextSub int

	files  photostore.Files
	logger *slog.Logger
	now    func() time.Time
}

func newStore(id string, files photostore.Files, logger *slog.Logger, now func() time.Time) *Store {
	created := now()
	s := &Store{
		id:        id,
		status:    domain.StatusDraft,
		createdAt: created,
		updatedAt: created,
		sections:  make(map[domain.SectionID]*section, len(domain.Sections)),
		subs:      make(map[int]func(uint64)),
		files:     files,
		logger:    logger,
		now:       now,
	}
	for _, sec := range domain.Sections {
		steps := make(map[string]domain.StepData, len(sec.Steps))
		for _, st := range sec.Steps {
			steps[st.ID] = domain.StepData{}
		}
		s.sections[sec.ID] = &section{steps: steps}
	}
	return s
}

// restoreStore rebuilds a store from a persisted snapshot. Steps or sections
// that are no longer in the schema are dropped.
func restoreStore(snap domain.Snapshot, files photostore.Files, logger *slog.Logger, now func() time.Time) *Store {
	s := newStore(snap.ID, files, logger, now)
	s.status = snap.Status
	if s.status == domain.StatusSubmitting {
		// the process died mid-submit; the upsert protocol makes a retry safe
		s.status = domain.StatusDraft
	}
	s.remoteID = snap.RemoteID
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.version = snap.Version
	for _, ss := range snap.Sections {
		sec, ok := s.sections[ss.ID]
		if !ok {
			continue
		}
		for stepID, data := range ss.Steps {
			if _, known := sec.steps[stepID]; known {
				sec.steps[stepID] = domain.CloneStepData(data)
			}
		}
		sec.lastModified = ss.LastModified
		sec.syncedThrough = ss.SyncedThrough
	}
	s.photos = slices.Clone(snap.Photos)
	return s
}

func (s *Store) ID() string { return s.id }

func (s *Store) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) RemoteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteID
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Subscribe registers fn to be called with the new version after every
// mutation. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(version uint64)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(version uint64) {
	s.subMu.Lock()
	fns := slices.Collect(maps.Values(s.subs))
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(version)
	}
}

// touch records a mutation. Callers hold s.mu.
func (s *Store) touch() uint64 {
	s.updatedAt = s.now()
	s.version++
	return s.version
}

// Update applies a partial patch to one step. See domain.ApplyPatch for the
// merge rules.
func (s *Store) Update(sectionID domain.SectionID, step string, partial map[string]any) error {
	patch, err := domain.NormalizePatch(sectionID, step, partial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != domain.StatusDraft {
		s.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", sectionID, step, domain.ErrNotDraft)
	}
	sec := s.sections[sectionID]
	sec.steps[step] = domain.ApplyPatch(sec.steps[step], patch)
	v := s.touch()
	sec.lastModified = s.updatedAt
	s.mu.Unlock()

	s.notify(v)
	return nil
}

// StepHandle addresses a single step so form code can hold on to it.
type StepHandle struct {
	store   *Store
	section domain.SectionID
	step    string
}

func (s *Store) Step(sectionID domain.SectionID, step string) (StepHandle, error) {
	if _, err := domain.LookupStep(sectionID, step); err != nil {
		return StepHandle{}, err
	}
	return StepHandle{store: s, section: sectionID, step: step}, nil
}

func (h StepHandle) Update(partial map[string]any) error {
	return h.store.Update(h.section, h.step, partial)
}

func (h StepHandle) Values() domain.StepData {
	return h.store.StepValues(h.section, h.step)
}

// StepValues returns a copy of one step's current values, or nil for an
// unknown step.
func (s *Store) StepValues(sectionID domain.SectionID, step string) domain.StepData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[sectionID]
	if !ok {
		return nil
	}
	data, ok := sec.steps[step]
	if !ok {
		return nil
	}
	return domain.CloneStepData(data)
}

// Snapshot returns a deep copy that later mutations never reach.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		ID:        s.id,
		Status:    s.status,
		RemoteID:  s.remoteID,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Version:   s.version,
		Sections:  make([]domain.SectionSnapshot, 0, len(domain.Sections)),
		Photos:    slices.Clone(s.photos),
	}
	for _, schema := range domain.Sections {
		sec := s.sections[schema.ID]
		steps := make(map[string]domain.StepData, len(sec.steps))
		for id, data := range sec.steps {
			steps[id] = domain.CloneStepData(data)
		}
		snap.Sections = append(snap.Sections, domain.SectionSnapshot{
			ID:            schema.ID,
			Steps:         steps,
			LastModified:  sec.lastModified,
			SyncedThrough: sec.syncedThrough,
		})
	}
	return snap
}

// BeginSubmit moves a draft to submitting.
func (s *Store) BeginSubmit() error {
	s.mu.Lock()
	if s.status != domain.StatusDraft {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("submit from %s: %w", status, domain.ErrNotDraft)
	}
	s.status = domain.StatusSubmitting
	v := s.touch()
	s.mu.Unlock()
	s.notify(v)
	return nil
}

// AbortSubmit returns a submitting assessment to draft so it can be retried.
func (s *Store) AbortSubmit() {
	s.setStatusFrom(domain.StatusSubmitting, domain.StatusDraft)
}

// CompleteSubmit marks the assessment submitted, or synced when no photo is
// still waiting for upload.
func (s *Store) CompleteSubmit() domain.Status {
	s.mu.Lock()
	if s.status != domain.StatusSubmitting {
		status := s.status
		s.mu.Unlock()
		return status
	}
	s.status = domain.StatusSubmitted
	if !s.hasPendingLocked() {
		s.status = domain.StatusSynced
	}
	status := s.status
	v := s.touch()
	s.mu.Unlock()
	s.notify(v)
	return status
}

// PromoteIfSynced moves a submitted assessment to synced once every photo is
// uploaded.
func (s *Store) PromoteIfSynced() domain.Status {
	s.mu.Lock()
	if s.status != domain.StatusSubmitted || s.hasPendingLocked() {
		status := s.status
		s.mu.Unlock()
		return status
	}
	s.status = domain.StatusSynced
	v := s.touch()
	s.mu.Unlock()
	s.notify(v)
	return domain.StatusSynced
}

func (s *Store) setStatusFrom(from, to domain.Status) {
	s.mu.Lock()
	if s.status != from {
		s.mu.Unlock()
		return
	}
	s.status = to
	v := s.touch()
	s.mu.Unlock()
	s.notify(v)
}

func (s *Store) hasPendingLocked() bool {
	for _, p := range s.photos {
		if p.UploadStatus != domain.UploadCompleted {
			return true
		}
	}
	return false
}

// SetRemoteID records the backend identifier. It is opaque to the client and
// only ever fed back into the next upsert.
func (s *Store) SetRemoteID(remoteID string) {
	s.mu.Lock()
	if s.remoteID == remoteID {
		s.mu.Unlock()
		return
	}
	s.remoteID = remoteID
	v := s.touch()
	s.mu.Unlock()
	s.notify(v)
}

// MarkSectionSynced records that the section's content as of through has
// reached the backend.
func (s *Store) MarkSectionSynced(sectionID domain.SectionID, through time.Time) {
	s.mu.Lock()
	sec, ok := s.sections[sectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if through.IsZero() {
		through = s.createdAt
	}
	sec.syncedThrough = through
	s.version++
	v := s.version
	s.mu.Unlock()
	s.notify(v)
}

// SectionChanged reports whether the section has edits the backend has not
// acknowledged yet. A section that was never synced always counts.
func (s *Store) SectionChanged(sectionID domain.SectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[sectionID]
	if !ok {
		return false
	}
	return sec.syncedThrough.IsZero() || sec.lastModified.After(sec.syncedThrough)
}

// Photos returns the photo collection of this assessment.
func (s *Store) Photos() *Photos {
	return &Photos{store: s}
}
