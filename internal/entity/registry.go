package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/photostore"
)

// DraftRepository persists assessment snapshots on the device so drafts
// survive a restart.
type DraftRepository interface {
	Save(ctx context.Context, snap domain.Snapshot) error
	List(ctx context.Context) ([]domain.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

type Options struct {
	Files  photostore.Files
	Drafts DraftRepository // optional
	Logger *slog.Logger
	Now    func() time.Time
}

type entry struct {
	store       *Store
	unsubscribe func()
}

// Registry is the session context: every open assessment keyed by id plus
// the active selection. There is at most one Store per id.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	active    string
	listeners map[int]func(prev, next string)
	nextID    int

	// persistMu orders draft saves against draft deletes so a deleted
	// assessment is never written back.
	persistMu sync.Mutex

	files  photostore.Files
	drafts DraftRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		entries:   make(map[string]*entry),
		listeners: make(map[int]func(prev, next string)),
		files:     opts.Files,
		drafts:    opts.Drafts,
		logger:    logger,
		now:       now,
	}
}

// CreateAssessment registers a new empty draft. An id that is already taken
// fails with ErrAlreadyExists and leaves the existing entry alone.
func (r *Registry) CreateAssessment(id string) (*Store, error) {
	if id == "" {
		return nil, fmt.Errorf("assessment id is empty: %w", domain.ErrInvalidValue)
	}
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("assessment %s: %w", id, domain.ErrAlreadyExists)
	}
	s := newStore(id, r.files, r.logger, r.now)
	r.entries[id] = r.track(s)
	r.mu.Unlock()

	r.persist(s)
	r.logger.Info("assessment created", "assessment_id", id)
	return s, nil
}

// track wires write-through persistence. Callers hold r.mu.
func (r *Registry) track(s *Store) *entry {
	e := &entry{store: s, unsubscribe: func() {}}
	if r.drafts != nil {
		e.unsubscribe = s.Subscribe(func(uint64) { r.persist(s) })
	}
	return e
}

// persist saves the store's snapshot while the store is still registered.
func (r *Registry) persist(s *Store) {
	if r.drafts == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if !r.registered(s) {
		return
	}
	if err := r.drafts.Save(context.Background(), s.Snapshot()); err != nil {
		r.logger.Error("failed to persist draft", "assessment_id", s.ID(), "error", err)
	}
}

func (r *Registry) registered(s *Store) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[s.ID()]
	return ok && e.store == s
}

func (r *Registry) Get(id string) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	return e.store, nil
}

// IDs returns the registered assessment ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// SetActiveAssessment selects the assessment the session edits.
func (r *Registry) SetActiveAssessment(id string) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	prev := r.active
	r.active = id
	r.mu.Unlock()

	if prev != id {
		r.fireActiveChange(prev, id)
	}
	return nil
}

func (r *Registry) ActiveAssessmentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Active returns the active store, or nil when nothing is selected.
func (r *Registry) Active() *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[r.active]; ok {
		return e.store
	}
	return nil
}

// OnActiveChange calls fn with the previous and new active id whenever the
// selection changes. An empty next id means the selection was cleared.
func (r *Registry) OnActiveChange(fn func(prev, next string)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) fireActiveChange(prev, next string) {
	r.mu.RLock()
	fns := slices.Collect(maps.Values(r.listeners))
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(prev, next)
	}
}

// Logout ends the session selection.
func (r *Registry) Logout() {
	r.mu.Lock()
	prev := r.active
	r.active = ""
	r.mu.Unlock()

	if prev != "" {
		r.fireActiveChange(prev, "")
	}
}

// DeleteAssessment drops a draft and its photo directory. Submitted and
// synced assessments are kept with ErrNotDraft; one still submitting may be
// deleted and the submit's result is then dropped. The entry is detached
// before the persisted draft is removed so late changes cannot write it
// back. A photo directory that cannot be removed is logged and left for the
// sweep.
func (r *Registry) DeleteAssessment(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	if st := e.store.Status(); st == domain.StatusSubmitted || st == domain.StatusSynced {
		r.mu.Unlock()
		return fmt.Errorf("delete assessment %s (%s): %w", id, st, domain.ErrNotDraft)
	}
	delete(r.entries, id)
	e.unsubscribe()
	wasActive := r.active == id
	if wasActive {
		r.active = ""
	}
	r.mu.Unlock()

	if r.drafts != nil {
		r.persistMu.Lock()
		err := r.drafts.Delete(ctx, id)
		r.persistMu.Unlock()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.reinstate(e.store, wasActive)
			return fmt.Errorf("failed to delete draft: %w", err)
		}
	}

	if wasActive {
		r.fireActiveChange(id, "")
	}

	if r.files != nil {
		if err := r.files.RemoveAll(photostore.AssessmentDir(id)); err != nil {
			r.logger.Error("failed to remove photo directory", "assessment_id", id, "error", err)
		}
	}
	r.logger.Info("assessment deleted", "assessment_id", id)
	return nil
}

// reinstate registers s again after its draft could not be deleted and
// saves any change made while it was detached.
func (r *Registry) reinstate(s *Store, wasActive bool) {
	r.mu.Lock()
	if _, taken := r.entries[s.ID()]; taken {
		r.mu.Unlock()
		r.logger.Error("assessment id reused during failed delete", "assessment_id", s.ID())
		return
	}
	r.entries[s.ID()] = r.track(s)
	if wasActive && r.active == "" {
		r.active = s.ID()
	}
	r.mu.Unlock()

	r.persist(s)
}

// Hydrate restores persisted drafts that are not registered yet and returns
// how many were loaded.
func (r *Registry) Hydrate(ctx context.Context) (int, error) {
	if r.drafts == nil {
		return 0, nil
	}
	snaps, err := r.drafts.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list drafts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, snap := range snaps {
		if _, ok := r.entries[snap.ID]; ok {
			continue
		}
		r.entries[snap.ID] = r.track(restoreStore(snap, r.files, r.logger, r.now))
		loaded++
	}
	r.logger.Info("drafts restored", "count", loaded)
	return loaded, nil
}

// DefaultSweepMinAge keeps files younger than this out of the orphan sweep.
const DefaultSweepMinAge = 10 * time.Minute

// SweepOrphans removes photo files and assessment directories that no
// record references. Entries modified within minAge are skipped: another
// process may be between copying a capture and recording it. It returns the
// number of entries removed.
func (r *Registry) SweepOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	if r.files == nil {
		return 0, nil
	}
	dirs, err := r.files.ReadDir("")
	if err != nil {
		return 0, fmt.Errorf("failed to list photo root: %w", err)
	}

	cutoff := r.now().Add(-minAge)
	removed := 0
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		dirKey := photostore.AssessmentDir(dir)
		s, err := r.Get(dir)
		if err != nil {
			if r.modifiedSince(dirKey, cutoff) {
				continue
			}
			if rerr := r.files.RemoveAll(dirKey); rerr != nil {
				r.logger.Error("failed to remove orphan directory", "assessment_id", dir, "error", rerr)
				continue
			}
			removed++
			continue
		}

		referenced := make(map[string]bool)
		for _, p := range s.Photos().All() {
			referenced[p.LocalURI] = true
		}
		names, err := r.files.ReadDir(dirKey)
		if err != nil {
			r.logger.Error("failed to list photo directory", "assessment_id", dir, "error", err)
			continue
		}
		for _, name := range names {
			key := path.Join(dirKey, name)
			if referenced[key] || r.modifiedSince(key, cutoff) {
				continue
			}
			if err := r.files.Unlink(key); err != nil {
				r.logger.Error("failed to remove orphan photo", "key", key, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("orphan photos removed", "count", removed)
	}
	return removed, nil
}

// modifiedSince reports whether key changed after cutoff. A key that cannot
// be inspected counts as recent and is left alone.
func (r *Registry) modifiedSince(key string, cutoff time.Time) bool {
	info, err := r.files.Stat(key)
	if err != nil {
		if !errors.Is(err, photostore.ErrNotExist) {
			r.logger.Error("failed to stat photo entry", "key", key, "error", err)
		}
		return true
	}
	return info.ModTime.After(cutoff)
}
