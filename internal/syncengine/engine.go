// Package syncengine pushes assessments and their photos to the backend
// using upserts keyed by stable ids, so any attempt can be repeated.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vbonduro/siteassess/internal/blob"
	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/entity"
	"github.com/vbonduro/siteassess/internal/metrics"
	"github.com/vbonduro/siteassess/internal/photostore"
	"github.com/vbonduro/siteassess/internal/remote"
)

// Remote is the backend the engine upserts rows into.
type Remote interface {
	UpsertAssessment(ctx context.Context, row remote.AssessmentRow) (string, error)
	UpsertSection(ctx context.Context, row remote.SectionRow) error
	UpsertPhoto(ctx context.Context, row remote.PhotoRow) error
}

type Authenticator interface {
	CurrentUser(ctx context.Context) (string, error)
}

type assessments interface {
	Get(id string) (*entity.Store, error)
}

type Config struct {
	// Concurrency bounds parallel photo uploads. 1 uploads sequentially.
	Concurrency int
	// MaxAttempts is how often one photo is tried within a single pass.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between tries.
	RetryBackoff time.Duration
	// UploadRate caps photo uploads per second; 0 means unlimited.
	UploadRate float64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Progress receives the number of finished photos out of total. Calls are
// serialized and done never decreases.
type Progress func(done, total int)

type PhotoResult struct {
	PhotoID string `json:"photo_id"`
	Key     string `json:"key"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a sync attempt. Failures are reported here and
// never returned as an error or panic.
type Result struct {
	OK       bool          `json:"ok"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Status   domain.Status `json:"status,omitempty"`
	RemoteID string        `json:"remote_id,omitempty"`
	Uploaded int           `json:"uploaded"`
	Failed   int           `json:"failed"`
	Results  []PhotoResult `json:"results"`
}

func failed(err error, status domain.Status) Result {
	return Result{Err: err, Error: err.Error(), Status: status, Results: []PhotoResult{}}
}

type Engine struct {
	reg     assessments
	remote  Remote
	objects blob.Store
	auth    Authenticator
	files   photostore.Files
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

type Deps struct {
	Registry *entity.Registry
	Remote   Remote
	Objects  blob.Store
	Auth     Authenticator
	Files    photostore.Files
	Metrics  *metrics.SyncMetrics
	Logger   *slog.Logger
}

func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		reg:     deps.Registry,
		remote:  deps.Remote,
		objects: deps.Objects,
		auth:    deps.Auth,
		files:   deps.Files,
		cfg:     cfg,
		metrics: deps.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.UploadRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), 1)
	}
	return e
}

func authError(err error) error {
	if errors.Is(err, domain.ErrUnauthenticated) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
}

// lookup returns whatever store is registered for id right now, or nil if
// the assessment was deleted while a sync was running.
func (e *Engine) lookup(id string) *entity.Store {
	s, err := e.reg.Get(id)
	if err != nil {
		return nil
	}
	return s
}

// Submit moves a draft to submitted: assessment row, changed section rows,
// then every pending photo. A failed row upsert returns the assessment to
// draft. Failed photos stay pending and do not fail the submit.
func (e *Engine) Submit(ctx context.Context, id string, progress Progress) Result {
	store, err := e.reg.Get(id)
	if err != nil {
		return failed(err, "")
	}
	user, err := e.auth.CurrentUser(ctx)
	if err != nil {
		e.metrics.ObserveSubmit(metrics.OutcomeFailure)
		return failed(fmt.Errorf("submit %s: %w", id, authError(err)), store.Status())
	}
	if err := store.BeginSubmit(); err != nil {
		return failed(err, store.Status())
	}
	logger := e.logger.With("assessment_id", id)
	logger.Info("submit started")

	snap := store.Snapshot()
	remoteID, err := e.pushRows(ctx, user, snap)
	if err != nil {
		status := domain.StatusDraft
		if s := e.lookup(id); s != nil {
			s.AbortSubmit()
			status = s.Status()
		}
		e.metrics.ObserveSubmit(metrics.OutcomeFailure)
		logger.Error("submit failed", "error", err)
		return failed(err, status)
	}

	res := e.uploadPhotos(ctx, user, snap.ID, remoteID, snap.PendingPhotos(), progress)
	res.OK = true
	res.RemoteID = remoteID
	if s := e.lookup(id); s != nil {
		res.Status = s.CompleteSubmit()
	}

	outcome := metrics.OutcomeSuccess
	if res.Failed > 0 {
		outcome = metrics.OutcomePartial
	}
	e.metrics.ObserveSubmit(outcome)
	logger.Info("submit finished", "status", res.Status, "uploaded", res.Uploaded, "failed", res.Failed)
	return res
}

// pushRows upserts the assessment row and every section changed since its
// last successful upsert, and returns the backend assessment id.
func (e *Engine) pushRows(ctx context.Context, user string, snap domain.Snapshot) (string, error) {
	now := e.now()
	remoteID, err := e.remote.UpsertAssessment(ctx, remote.AssessmentRow{
		LocalID:     snap.ID,
		UserID:      user,
		Status:      domain.StatusSubmitted,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
		SubmittedAt: now,
	})
	if err != nil {
		return "", err
	}
	if s := e.lookup(snap.ID); s != nil {
		s.SetRemoteID(remoteID)
	}

	for _, sec := range snap.Sections {
		if !sec.SyncedThrough.IsZero() && !sec.LastModified.After(sec.SyncedThrough) {
			continue
		}
		err := e.remote.UpsertSection(ctx, remote.SectionRow{
			AssessmentID: remoteID,
			Section:      sec.ID,
			Steps:        sec.Steps,
			UpdatedAt:    now,
		})
		if err != nil {
			return "", err
		}
		if s := e.lookup(snap.ID); s != nil {
			s.MarkSectionSynced(sec.ID, sec.LastModified)
		}
	}
	return remoteID, nil
}

// SyncPhotos retries the photo queue of an already submitted assessment and
// marks it synced once nothing is pending.
func (e *Engine) SyncPhotos(ctx context.Context, id string, progress Progress) Result {
	store, err := e.reg.Get(id)
	if err != nil {
		return failed(err, "")
	}
	status := store.Status()
	if status != domain.StatusSubmitted && status != domain.StatusSynced {
		return failed(fmt.Errorf("sync photos of %s assessment: %w", status, domain.ErrInvalidValue), status)
	}
	user, err := e.auth.CurrentUser(ctx)
	if err != nil {
		return failed(fmt.Errorf("sync photos %s: %w", id, authError(err)), status)
	}
	remoteID := store.RemoteID()
	if remoteID == "" {
		return failed(fmt.Errorf("assessment %s has no remote id", id), status)
	}

	res := e.uploadPhotos(ctx, user, id, remoteID, store.Photos().Pending(), progress)
	res.OK = true
	res.RemoteID = remoteID
	res.Status = status
	if s := e.lookup(id); s != nil {
		res.Status = s.PromoteIfSynced()
	}
	e.logger.Info("photo sync finished", "assessment_id", id, "uploaded", res.Uploaded, "failed", res.Failed)
	return res
}
