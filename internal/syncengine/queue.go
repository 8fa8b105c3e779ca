package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vbonduro/siteassess/internal/blob"
	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/metrics"
	"github.com/vbonduro/siteassess/internal/photostore"
	"github.com/vbonduro/siteassess/internal/remote"
)

// ObjectKey is where a photo lives in object storage. It depends only on
// stable ids so a retry overwrites the same object.
func ObjectKey(userID, assessmentID string, p domain.Photo) string {
	return path.Join(userID, assessmentID, p.ID+photostore.ExtForMIME(p.MimeType))
}

// errPermanent marks failures that another attempt cannot fix.
var errPermanent = errors.New("permanent upload failure")

// uploadPhotos runs the photo queue. Each photo succeeds or fails on its
// own; the group never cancels siblings.
func (e *Engine) uploadPhotos(ctx context.Context, user, assessmentID, remoteID string, photos []domain.Photo, progress Progress) Result {
	res := Result{Results: make([]PhotoResult, len(photos))}
	total := len(photos)

	var mu sync.Mutex
	done := 0
	report := func(i int, pr PhotoResult) {
		mu.Lock()
		defer mu.Unlock()
		res.Results[i] = pr
		if pr.OK {
			res.Uploaded++
		} else {
			res.Failed++
		}
		done++
		if progress != nil {
			progress(done, total)
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, p := range photos {
		g.Go(func() error {
			started := time.Now()
			key := ObjectKey(user, assessmentID, p)
			err := e.uploadWithRetry(ctx, key, remoteID, p)

			pr := PhotoResult{PhotoID: p.ID, Key: key, OK: err == nil}
			outcome := metrics.OutcomeSuccess
			if err != nil {
				pr.Error = err.Error()
				outcome = metrics.OutcomeFailure
				e.logger.Warn("photo upload failed", "assessment_id", assessmentID, "photo_id", p.ID, "error", err)
			} else if s := e.lookup(assessmentID); s != nil {
				s.Photos().MarkUploaded(p.ID)
			}
			e.metrics.ObservePhotoUpload(outcome, time.Since(started).Seconds())
			report(i, pr)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (e *Engine) uploadWithRetry(ctx context.Context, key, remoteID string, p domain.Photo) error {
	var lastErr error
	for attempt := range e.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			e.metrics.IncPhotoRetries()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = e.uploadOne(ctx, key, remoteID, p)
		if lastErr == nil || errors.Is(lastErr, errPermanent) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

// uploadOne puts the bytes first and then the metadata row, so a row never
// points at an object that was not written.
func (e *Engine) uploadOne(ctx context.Context, key, remoteID string, p domain.Photo) error {
	data, err := e.files.ReadFile(p.LocalURI)
	if err != nil {
		if errors.Is(err, photostore.ErrNotExist) {
			return fmt.Errorf("%w: local file missing: %w", errPermanent, err)
		}
		return fmt.Errorf("failed to read photo: %w", err)
	}

	_, err = e.objects.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: p.MimeType,
		Metadata:    map[string]string{"photo-id": p.ID, "assessment-id": remoteID},
	})
	if err != nil {
		return fmt.Errorf("failed to upload photo: %w", err)
	}

	err = e.remote.UpsertPhoto(ctx, remote.PhotoRow{
		ID:           p.ID,
		AssessmentID: remoteID,
		StoragePath:  key,
		FormType:     p.FormType,
		FormStep:     p.FormStep,
		FieldName:    p.FieldName,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		FileSize:     int64(len(data)),
		Width:        p.Width,
		Height:       p.Height,
		CapturedAt:   p.CapturedAt,
		Notes:        p.Notes,
		UploadedAt:   e.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert photo metadata: %w", err)
	}
	return nil
}
