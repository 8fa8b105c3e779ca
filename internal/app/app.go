// Package app wires the configured components together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vbonduro/siteassess/internal/auth"
	"github.com/vbonduro/siteassess/internal/autosave"
	"github.com/vbonduro/siteassess/internal/blob"
	blobfs "github.com/vbonduro/siteassess/internal/blob/fs"
	"github.com/vbonduro/siteassess/internal/blob/gcs"
	"github.com/vbonduro/siteassess/internal/blob/memory"
	"github.com/vbonduro/siteassess/internal/blob/s3"
	"github.com/vbonduro/siteassess/internal/config"
	"github.com/vbonduro/siteassess/internal/db"
	"github.com/vbonduro/siteassess/internal/entity"
	"github.com/vbonduro/siteassess/internal/metrics"
	"github.com/vbonduro/siteassess/internal/photostore/local"
	"github.com/vbonduro/siteassess/internal/remote/sqlremote"
	"github.com/vbonduro/siteassess/internal/store"
	"github.com/vbonduro/siteassess/internal/syncengine"
	"github.com/vbonduro/siteassess/internal/web"
)

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sql.DB
	Files      *local.Files
	Registry   *entity.Registry
	Autosave   *autosave.Coordinator
	Objects    blob.Store
	Remote     *sqlremote.Remote
	Session    *auth.Session
	Prometheus *prometheus.Registry
	Metrics    *metrics.SyncMetrics
	Engine     *syncengine.Engine

	closers []func() error
}

// New opens every component and restores persisted drafts. On error the
// components opened so far are closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Error("failed to close partially opened app", "error", cerr)
			}
			a = nil
		}
	}()

	if err := ensureParent(cfg.DBPath); err != nil {
		return a, err
	}
	a.DB, err = db.Open(cfg.DBPath)
	if err != nil {
		return a, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)

	a.Files, err = local.NewFiles(cfg.PhotoRoot)
	if err != nil {
		return a, fmt.Errorf("failed to initialize photo files: %w", err)
	}

	a.Registry = entity.NewRegistry(entity.Options{
		Files:  a.Files,
		Drafts: store.NewDraftStore(a.DB),
		Logger: logger,
	})
	if _, err := a.Registry.Hydrate(ctx); err != nil {
		return a, err
	}

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics, err = metrics.NewSyncMetrics(a.Prometheus)
	if err != nil {
		return a, err
	}

	a.Autosave = autosave.New(a.Registry, cfg.AutosaveDelay, logger, a.Metrics)
	a.closers = append(a.closers, func() error { a.Autosave.Close(); return nil })

	a.Objects, err = NewObjectStore(ctx, cfg.Blob)
	if err != nil {
		return a, err
	}
	if c, ok := a.Objects.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	if cfg.Remote.Driver == "sqlite" {
		if err := ensureParent(cfg.Remote.DSN); err != nil {
			return a, err
		}
	}
	a.Remote, err = sqlremote.Open(ctx, cfg.Remote.Driver, cfg.Remote.DSN)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.Remote.Close)
	if err := a.Remote.EnsureSchema(ctx); err != nil {
		return a, err
	}

	a.Session = auth.NewSession(cfg.Auth.JWTSecret)
	if cfg.Auth.Token != "" {
		if err := a.Session.SetToken(cfg.Auth.Token); err != nil {
			return a, fmt.Errorf("invalid access token: %w", err)
		}
	}

	a.Engine = syncengine.New(syncengine.Deps{
		Registry: a.Registry,
		Remote:   a.Remote,
		Objects:  a.Objects,
		Auth:     a.Session,
		Files:    a.Files,
		Metrics:  a.Metrics,
		Logger:   logger,
	}, syncengine.Config{
		Concurrency:  cfg.Sync.UploadConcurrency,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		RetryBackoff: cfg.Sync.RetryBackoff,
		UploadRate:   cfg.Sync.UploadRate,
	})

	logger.Info("app initialized",
		"assessments", len(a.Registry.IDs()),
		"blob_driver", a.Objects.Driver(),
		"remote_driver", cfg.Remote.Driver,
	)
	return a, nil
}

// Server returns the HTTP boundary over the app's components.
func (a *App) Server() *web.Server {
	return web.NewServer(web.Deps{
		Registry: a.Registry,
		Autosave: a.Autosave,
		Engine:   a.Engine,
		Session:  a.Session,
		Files:    a.Files,
		Gatherer: a.Prometheus,
		Logger:   a.Logger,
	})
}

// Close releases components in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewObjectStore builds the blob store for the configured driver.
func NewObjectStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch blob.Driver(cfg.Driver) {
	case blob.DriverFilesystem:
		st, err := blobfs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return st, nil
	case blob.DriverMemory:
		return memory.New(), nil
	case blob.DriverS3:
		st, err := s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case blob.DriverGCS:
		st, err := gcs.New(ctx, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			CredentialsFile: cfg.GCS.CredentialsFile,
			EmulatorHost:    cfg.GCS.EmulatorHost,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}
