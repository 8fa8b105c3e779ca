// Package gcs implements a blob Store on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/vbonduro/siteassess/internal/blob"
)

type Store struct {
	client *storage.Client
	bucket string
}

var _ blob.Store = (*Store)(nil)

type Config struct {
	Bucket          string
	CredentialsFile string // optional; application default credentials otherwise
	// EmulatorHost points the client at a fake-gcs-server style emulator
	// without authentication.
	EmulatorHost string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket required")
	}
	var opts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		endpoint := strings.TrimRight(cfg.EmulatorHost, "/") + "/storage/v1/"
		opts = append(opts, option.WithoutAuthentication(), option.WithEndpoint(endpoint))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(storage.ScopeReadWrite))
	default:
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) Driver() blob.Driver { return blob.DriverGCS }

func (s *Store) Close() error { return s.client.Close() }

// Put streams r to the object, replacing any previous generation.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = blob.CloneMetadata(opts.Metadata)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return blob.Info{}, fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return blob.Info{}, fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return fromAttrs(w.Attrs()), nil
}

func (s *Store) Head(ctx context.Context, key string) (blob.Info, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return blob.Info{}, fmt.Errorf("blob %s: %w", key, blob.ErrNotFound)
		}
		return blob.Info{}, fmt.Errorf("failed to read object attrs: %w", err)
	}
	return fromAttrs(attrs), nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	return true, nil
}

func fromAttrs(a *storage.ObjectAttrs) blob.Info {
	if a == nil {
		return blob.Info{}
	}
	return blob.Info{
		Key:          a.Name,
		Size:         a.Size,
		ContentType:  a.ContentType,
		Metadata:     blob.CloneMetadata(a.Metadata),
		LastModified: a.Updated,
	}
}
