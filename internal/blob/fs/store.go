// Package fs implements a blob Store on the local filesystem. Each object
// has a ".meta" JSON sidecar holding its content type and user metadata.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vbonduro/siteassess/internal/blob"
)

type Store struct {
	root string
}

var _ blob.Store = (*Store)(nil)

// New returns a filesystem store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() blob.Driver { return blob.DriverFilesystem }

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Size        int64             `json:"size"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", errors.New("invalid absolute key")
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", errors.New("invalid key traversal")
	}
	return clean, nil
}

func (s *Store) pathFor(key string) (dataPath, metaPath string, err error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	return dataPath, dataPath + ".meta", nil
}

// Put writes r to a temp file and renames it over key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if err := ctx.Err(); err != nil {
		return blob.Info{}, err
	}
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return blob.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return blob.Info{}, fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return blob.Info{}, fmt.Errorf("failed to create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return blob.Info{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return blob.Info{}, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return blob.Info{}, fmt.Errorf("failed to move blob into place: %w", err)
	}

	mf := metaFile{ContentType: opts.ContentType, Metadata: blob.CloneMetadata(opts.Metadata), Size: size, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(mf)
	if err != nil {
		return blob.Info{}, fmt.Errorf("failed to encode blob metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return blob.Info{}, fmt.Errorf("failed to write blob metadata: %w", err)
	}
	return mf.info(key), nil
}

func (s *Store) Head(_ context.Context, key string) (blob.Info, error) {
	_, metaPath, err := s.pathFor(key)
	if err != nil {
		return blob.Info{}, err
	}
	b, err := os.ReadFile(metaPath)
	if errors.Is(err, iofs.ErrNotExist) {
		return blob.Info{}, fmt.Errorf("blob %s: %w", key, blob.ErrNotFound)
	}
	if err != nil {
		return blob.Info{}, fmt.Errorf("failed to read blob metadata: %w", err)
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return blob.Info{}, fmt.Errorf("failed to decode blob metadata: %w", err)
	}
	return mf.info(key), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func (mf metaFile) info(key string) blob.Info {
	return blob.Info{
		Key:          key,
		Size:         mf.Size,
		ContentType:  mf.ContentType,
		Metadata:     blob.CloneMetadata(mf.Metadata),
		LastModified: mf.UpdatedAt,
	}
}
