// Package memory implements an in-memory blob Store for tests and local runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vbonduro/siteassess/internal/blob"
)

type entry struct {
	info blob.Info
	data []byte
}

type Store struct {
	mu   sync.RWMutex
	objs map[string]entry
}

var _ blob.Store = (*Store)(nil)

func New() *Store { return &Store{objs: make(map[string]entry)} }

func (s *Store) Driver() blob.Driver { return blob.DriverMemory }

// Put stores r under key, replacing any previous object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if err := ctx.Err(); err != nil {
		return blob.Info{}, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return blob.Info{}, fmt.Errorf("failed to read blob body: %w", err)
	}
	info := blob.Info{
		Key:          key,
		Size:         int64(len(b)),
		ContentType:  opts.ContentType,
		Metadata:     blob.CloneMetadata(opts.Metadata),
		LastModified: time.Now().UTC(),
	}
	s.mu.Lock()
	s.objs[key] = entry{info: info, data: b}
	s.mu.Unlock()
	return info, nil
}

func (s *Store) Head(_ context.Context, key string) (blob.Info, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return blob.Info{}, fmt.Errorf("blob %s: %w", key, blob.ErrNotFound)
	}
	info := obj.info
	info.Metadata = blob.CloneMetadata(info.Metadata)
	return info, nil
}

// Bytes returns a copy of the stored content.
func (s *Store) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objs[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	delete(s.objs, key)
	return ok, nil
}
