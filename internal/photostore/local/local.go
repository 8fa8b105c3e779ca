package local

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vbonduro/siteassess/internal/photostore"
)

// Files stores photo files under a single root directory.
type Files struct {
	basePath string
}

var _ photostore.Files = (*Files)(nil)

func NewFiles(basePath string) (*Files, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}
	return &Files{basePath: basePath}, nil
}

func (s *Files) Exists(key string) (bool, error) {
	p, err := s.safeJoin(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat file: %w", err)
}

func (s *Files) Mkdir(key string) error {
	p, err := s.safeJoin(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// Copy writes src into a temp file beside key and renames it into place, so
// a crash leaves at most a stray temp file and never a truncated photo.
func (s *Files) Copy(src, key string) error {
	dst, err := s.safeJoin(key)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		if cerr := in.Close(); cerr != nil {
			slog.Error("failed to close source file", "error", cerr)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		if cerr := tmp.Close(); cerr != nil {
			slog.Error("failed to close file after write error", "error", cerr)
		}
		if rerr := os.Remove(tmpPath); rerr != nil {
			slog.Error("failed to remove file after write error", "error", rerr)
		}
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		if rerr := os.Remove(tmpPath); rerr != nil {
			slog.Error("failed to remove file after close error", "error", rerr)
		}
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		if rerr := os.Remove(tmpPath); rerr != nil {
			slog.Error("failed to remove file after rename error", "error", rerr)
		}
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (s *Files) Stat(key string) (photostore.FileInfo, error) {
	p, err := s.safeJoin(key)
	if err != nil {
		return photostore.FileInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return photostore.FileInfo{}, photostore.ErrNotExist
		}
		return photostore.FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return photostore.FileInfo{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *Files) ReadFile(key string) ([]byte, error) {
	p, err := s.safeJoin(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, photostore.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (s *Files) Unlink(key string) error {
	p, err := s.safeJoin(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return photostore.ErrNotExist
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *Files) RemoveAll(key string) error {
	p, err := s.safeJoin(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	return nil
}

func (s *Files) ReadDir(key string) ([]string, error) {
	p := s.basePath
	if key != "" {
		var err error
		if p, err = s.safeJoin(key); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// safeJoin resolves key relative to basePath and rejects directory traversal.
func (s *Files) safeJoin(key string) (string, error) {
	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(s.basePath, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt")
	}
	return absPath, nil
}
