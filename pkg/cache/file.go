package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileKeySet keeps one newline-delimited file per scope under Dir. Replace
// writes to a ".partial" file and renames it into place, so an interrupted
// write never leaves a truncated listing behind.
type FileKeySet struct {
	Dir string

	mu sync.Mutex
}

// NewFileKeySet creates a key set rooted at dir.
func NewFileKeySet(dir string) *FileKeySet {
	return &FileKeySet{Dir: dir}
}

// Path returns the file backing scope.
func (s *FileKeySet) Path(scope string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, scope)
	return filepath.Join(s.Dir, name+".txt")
}

// Keys implements KeySet.
func (s *FileKeySet) Keys(_ context.Context, scope string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path(scope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			CacheMisses.WithLabelValues("file").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			keys = append(keys, line)
		}
	}
	if err := scanner.Err(); err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("read listing: %w", err)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	CacheHits.WithLabelValues("file").Inc()
	CacheKeys.WithLabelValues("file").Set(float64(len(keys)))
	return keys, nil
}

// Replace implements KeySet.
func (s *FileKeySet) Replace(_ context.Context, scope string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		CacheErrors.WithLabelValues("replace").Inc()
		return fmt.Errorf("create cache dir: %w", err)
	}

	path := s.Path(scope)
	partial := path + ".partial"
	if err := writeLines(partial, keys); err != nil {
		CacheErrors.WithLabelValues("replace").Inc()
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, path); err != nil {
		CacheErrors.WithLabelValues("replace").Inc()
		return fmt.Errorf("rename listing: %w", err)
	}

	CacheKeys.WithLabelValues("file").Set(float64(len(keys)))
	return nil
}

// Add implements KeySet. Keys are only appended to an existing listing.
func (s *FileKeySet) Add(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(scope), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		CacheErrors.WithLabelValues("add").Inc()
		return fmt.Errorf("open listing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(key + "\n"); err != nil {
		CacheErrors.WithLabelValues("add").Inc()
		return fmt.Errorf("append listing: %w", err)
	}
	return nil
}

// Invalidate implements KeySet.
func (s *FileKeySet) Invalidate(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(scope)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("remove listing: %w", err)
	}
	return nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write listing: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync listing: %w", err)
	}
	return f.Close()
}
