package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// IDCache materializes the full list of known record IDs to a local file so
// later runs can skip walking the listing endpoint.
type IDCache struct {
	Path string
}

// Load returns the cached IDs in file order. ok is false when no cache file
// exists.
func (c IDCache) Load() (ids []string, ok bool, err error) {
	f, err := os.Open(c.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open id cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("read id cache: %w", err)
	}
	return ids, true, nil
}

// Save writes ids to "<Path>.partial" and renames it over Path.
func (c IDCache) Save(ids []string) error {
	partial := c.Path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create id cache: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, id := range ids {
		w.WriteString(id)
		w.WriteByte('\n')
	}
	err = errors.Join(w.Flush(), f.Sync(), f.Close())
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("write id cache: %w", err)
	}

	if err := os.Rename(partial, c.Path); err != nil {
		return fmt.Errorf("rename id cache: %w", err)
	}
	return nil
}
