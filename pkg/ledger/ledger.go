// Package ledger holds the checkpoint state of the pipelines: append-only
// ID ledgers recording completed work, and append-only CSV tables.
//
// Both are safe for concurrent writers. Every append is a single write of
// whole lines, so a reader never sees a partial entry from a live writer; a
// torn trailing line left by a crash is discarded when the file is reopened.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// Ledger is an append-only set of record IDs backed by a file with one ID
// per line. IDs are never removed.
type Ledger struct {
	path string
	sync bool

	mu  sync.Mutex
	f   *os.File
	set Set
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSync makes every Add fsync the file before it returns.
func WithSync(enabled bool) Option {
	return func(l *Ledger) {
		l.sync = enabled
	}
}

// Load returns the IDs recorded at path. A missing file is an empty set.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSet(), nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return parse(data), nil
}

// Open loads the ledger at path, creating the file if needed, and keeps it
// open for appends.
func Open(path string, opts ...Option) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if err := dropTornLine(f, data); err != nil {
		f.Close()
		return nil, fmt.Errorf("repair ledger %s: %w", path, err)
	}

	l := &Ledger{
		path: path,
		f:    f,
		set:  parse(data),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Add records id. It returns false without writing if id is already
// recorded. The ID becomes visible to Contains only after its line has been
// written.
func (l *Ledger) Add(id string) (bool, error) {
	if id == "" || bytes.ContainsAny([]byte(id), "\r\n") {
		return false, fmt.Errorf("invalid ledger id %q", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return false, fmt.Errorf("ledger %s is closed", l.path)
	}
	if l.set.Contains(id) {
		return false, nil
	}
	if _, err := l.f.Write([]byte(id + "\n")); err != nil {
		return false, fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return false, fmt.Errorf("sync ledger %s: %w", l.path, err)
		}
	}
	l.set.Add(id)
	return true, nil
}

// Contains reports whether id is recorded.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.Contains(id)
}

// Len returns the number of recorded IDs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.Len()
}

// IDs returns a snapshot of the recorded IDs.
func (l *Ledger) IDs() Set {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Set, len(l.set))
	for id := range l.set {
		out[id] = struct{}{}
	}
	return out
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.path
}

// Close syncs and closes the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := errors.Join(l.f.Sync(), l.f.Close())
	l.f = nil
	return err
}

func parse(data []byte) Set {
	s := NewSet()
	// Bytes after the last newline are a torn write and not an entry.
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	} else {
		return s
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if id := string(bytes.TrimSpace(line)); id != "" {
			s.Add(id)
		}
	}
	return s
}

func dropTornLine(f *os.File, data []byte) error {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	return f.Truncate(int64(bytes.LastIndexByte(data, '\n') + 1))
}
