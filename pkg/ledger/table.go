package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
)

// ErrHeaderMismatch is returned when an existing table has a different header.
var ErrHeaderMismatch = errors.New("table header mismatch")

// Table is an append-only CSV file whose header is written exactly once,
// when the file is created.
type Table struct {
	path   string
	header []string

	mu sync.Mutex
	f  *os.File
}

// OpenTable opens the table at path for appending, writing header if the
// file is new or empty. An existing table must carry the same header.
func OpenTable(path string, header []string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	if end := completeRecords(data); end < int64(len(data)) {
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, fmt.Errorf("repair table %s: %w", path, err)
		}
		data = data[:end]
	}

	t := &Table{path: path, header: slices.Clone(header), f: f}

	if i := bytes.IndexByte(data, '\n'); i < 0 {
		if _, err := f.Write(encodeRows(header)); err != nil {
			f.Close()
			return nil, fmt.Errorf("write table header %s: %w", path, err)
		}
	} else {
		existing, err := csv.NewReader(bytes.NewReader(data[:i+1])).Read()
		if err != nil || !slices.Equal(existing, header) {
			f.Close()
			return nil, fmt.Errorf("%w in %s: have %v, want %v", ErrHeaderMismatch, path, existing, header)
		}
	}

	return t, nil
}

// Append writes rows in one write. Every row must match the header width.
func (t *Table) Append(rows ...[]string) error {
	for _, row := range rows {
		if len(row) != len(t.header) {
			return fmt.Errorf("table %s: row has %d columns, want %d", t.path, len(row), len(t.header))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	data := encodeRows(rows...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("table %s is closed", t.path)
	}
	if _, err := t.f.Write(data); err != nil {
		return fmt.Errorf("append to table %s: %w", t.path, err)
	}
	return nil
}

// Path returns the backing file.
func (t *Table) Path() string {
	return t.path
}

// Close syncs and closes the backing file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := errors.Join(t.f.Sync(), t.f.Close())
	t.f = nil
	return err
}

// ReadTable reads the header and rows of the CSV table at path.
func ReadTable(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open table %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, fmt.Errorf("table %s is empty", path)
		}
		return nil, nil, fmt.Errorf("read table %s header: %w", path, err)
	}
	r.FieldsPerRecord = len(header)

	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read table %s: %w", path, err)
	}
	return header, rows, nil
}

// completeRecords returns the length of the longest prefix of data made of
// whole newline-terminated CSV records. A quoted field may span lines, so
// the last newline is not necessarily a record boundary.
func completeRecords(data []byte) int64 {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var end int64
	for {
		if _, err := r.Read(); err != nil {
			return end
		}
		if off := r.InputOffset(); off > 0 && data[off-1] == '\n' {
			end = off
		}
	}
}

func encodeRows(rows ...[]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	// Writes to a bytes.Buffer cannot fail.
	_ = w.WriteAll(rows)
	return buf.Bytes()
}
