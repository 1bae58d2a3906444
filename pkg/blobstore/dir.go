package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Dir stores bundles as files under Root. Keys use forward slashes.
type Dir struct {
	Root string
}

// NewDir returns a store rooted at root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

// Name implements Store.
func (d *Dir) Name() string {
	return "file://" + filepath.ToSlash(d.Root)
}

// Keys implements Store. Keys are yielded in lexical order.
func (d *Dir) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(d.Root, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				if p == d.Root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if entry.IsDir() || strings.HasSuffix(p, ".tmp") {
				return nil
			}
			rel, err := filepath.Rel(d.Root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !HasKeyPrefix(key, prefix) {
				return nil
			}
			if !yield(key, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", &StoreError{Op: "list", Store: d.Name(), Err: err})
		}
	}
}

// Get implements Store.
func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	target, err := d.path(key)
	if err != nil {
		return nil, &StoreError{Op: "get", Store: d.Name(), Key: key, Err: err}
	}
	data, err := os.ReadFile(target)
	observe("get", len(data), err)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNotExist
		}
		return nil, &StoreError{Op: "get", Store: d.Name(), Key: key, Err: err}
	}
	return data, nil
}

// Put implements Store. The object is written to a temporary file and
// renamed into place.
func (d *Dir) Put(_ context.Context, key string, data []byte) error {
	err := d.put(key, data)
	observe("put", len(data), err)
	if err != nil {
		return &StoreError{Op: "put", Store: d.Name(), Key: key, Err: err}
	}
	return nil
}

func (d *Dir) put(key string, data []byte) error {
	target, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (d *Dir) path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.Root, rel), nil
}
