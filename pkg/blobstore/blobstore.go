// Package blobstore is the object store facade used by the pipelines: a flat
// key space of JSON bundles with list, get and put.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrNotExist is wrapped by StoreError when a key is absent.
var ErrNotExist = errors.New("object does not exist")

// ErrInvalidID is returned for record ids that cannot name a single object
// directly under the bundle prefix.
var ErrInvalidID = errors.New("invalid record id")

// ErrInvalidKey is returned by Dir for keys that would leave its root.
var ErrInvalidKey = errors.New("invalid object key")

// Prometheus metrics for object store operations.
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_blobstore_operations_total",
		Help: "Total object store operations by operation and outcome",
	}, []string{"op", "outcome"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_blobstore_bytes_total",
		Help: "Total bytes read from or written to the object store",
	}, []string{"op"})
)

// Store is a key-value blob store. Implementations are safe for concurrent
// use.
type Store interface {
	// Name identifies the store in logs and cache scopes.
	Name() string

	// Keys yields every key starting with prefix. A listing failure is
	// yielded as the final element.
	Keys(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Get returns the object at key. A missing key wraps ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data at key.
	Put(ctx context.Context, key string, data []byte) error
}

// StoreError is a failed object store operation.
type StoreError struct {
	Op    string
	Store string
	Key   string
	Err   error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("blobstore %s %s: %v", e.Store, e.Op, e.Err)
	}
	return fmt.Sprintf("blobstore %s %s %q: %v", e.Store, e.Op, e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether err is a missing-object error.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// ListKeys yields the keys of s under prefix. A listing failure is logged
// and ends the sequence early; listing is best-effort, so callers see a
// shorter listing rather than an error.
func ListKeys(ctx context.Context, s Store, prefix string, logger zerolog.Logger) iter.Seq[string] {
	return func(yield func(string) bool) {
		for key, err := range s.Keys(ctx, prefix) {
			if err != nil {
				operationsTotal.WithLabelValues("list", "error").Inc()
				logger.Warn().
					Err(err).
					Str("store", s.Name()).
					Str("prefix", prefix).
					Msg("Object listing failed, continuing with partial listing")
				return
			}
			if !yield(key) {
				return
			}
		}
		operationsTotal.WithLabelValues("list", "ok").Inc()
	}
}

// KeyFromID returns the object key of a record's bundle: "{prefix}/{id}.json".
// The id must be a single path segment.
func KeyFromID(prefix, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return path.Join(prefix, id+".json"), nil
}

// HasKeyPrefix reports whether key lies under prefix. A non-empty prefix
// matches whole path segments, so "docs" matches "docs/1.json" but not
// "docs2/1.json".
func HasKeyPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, listPrefix(prefix))
}

// listPrefix returns prefix as a directory prefix ending in "/".
func listPrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// IDFromKey returns the record id of a bundle key, or false if key does not
// name a bundle.
func IDFromKey(key string) (string, bool) {
	base := path.Base(key)
	id, ok := strings.CutSuffix(base, ".json")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func observe(op string, n int, err error) {
	if err != nil {
		operationsTotal.WithLabelValues(op, "error").Inc()
		return
	}
	operationsTotal.WithLabelValues(op, "ok").Inc()
	bytesTotal.WithLabelValues(op).Add(float64(n))
}
