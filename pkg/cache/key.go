package cache

import (
	"context"
	"strings"
)

// KeySet is a cached listing of object keys per scope. Implementations are
// safe for concurrent use.
type KeySet interface {
	// Keys returns the cached listing for scope, sorted. It returns
	// ErrCacheMiss when no complete listing has been stored.
	Keys(ctx context.Context, scope string) ([]string, error)

	// Replace stores keys as the complete listing for scope.
	Replace(ctx context.Context, scope string, keys []string) error

	// Add records one key under scope.
	Add(ctx context.Context, scope, key string) error

	// Invalidate drops the listing for scope.
	Invalidate(ctx context.Context, scope string) error
}

// ScopeKey identifies one cached listing.
type ScopeKey struct {
	// Store names the backing store (e.g. "gs://bucket" or a directory path)
	Store string

	// Prefix is the key prefix the listing was taken under
	Prefix string
}

// String generates a deterministic scope string.
// Format: docharvest:keys:store:prefix
//
// Example:
//
//	docharvest:keys:gs://exports:docs
func (k ScopeKey) String() string {
	parts := []string{"docharvest", "keys"}

	store := strings.TrimRight(k.Store, "/")
	if store == "" {
		store = "default"
	}
	parts = append(parts, store)

	if prefix := strings.Trim(k.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}

	return strings.Join(parts, ":")
}
