package blobstore

import (
	"context"
	"errors"
	"iter"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/doc-harvester/pkg/cache"
)

// Cached serves listings of Prefix from a key set and keeps the key set
// current on every successful Put. Listings of other prefixes and all reads
// go straight to the wrapped store.
type Cached struct {
	Store
	keys   cache.KeySet
	prefix string
	scope  string
	logger zerolog.Logger
}

// NewCached wraps store with a listing cache for prefix.
func NewCached(store Store, keys cache.KeySet, prefix string, logger zerolog.Logger) *Cached {
	return &Cached{
		Store:  store,
		keys:   keys,
		prefix: prefix,
		scope:  cache.ScopeKey{Store: store.Name(), Prefix: prefix}.String(),
		logger: logger,
	}
}

// Keys implements Store. A cached listing is served as is; otherwise the
// wrapped store is walked and a complete walk is written back to the cache.
func (c *Cached) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	if prefix != c.prefix {
		return c.Store.Keys(ctx, prefix)
	}

	return func(yield func(string, error) bool) {
		keys, err := c.keys.Keys(ctx, c.scope)
		switch {
		case err == nil:
			c.logger.Debug().Str("scope", c.scope).Int("keys", len(keys)).Msg("Serving object listing from cache")
			for _, k := range keys {
				if !yield(k, nil) {
					return
				}
			}
			return
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("scope", c.scope).Msg("Listing cache unavailable, walking store")
		}

		var walked []string
		for key, err := range c.Store.Keys(ctx, prefix) {
			if err != nil {
				yield("", err)
				return
			}
			walked = append(walked, key)
			if !yield(key, nil) {
				return
			}
		}

		if err := c.keys.Replace(ctx, c.scope, walked); err != nil {
			c.logger.Warn().Err(err).Str("scope", c.scope).Msg("Failed to cache object listing")
			return
		}
		c.logger.Info().Str("scope", c.scope).Int("keys", len(walked)).Msg("Cached object listing")
	}
}

// Put implements Store.
func (c *Cached) Put(ctx context.Context, key string, data []byte) error {
	if err := c.Store.Put(ctx, key, data); err != nil {
		return err
	}
	if HasKeyPrefix(key, c.prefix) {
		if err := c.keys.Add(ctx, c.scope, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to record key in listing cache")
		}
	}
	return nil
}

// Invalidate drops the cached listing so the next Keys call walks the store.
func (c *Cached) Invalidate(ctx context.Context) error {
	return c.keys.Invalidate(ctx, c.scope)
}
