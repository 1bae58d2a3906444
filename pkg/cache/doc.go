// Package cache keeps listings of object keys so that resume logic does not
// have to walk a large bucket on every run.
//
// A listing is stored per scope, the identity of a store plus a key prefix
// (see ScopeKey). Two KeySet implementations exist:
//
//   - RedisKeySet shares listings between hosts through Redis sets
//   - FileKeySet keeps one newline-delimited file per scope on local disk
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	keys := cache.NewRedisKeySet(redisClient, 24*time.Hour)
//
//	scope := cache.ScopeKey{Store: "gs://bucket", Prefix: "docs/"}.String()
//	listed, err := keys.Keys(ctx, scope)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// walk the store, then:
//		err = keys.Replace(ctx, scope, walked)
//	}
//
//	// after every successful upload
//	err = keys.Add(ctx, scope, "docs/2024.json")
//
// A listing only counts as present once Replace has completed. Add on a
// missing listing records the key but does not make the listing present,
// so a partial set is never mistaken for a full walk.
//
// # Metrics
//
//   - docharvest_cache_hits_total{layer} - listings served from cache
//   - docharvest_cache_misses_total{layer} - listings not cached
//   - docharvest_cache_keys{layer} - keys in the last listing read or written
//   - docharvest_cache_errors_total{operation} - cache operation errors
package cache
