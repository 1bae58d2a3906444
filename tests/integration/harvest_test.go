//go:build integration

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/doc-harvester/internal/testutil"
	"github.com/Sternrassler/doc-harvester/pkg/auth"
	"github.com/Sternrassler/doc-harvester/pkg/blobstore"
	"github.com/Sternrassler/doc-harvester/pkg/cache"
	"github.com/Sternrassler/doc-harvester/pkg/client"
	"github.com/Sternrassler/doc-harvester/pkg/document"
	"github.com/Sternrassler/doc-harvester/pkg/ingest"
	"github.com/Sternrassler/doc-harvester/pkg/stats"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newClient(t *testing.T, api *testutil.MockAPI) *client.Client {
	t.Helper()

	tokens := auth.NewManager(&auth.PasswordSource{
		HTTPClient: api.Client(),
		TokenURL:   api.TokenURL(),
		Username:   "user",
		Password:   "secret",
	})

	cfg := client.DefaultConfig()
	cfg.BaseURL = api.BaseURL()
	cfg.PageDelay = 0
	cfg.ForbiddenDelay = time.Millisecond
	cfg.RateLimitDelay = time.Millisecond

	c, err := client.New(cfg, tokens, zerolog.Nop())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

func TestRedisKeySet_Lifecycle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	keys := cache.NewRedisKeySet(redisClient, time.Hour)
	scope := cache.ScopeKey{Store: "gs://exports", Prefix: "docs"}.String()

	if _, err := keys.Keys(ctx, scope); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	if err := keys.Replace(ctx, scope, []string{"docs/2.json", "docs/1.json"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if err := keys.Add(ctx, scope, "docs/3.json"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := keys.Keys(ctx, scope)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if want := []string{"docs/1.json", "docs/2.json", "docs/3.json"}; !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}

	if err := keys.Invalidate(ctx, scope); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := keys.Keys(ctx, scope); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after Invalidate, got %v", err)
	}
}

// TestHarvest_RedisCachedListing runs export and stats against a store whose
// listing is cached in Redis, then makes the store listing fail to show
// that resume and stats are served from the cache.
func TestHarvest_RedisCachedListing(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI("42",
		testutil.MockDocument{ID: "1", Title: "One", Pages: []document.Page{{Number: 0, Contents: "a b"}}},
		testutil.MockDocument{ID: "2", Title: "Two", Pages: []document.Page{{Number: 0, Contents: "c"}}},
		testutil.MockDocument{ID: "3", Title: "Three", NoText: true},
	)
	defer api.Close()

	ctx := context.Background()
	dir := t.TempDir()
	mem := blobstore.NewMemory()
	keys := cache.NewRedisKeySet(redisClient, time.Hour)
	store := blobstore.NewCached(mem, keys, "docs", zerolog.Nop())

	exportCfg := ingest.DefaultConfig()
	exportCfg.ResourceID = "42"
	exportCfg.PageSize = 2
	exportCfg.Consumers = 2
	exportCfg.Prefix = "docs"
	exportCfg.LedgerPath = filepath.Join(dir, "uploaded_ids_cache.txt")
	exportCfg.EmptyLogPath = filepath.Join(dir, "empty_docs_all.txt")
	exportCfg.IDCachePath = filepath.Join(dir, "dc_document_ids_cache.txt")

	export := func() *ingest.Result {
		t.Helper()
		p, err := ingest.New(exportCfg, newClient(t, api), store, zerolog.Nop())
		if err != nil {
			t.Fatalf("ingest.New() error = %v", err)
		}
		res, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("export Run() error = %v", err)
		}
		return res
	}

	if res := export(); res.Uploaded != 3 || res.Empty != 1 {
		t.Fatalf("first export = %+v", res)
	}

	scope := cache.ScopeKey{Store: mem.Name(), Prefix: "docs"}.String()
	cached, err := keys.Keys(ctx, scope)
	if err != nil {
		t.Fatalf("listing not cached: %v", err)
	}
	if want := []string{"docs/1.json", "docs/2.json", "docs/3.json"}; !slices.Equal(cached, want) {
		t.Errorf("cached listing = %v, want %v", cached, want)
	}

	mem.SetListError(errors.New("bucket unavailable"))

	if res := export(); res.Done != 3 || res.Uploaded != 0 {
		t.Errorf("second export = %+v, want all done from cached listing", res)
	}

	statsCfg := stats.DefaultConfig()
	statsCfg.Prefix = "docs"
	statsCfg.Workers = 2
	statsCfg.DocumentsPath = filepath.Join(dir, "document_stats.csv")
	statsCfg.PagesPath = filepath.Join(dir, "page_token_counts.csv")
	statsCfg.SummarizedPath = filepath.Join(dir, "summarized_ids.txt")
	statsCfg.EmptyLogPath = filepath.Join(dir, "stats_empty.txt")

	p, err := stats.New(statsCfg, store, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("stats Run() error = %v", err)
	}
	if res.Listed != 3 || res.Summarized != 3 || res.Empty != 1 {
		t.Errorf("stats = %+v", res)
	}
}
