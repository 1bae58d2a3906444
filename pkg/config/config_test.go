package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/doc-harvester/pkg/auth"
	"github.com/Sternrassler/doc-harvester/pkg/ingest"
	"github.com/Sternrassler/doc-harvester/pkg/logging"
	"github.com/Sternrassler/doc-harvester/pkg/ratelimit"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != logging.LevelInfo {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.API.PageDelay != ratelimit.DefaultPageDelay {
		t.Errorf("API.PageDelay = %v, want %v", cfg.API.PageDelay, ratelimit.DefaultPageDelay)
	}
	if cfg.Auth.Lease != auth.DefaultLease {
		t.Errorf("Auth.Lease = %v, want %v", cfg.Auth.Lease, auth.DefaultLease)
	}
	if cfg.Export.Consumers != 10 || cfg.Export.QueueSize != 100 {
		t.Errorf("Export = %+v", cfg.Export)
	}
	if cfg.Export.ResumeMode != string(ingest.ResumeIntersect) {
		t.Errorf("Export.ResumeMode = %q", cfg.Export.ResumeMode)
	}
	if cfg.Store.Backend != StoreDir || cfg.Cache.Backend != CacheNone {
		t.Errorf("Store, Cache = %q, %q", cfg.Store.Backend, cfg.Cache.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	t.Setenv("DOCUMENTCLOUD_USERNAME", "alice")
	t.Setenv("DOCUMENTCLOUD_PASSWORD", "hunter2")
	t.Setenv("DOCHARVEST_CONSUMERS", "4")
	t.Setenv("TEST_BUCKET", "foia-bundles")

	path := writeFile(t, "docharvest.yaml", `
logging:
  level: debug
  pretty: true
api:
  project_id: "214794"
  page_size: 50
  forbidden_delay: 2s
store:
  backend: gcs
  bucket: ${TEST_BUCKET}
  prefix: raw
cache:
  backend: redis
  ttl: 1h30m
export:
  consumers: 20
  resume_mode: ledger
run_timeout: 4m50s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != logging.LevelDebug || !cfg.Logging.Pretty {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.API.ProjectID != "214794" || cfg.API.PageSize != 50 || cfg.API.ForbiddenDelay != 2*time.Second {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.API.RateLimitDelay != ratelimit.DefaultRateLimitDelay {
		t.Errorf("unset API.RateLimitDelay = %v, want default", cfg.API.RateLimitDelay)
	}
	if cfg.Store.Bucket != "foia-bundles" || cfg.Store.Prefix != "raw" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Cache.TTL != 90*time.Minute {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Export.Consumers != 4 {
		t.Errorf("Export.Consumers = %d, want env override 4", cfg.Export.Consumers)
	}
	if cfg.RunTimeout != 4*time.Minute+50*time.Second {
		t.Errorf("RunTimeout = %v", cfg.RunTimeout)
	}
	if cfg.Auth.Username != "alice" || cfg.Auth.Password != "hunter2" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if err := cfg.ValidateExport(); err != nil {
		t.Errorf("ValidateExport() error = %v", err)
	}

	ic := cfg.ExportPipeline()
	if ic.ResourceID != "214794" || ic.Prefix != "raw" || ic.ResumeMode != ingest.ResumeLedger || ic.Consumers != 4 {
		t.Errorf("ExportPipeline() = %+v", ic)
	}
	if cc := cfg.Client(); cc.ForbiddenDelay != 2*time.Second {
		t.Errorf("Client().ForbiddenDelay = %v", cc.ForbiddenDelay)
	}
	if sc := cfg.StatsPipeline(); sc.Prefix != "raw" || sc.DocumentsPath != "document_stats.csv" {
		t.Errorf("StatsPipeline() = %+v", sc)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "c.yaml", "metrics_addr: \":9100\"\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing file should fail")
	}

	bad := writeFile(t, "bad.yaml", "api: [unterminated\n")
	if _, err := Load(bad); err == nil {
		t.Error("Load() with invalid YAML should fail")
	}

	t.Setenv("DOCHARVEST_RUN_TIMEOUT", "soon")
	t.Setenv("DOCHARVEST_WORKERS", "many")
	_, err := Load("")
	if err == nil {
		t.Fatal("Load() with invalid env should fail")
	}
	for _, key := range []string{"DOCHARVEST_RUN_TIMEOUT", "DOCHARVEST_WORKERS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("DOCUMENTCLOUD_PASSWORD", "from-env")

	dir := t.TempDir()
	content := "# credentials\nDOCHARVEST_TEST_DOTENV=\"quoted\"\nexport DOCUMENTCLOUD_PASSWORD=from-file\nnot a pair\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("DOCHARVEST_TEST_DOTENV") })

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("DOCHARVEST_TEST_DOTENV"); got != "quoted" {
		t.Errorf("DOCHARVEST_TEST_DOTENV = %q, want quoted", got)
	}
	if cfg.Auth.Password != "from-env" {
		t.Errorf("Auth.Password = %q, want environment to win over .env", cfg.Auth.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"gcs without bucket", func(c *Config) { c.Store.Backend = StoreGCS }, true},
		{"gcs with bucket", func(c *Config) { c.Store.Backend = StoreGCS; c.Store.Bucket = "b" }, false},
		{"dir without dir", func(c *Config) { c.Store.Dir = "" }, true},
		{"memory", func(c *Config) { c.Store.Backend = StoreMemory }, false},
		{"unknown store", func(c *Config) { c.Store.Backend = "s3" }, true},
		{"redis without addr", func(c *Config) { c.Cache.Backend = CacheRedis; c.Cache.RedisAddr = "" }, true},
		{"file cache", func(c *Config) { c.Cache.Backend = CacheFile }, false},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, true},
		{"negative timeout", func(c *Config) { c.RunTimeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateExport(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ValidateExport()
	if err == nil {
		t.Fatal("ValidateExport() without project and credentials should fail")
	}
	for _, want := range []string{"project_id", "DOCUMENTCLOUD_USERNAME"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg.API.ProjectID = "1"
	cfg.Auth.Username = "u"
	cfg.Auth.Password = "p"
	cfg.Export.ResumeMode = "never"
	if err := cfg.ValidateExport(); err == nil || !strings.Contains(err.Error(), "resume mode") {
		t.Errorf("ValidateExport() error = %v, want resume mode error", err)
	}
}
