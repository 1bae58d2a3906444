// Package config loads the harvester configuration: defaults, then an
// optional YAML file, then a .env file and environment overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/doc-harvester/pkg/auth"
	"github.com/Sternrassler/doc-harvester/pkg/client"
	"github.com/Sternrassler/doc-harvester/pkg/ingest"
	"github.com/Sternrassler/doc-harvester/pkg/logging"
	"github.com/Sternrassler/doc-harvester/pkg/ratelimit"
	"github.com/Sternrassler/doc-harvester/pkg/stats"
)

// Store backends.
const (
	StoreGCS    = "gcs"
	StoreDir    = "dir"
	StoreMemory = "memory"
)

// Listing cache backends.
const (
	CacheNone  = "none"
	CacheRedis = "redis"
	CacheFile  = "file"
)

// EnvConfigPath names the YAML file when no path is given to Load.
const EnvConfigPath = "DOCHARVEST_CONFIG"

// Config is the complete harvester configuration.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	API     APIConfig      `yaml:"api"`
	Auth    AuthConfig     `yaml:"auth"`
	Store   StoreConfig    `yaml:"store"`
	Cache   CacheConfig    `yaml:"cache"`
	Export  ExportConfig   `yaml:"export"`
	Stats   StatsConfig    `yaml:"stats"`
	Report  ReportConfig   `yaml:"report"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	// RunTimeout bounds a whole run. Zero means no deadline.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// APIConfig configures the document API client and listing.
type APIConfig struct {
	BaseURL            string        `yaml:"base_url"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout"`
	PageDelay          time.Duration `yaml:"page_delay"`
	ForbiddenDelay     time.Duration `yaml:"forbidden_delay"`
	RateLimitDelay     time.Duration `yaml:"rate_limit_delay"`
	MaxThrottleRetries int           `yaml:"max_throttle_retries"`

	// ProjectID is the collection whose records are exported.
	ProjectID string `yaml:"project_id"`
	PageSize  int    `yaml:"page_size"`
	MaxListed int    `yaml:"max_listed"`
}

// AuthConfig configures the credential endpoint.
type AuthConfig struct {
	TokenURL string        `yaml:"token_url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"-"`
	Lease    time.Duration `yaml:"lease"`
}

// StoreConfig selects the blob store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
	Dir     string `yaml:"dir"`
	Prefix  string `yaml:"prefix"`

	// CreateOnly makes GCS writes fail silently instead of overwriting.
	CreateOnly bool `yaml:"create_only"`
}

// CacheConfig selects the listing cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPassword string        `yaml:"-"`
	TTL           time.Duration `yaml:"ttl"`
	Dir           string        `yaml:"dir"`
}

// ExportConfig configures the ingestion pipeline.
type ExportConfig struct {
	Consumers    int    `yaml:"consumers"`
	QueueSize    int    `yaml:"queue_size"`
	MaxDocuments int    `yaml:"max_documents"`
	ResumeMode   string `yaml:"resume_mode"`
	LedgerPath   string `yaml:"ledger_path"`
	EmptyLogPath string `yaml:"empty_log_path"`
	IDCachePath  string `yaml:"id_cache_path"`
	SyncLedger   bool   `yaml:"sync_ledger"`
}

// StatsConfig configures the stats pipeline.
type StatsConfig struct {
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	Workers          int    `yaml:"workers"`
	Limit            int    `yaml:"limit"`
	DocumentsPath    string `yaml:"documents_path"`
	PagesPath        string `yaml:"pages_path"`
	SummarizedPath   string `yaml:"summarized_path"`
	EmptyLogPath     string `yaml:"empty_log_path"`
	SyncLedger       bool   `yaml:"sync_ledger"`
}

// ReportConfig configures the report.
type ReportConfig struct {
	// MaxPageNumbers limits the per-page-number table. Zero prints all rows.
	MaxPageNumbers int `yaml:"max_page_numbers"`
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() *Config {
	cc := client.DefaultConfig()
	ic := ingest.DefaultConfig()
	sc := stats.DefaultConfig()

	return &Config{
		Logging: logging.DefaultConfig(),
		API: APIConfig{
			BaseURL:        cc.BaseURL,
			UserAgent:      cc.UserAgent,
			Timeout:        cc.Timeout,
			PageDelay:      ratelimit.DefaultPageDelay,
			ForbiddenDelay: ratelimit.DefaultForbiddenDelay,
			RateLimitDelay: ratelimit.DefaultRateLimitDelay,
			PageSize:       ic.PageSize,
		},
		Auth: AuthConfig{
			TokenURL: auth.DefaultTokenURL,
			Lease:    auth.DefaultLease,
		},
		Store: StoreConfig{
			Backend: StoreDir,
			Dir:     "bundles",
		},
		Cache: CacheConfig{
			Backend:   CacheNone,
			RedisAddr: "localhost:6379",
			TTL:       24 * time.Hour,
			Dir:       ".docharvest",
		},
		Export: ExportConfig{
			Consumers:    ic.Consumers,
			QueueSize:    ic.QueueSize,
			ResumeMode:   string(ic.ResumeMode),
			LedgerPath:   ic.LedgerPath,
			EmptyLogPath: ic.EmptyLogPath,
			IDCachePath:  ic.IDCachePath,
		},
		Stats: StatsConfig{
			FetchConcurrency: sc.FetchConcurrency,
			Workers:          sc.Workers,
			DocumentsPath:    sc.DocumentsPath,
			PagesPath:        sc.PagesPath,
			SummarizedPath:   sc.SummarizedPath,
			EmptyLogPath:     sc.EmptyLogPath,
		},
		Report: ReportConfig{
			MaxPageNumbers: 50,
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// DOCHARVEST_CONFIG variable is consulted, and when that is empty too only
// defaults and the environment apply. A .env file in the working directory
// is read first; variables already set win over it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv() error {
	setString(&c.Auth.Username, "DOCUMENTCLOUD_USERNAME")
	setString(&c.Auth.Password, "DOCUMENTCLOUD_PASSWORD")
	setString(&c.API.ProjectID, "DOCHARVEST_PROJECT_ID")
	setString(&c.API.BaseURL, "DOCHARVEST_API_URL")
	setString(&c.Store.Backend, "DOCHARVEST_STORE")
	setString(&c.Store.Bucket, "DOCHARVEST_BUCKET")
	setString(&c.Store.Dir, "DOCHARVEST_STORE_DIR")
	setString(&c.Store.Prefix, "DOCHARVEST_PREFIX")
	setString(&c.Cache.Backend, "DOCHARVEST_CACHE")
	setString(&c.Cache.RedisAddr, "DOCHARVEST_REDIS_ADDR")
	setString(&c.Cache.RedisPassword, "DOCHARVEST_REDIS_PASSWORD")
	setString(&c.Export.ResumeMode, "DOCHARVEST_RESUME_MODE")
	setString(&c.MetricsAddr, "DOCHARVEST_METRICS_ADDR")
	if v, ok := lookup("DOCHARVEST_LOG_LEVEL"); ok {
		c.Logging.Level = logging.LogLevel(v)
	}

	return errors.Join(
		setInt(&c.Export.Consumers, "DOCHARVEST_CONSUMERS"),
		setInt(&c.Export.MaxDocuments, "DOCHARVEST_MAX_DOCUMENTS"),
		setInt(&c.Stats.Workers, "DOCHARVEST_WORKERS"),
		setInt(&c.Stats.Limit, "DOCHARVEST_STATS_LIMIT"),
		setInt(&c.API.MaxThrottleRetries, "DOCHARVEST_MAX_THROTTLE_RETRIES"),
		setDuration(&c.RunTimeout, "DOCHARVEST_RUN_TIMEOUT"),
	)
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case StoreGCS:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the gcs backend"))
		}
	case StoreDir:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the dir backend"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Cache.Backend {
	case CacheNone, "":
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis cache"))
		}
	case CacheFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the file cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.RunTimeout < 0 {
		errs = append(errs, errors.New("run_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateExport checks the settings the export command needs on top of
// Validate.
func (c *Config) ValidateExport() error {
	var errs []error
	if c.API.ProjectID == "" {
		errs = append(errs, errors.New("api.project_id is required"))
	}
	if c.Auth.Username == "" || c.Auth.Password == "" {
		errs = append(errs, errors.New("DOCUMENTCLOUD_USERNAME and DOCUMENTCLOUD_PASSWORD are required"))
	}
	switch ingest.ResumeMode(c.Export.ResumeMode) {
	case ingest.ResumeIntersect, ingest.ResumeLedger:
	default:
		errs = append(errs, fmt.Errorf("unknown resume mode %q", c.Export.ResumeMode))
	}
	if c.Export.Consumers <= 0 || c.Export.QueueSize <= 0 {
		errs = append(errs, errors.New("export.consumers and export.queue_size must be positive"))
	}
	return errors.Join(c.Validate(), errors.Join(errs...))
}

// Client returns the API client configuration.
func (c *Config) Client() client.Config {
	return client.Config{
		BaseURL:            c.API.BaseURL,
		UserAgent:          c.API.UserAgent,
		Timeout:            c.API.Timeout,
		PageDelay:          c.API.PageDelay,
		ForbiddenDelay:     c.API.ForbiddenDelay,
		RateLimitDelay:     c.API.RateLimitDelay,
		MaxThrottleRetries: c.API.MaxThrottleRetries,
	}
}

// ExportPipeline returns the ingestion pipeline configuration.
func (c *Config) ExportPipeline() ingest.Config {
	return ingest.Config{
		ResourceID:   c.API.ProjectID,
		PageSize:     c.API.PageSize,
		MaxListed:    c.API.MaxListed,
		MaxDocuments: c.Export.MaxDocuments,
		Consumers:    c.Export.Consumers,
		QueueSize:    c.Export.QueueSize,
		Prefix:       c.Store.Prefix,
		ResumeMode:   ingest.ResumeMode(c.Export.ResumeMode),
		LedgerPath:   c.Export.LedgerPath,
		EmptyLogPath: c.Export.EmptyLogPath,
		IDCachePath:  c.Export.IDCachePath,
		SyncLedger:   c.Export.SyncLedger,
	}
}

// StatsPipeline returns the stats pipeline configuration.
func (c *Config) StatsPipeline() stats.Config {
	return stats.Config{
		Prefix:           c.Store.Prefix,
		FetchConcurrency: c.Stats.FetchConcurrency,
		Workers:          c.Stats.Workers,
		Limit:            c.Stats.Limit,
		DocumentsPath:    c.Stats.DocumentsPath,
		PagesPath:        c.Stats.PagesPath,
		SummarizedPath:   c.Stats.SummarizedPath,
		EmptyLogPath:     c.Stats.EmptyLogPath,
		SyncLedger:       c.Stats.SyncLedger,
	}
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// loadDotEnv sets KEY=VALUE pairs from path that are not already in the
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if _, exists := os.LookupEnv(k); !exists {
			os.Setenv(k, v)
		}
	}
	return scanner.Err()
}
