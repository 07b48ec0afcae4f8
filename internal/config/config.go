// Package config handles configuration loading and validation for coldstore.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither --config nor COLDSTORE_CONFIG is set.
const DefaultPath = "/etc/coldstore/config.yaml"

// EnvPath names the environment variable holding the config path.
const EnvPath = "COLDSTORE_CONFIG"

// Metadata backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// Config is the complete coldstore configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Metadata     MetadataConfig     `yaml:"metadata"`
	Hot          HotConfig          `yaml:"hot"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Cache        CacheConfig        `yaml:"cache"`
	Tape         TapeConfig         `yaml:"tape"`
	Notification NotificationConfig `yaml:"notification"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Listen      string `yaml:"listen"`       // S3 endpoint
	AdminListen string `yaml:"admin_listen"` // health, metrics and admin API
}

// MetadataConfig selects and configures the metadata backend.
type MetadataConfig struct {
	Backend              string         `yaml:"backend"`
	Postgres             PostgresConfig `yaml:"postgres"`
	Etcd                 EtcdConfig     `yaml:"etcd"`
	SQLite               SQLiteConfig   `yaml:"sqlite"`
	UnavailableThreshold int            `yaml:"unavailable_threshold"` // consecutive failed pings before exit
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	TimeoutSecs int      `yaml:"timeout_secs"`
	Prefix      string   `yaml:"prefix"`
}

// SQLiteConfig configures the embedded backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// HotConfig locates the hot tier.
type HotConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig groups the background workers.
type SchedulerConfig struct {
	Archive             ArchiveConfig `yaml:"archive"`
	Recall              RecallConfig  `yaml:"recall"`
	JanitorIntervalSecs int           `yaml:"janitor_interval_secs"`
}

// ArchiveConfig configures the archive scheduler.
type ArchiveConfig struct {
	ScanIntervalSecs     int   `yaml:"scan_interval_secs"`
	BatchSize            int   `yaml:"batch_size"`
	MinArchiveSizeMB     int64 `yaml:"min_archive_size_mb"`
	BundleSizeCapMB      int64 `yaml:"bundle_size_cap_mb"`
	TargetThroughputMBps int64 `yaml:"target_throughput_mbps"` // 0 disables pacing
}

// RecallConfig configures the recall scheduler.
type RecallConfig struct {
	QueueSize              int `yaml:"queue_size"`
	MaxConcurrentRestores  int `yaml:"max_concurrent_restores"`
	RestoreTimeoutSecs     int `yaml:"restore_timeout_secs"`
	MinRestoreIntervalSecs int `yaml:"min_restore_interval_secs"`
	TapePollIntervalSecs   int `yaml:"tape_poll_interval_secs"`
}

// CacheConfig configures the restore cache.
type CacheConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	MaxSizeGB      int64  `yaml:"max_size_gb"`
	TTLSecs        int    `yaml:"ttl_secs"`
	EvictionPolicy string `yaml:"eviction_policy"` // lru, lfu or ttl
}

// TapeConfig configures tape handling and the library.
type TapeConfig struct {
	SupportedFormats  []string      `yaml:"supported_formats"`
	ReplicationFactor int           `yaml:"replication_factor"`
	VerifyReadability bool          `yaml:"verify_readability"`
	Compression       bool          `yaml:"compression"`
	BlockSize         string        `yaml:"block_size"` // human-readable, e.g. "256KiB"
	Library           LibraryConfig `yaml:"library"`
}

// LibraryConfig configures the file-backed tape library.
type LibraryConfig struct {
	Path   string          `yaml:"path"`
	Drives int             `yaml:"drives"`
	Tapes  []CartridgeSpec `yaml:"tapes"`
}

// CartridgeSpec describes one cartridge in the library.
type CartridgeSpec struct {
	ID       string `yaml:"id"`
	Format   string `yaml:"format"`
	Capacity string `yaml:"capacity"` // human-readable, e.g. "18TB"
	Location string `yaml:"location"`
}

// NotificationConfig configures operator notifications.
type NotificationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WebhookURL  string `yaml:"webhook_url"`
	MQEndpoint  string `yaml:"mq_endpoint"` // ws://, wss:// or redis://
	MaxRetries  int    `yaml:"max_retries"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	TokenSecret   string `yaml:"token_secret"`    // HS256 secret; admin endpoints are disabled when empty
	TraceBufferMB int    `yaml:"trace_buffer_mb"` // runtime flight recorder size; 0 disables
}

// LoggingConfig configures process logging. Command-line flags override level and format.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"` // console or json
	Loki   LokiConfig `yaml:"loki"`
}

// LokiConfig enables shipping logs to a Loki push endpoint.
type LokiConfig struct {
	Enabled           bool   `yaml:"enabled"`
	URL               string `yaml:"url"`
	BatchSize         int    `yaml:"batch_size"`
	FlushIntervalSecs int    `yaml:"flush_interval_secs"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      ":9000",
			AdminListen: "127.0.0.1:9001",
		},
		Metadata: MetadataConfig{
			Backend:              BackendSQLite,
			Postgres:             PostgresConfig{URL: "postgresql://localhost/coldstore?sslmode=disable", MaxConnections: 10},
			Etcd:                 EtcdConfig{TimeoutSecs: 5, Prefix: "/coldstore"},
			SQLite:               SQLiteConfig{Path: "/var/lib/coldstore/meta.db"},
			UnavailableThreshold: 5,
		},
		Hot: HotConfig{Path: "/var/lib/coldstore/hot"},
		Scheduler: SchedulerConfig{
			Archive: ArchiveConfig{
				ScanIntervalSecs:     3600,
				BatchSize:            1000,
				MinArchiveSizeMB:     100,
				BundleSizeCapMB:      1024,
				TargetThroughputMBps: 300,
			},
			Recall: RecallConfig{
				QueueSize:              10000,
				MaxConcurrentRestores:  10,
				RestoreTimeoutSecs:     3600,
				MinRestoreIntervalSecs: 300,
				TapePollIntervalSecs:   30,
			},
			JanitorIntervalSecs: 60,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Path:           "/var/cache/coldstore",
			MaxSizeGB:      100,
			TTLSecs:        86400,
			EvictionPolicy: "lru",
		},
		Tape: TapeConfig{
			SupportedFormats:  []string{"LTO-9", "LTO-10"},
			ReplicationFactor: 2,
			VerifyReadability: true,
			BlockSize:         "256KiB",
			Library: LibraryConfig{
				Path:   "/var/lib/coldstore/library",
				Drives: 2,
			},
		},
		Notification: NotificationConfig{
			Enabled:     true,
			MaxRetries:  3,
			TimeoutSecs: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Loki:   LokiConfig{BatchSize: 100, FlushIntervalSecs: 5},
		},
	}
}

// Load reads path over the defaults. An empty path falls back to COLDSTORE_CONFIG, then DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values a file may have set explicitly and expands home directories.
func (c *Config) applyDefaults() {
	d := Default()
	c.Metadata.Backend = strings.ToLower(c.Metadata.Backend)
	if c.Metadata.Backend == "" {
		c.Metadata.Backend = d.Metadata.Backend
	}
	if c.Metadata.UnavailableThreshold <= 0 {
		c.Metadata.UnavailableThreshold = d.Metadata.UnavailableThreshold
	}
	if c.Cache.EvictionPolicy == "" {
		c.Cache.EvictionPolicy = d.Cache.EvictionPolicy
	}
	c.Cache.EvictionPolicy = strings.ToLower(c.Cache.EvictionPolicy)
	if c.Tape.BlockSize == "" {
		c.Tape.BlockSize = d.Tape.BlockSize
	}
	if c.Tape.ReplicationFactor <= 0 {
		c.Tape.ReplicationFactor = 1
	}
	if c.Tape.Library.Drives <= 0 {
		c.Tape.Library.Drives = d.Tape.Library.Drives
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Scheduler.JanitorIntervalSecs <= 0 {
		c.Scheduler.JanitorIntervalSecs = d.Scheduler.JanitorIntervalSecs
	}

	for _, p := range []*string{&c.Metadata.SQLite.Path, &c.Hot.Path, &c.Cache.Path, &c.Tape.Library.Path} {
		*p = expandHome(*p)
	}
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks enumerations, ranges and the sizes that need parsing.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	for name, addr := range map[string]string{"server.listen": c.Server.Listen, "server.admin_listen": c.Server.AdminListen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch c.Metadata.Backend {
	case BackendSQLite:
		if c.Metadata.SQLite.Path == "" {
			return fmt.Errorf("metadata.sqlite.path is required")
		}
	case BackendPostgres:
		if c.Metadata.Postgres.URL == "" {
			return fmt.Errorf("metadata.postgres.url is required")
		}
		if c.Metadata.Postgres.MaxConnections <= 0 {
			return fmt.Errorf("metadata.postgres.max_connections must be positive")
		}
	case BackendEtcd:
		if len(c.Metadata.Etcd.Endpoints) == 0 {
			return fmt.Errorf("metadata.etcd.endpoints is required")
		}
	default:
		return fmt.Errorf("metadata.backend must be one of sqlite, postgres, etcd; got %q", c.Metadata.Backend)
	}

	if c.Hot.Path == "" {
		return fmt.Errorf("hot.path is required")
	}

	a := c.Scheduler.Archive
	if a.ScanIntervalSecs <= 0 {
		return fmt.Errorf("scheduler.archive.scan_interval_secs must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("scheduler.archive.batch_size must be positive")
	}
	if a.MinArchiveSizeMB < 0 || a.BundleSizeCapMB < 0 || a.TargetThroughputMBps < 0 {
		return fmt.Errorf("scheduler.archive sizes must not be negative")
	}
	if a.BundleSizeCapMB > 0 && a.MinArchiveSizeMB > a.BundleSizeCapMB {
		return fmt.Errorf("scheduler.archive.min_archive_size_mb exceeds bundle_size_cap_mb")
	}

	r := c.Scheduler.Recall
	if r.QueueSize <= 0 {
		return fmt.Errorf("scheduler.recall.queue_size must be positive")
	}
	if r.MaxConcurrentRestores <= 0 {
		return fmt.Errorf("scheduler.recall.max_concurrent_restores must be positive")
	}
	if r.RestoreTimeoutSecs <= 0 {
		return fmt.Errorf("scheduler.recall.restore_timeout_secs must be positive")
	}
	if r.MinRestoreIntervalSecs < 0 || r.TapePollIntervalSecs < 0 {
		return fmt.Errorf("scheduler.recall intervals must not be negative")
	}

	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required")
		}
		if c.Cache.MaxSizeGB <= 0 {
			return fmt.Errorf("cache.max_size_gb must be positive")
		}
		if c.Cache.TTLSecs < 0 {
			return fmt.Errorf("cache.ttl_secs must not be negative")
		}
		switch c.Cache.EvictionPolicy {
		case "lru", "lfu", "ttl":
		default:
			return fmt.Errorf("cache.eviction_policy must be one of lru, lfu, ttl; got %q", c.Cache.EvictionPolicy)
		}
	}

	if len(c.Tape.SupportedFormats) == 0 {
		return fmt.Errorf("tape.supported_formats is required")
	}
	if _, err := c.BlockSizeBytes(); err != nil {
		return err
	}
	if c.Tape.Library.Path == "" {
		return fmt.Errorf("tape.library.path is required")
	}
	seen := make(map[string]bool)
	for i, t := range c.Tape.Library.Tapes {
		if t.ID == "" {
			return fmt.Errorf("tape.library.tapes[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tape.library.tapes[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if t.Format == "" {
			return fmt.Errorf("tape.library.tapes[%d].format is required", i)
		}
		if _, err := humanize.ParseBytes(t.Capacity); err != nil {
			return fmt.Errorf("tape.library.tapes[%d].capacity: %w", i, err)
		}
	}
	if n := len(c.Tape.Library.Tapes); n > 0 && c.Tape.ReplicationFactor > n {
		return fmt.Errorf("tape.replication_factor %d exceeds the %d configured tapes", c.Tape.ReplicationFactor, n)
	}

	if c.Notification.Enabled {
		if ep := c.Notification.MQEndpoint; ep != "" && !hasScheme(ep, "ws://", "wss://", "redis://") {
			return fmt.Errorf("notification.mq_endpoint must use ws://, wss:// or redis://")
		}
		if c.Notification.MaxRetries < 0 || c.Notification.TimeoutSecs < 0 {
			return fmt.Errorf("notification retries and timeout must not be negative")
		}
	}

	if c.Admin.TraceBufferMB < 0 {
		return fmt.Errorf("admin.trace_buffer_mb must not be negative")
	}
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json; got %q", c.Logging.Format)
	}
	if c.Logging.Loki.Enabled && !hasScheme(c.Logging.Loki.URL, "http://", "https://") {
		return fmt.Errorf("logging.loki.url must be an http(s) URL")
	}
	return nil
}

func hasScheme(s string, schemes ...string) bool {
	for _, p := range schemes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// BlockSizeBytes parses tape.block_size.
func (c *Config) BlockSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Tape.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("tape.block_size: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("tape.block_size must be positive")
	}
	return int64(n), nil
}

// CacheBytes is cache.max_size_gb in bytes.
func (c *Config) CacheBytes() int64 {
	return c.Cache.MaxSizeGB << 30
}

// Secs converts a seconds field to a duration.
func Secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Cartridge is a parsed library cartridge.
type Cartridge struct {
	ID            string
	Format        string
	CapacityBytes int64
	Location      string
}

// Cartridges parses tape.library.tapes.
func (c *Config) Cartridges() ([]Cartridge, error) {
	out := make([]Cartridge, 0, len(c.Tape.Library.Tapes))
	for i, t := range c.Tape.Library.Tapes {
		n, err := humanize.ParseBytes(t.Capacity)
		if err != nil {
			return nil, fmt.Errorf("tape.library.tapes[%d].capacity: %w", i, err)
		}
		out = append(out, Cartridge{ID: t.ID, Format: t.Format, CapacityBytes: int64(n), Location: t.Location})
	}
	return out, nil
}
