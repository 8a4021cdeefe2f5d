// Package config loads and validates scraper service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-chat-scraper/internal/worker"
)

// Worker modes.
const (
	WorkerModeProcess = "process"
	WorkerModeBrowser = "browser"
)

// Storage backends for the chat archive.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Throughput ThroughputConfig `mapstructure:"throughput"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AdmissionConfig sizes the worker semaphore.
type AdmissionConfig struct {
	MaxConcurrentWorkers int64 `mapstructure:"max_concurrent_workers"`
}

// QueueConfig sizes the in-memory task queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// WorkerConfig selects and configures the worker implementation.
type WorkerConfig struct {
	Mode string `mapstructure:"mode"`
	// OrphanPattern is matched against command lines at startup.
	OrphanPattern string              `mapstructure:"orphan_pattern"`
	Process       ProcessWorkerConfig `mapstructure:"process"`
	Browser       BrowserWorkerConfig `mapstructure:"browser"`
}

// ProcessWorkerConfig controls the external worker binary.
type ProcessWorkerConfig struct {
	Binary    string         `mapstructure:"binary"`
	Args      []string       `mapstructure:"args"`
	StopGrace time.Duration  `mapstructure:"stop_grace"`
	Markers   worker.Markers `mapstructure:"markers"`
}

// BrowserWorkerConfig controls in-process Chrome sessions.
type BrowserWorkerConfig struct {
	WatchURL          string        `mapstructure:"watch_url"`
	Anchor            string        `mapstructure:"anchor"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	AnchorTimeout     time.Duration `mapstructure:"anchor_timeout"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	NavigateQPS       float64       `mapstructure:"navigate_qps"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	MaxTotal         int           `mapstructure:"max_total"`
	MaxIdle          int           `mapstructure:"max_idle"`
	MinIdle          int           `mapstructure:"min_idle"`
	BorrowTimeout    time.Duration `mapstructure:"borrow_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
}

// RegistryConfig controls cleanup of finished scraper states.
type RegistryConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ThroughputConfig sets the reporting interval.
type ThroughputConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RateRule is one GCRA budget.
type RateRule struct {
	PermitsPerSecond float64       `mapstructure:"permits_per_second"`
	Tolerance        time.Duration `mapstructure:"tolerance"`
}

// RateLimitConfig holds the per-caller budgets.
type RateLimitConfig struct {
	Start    RateRule `mapstructure:"start"`
	Metadata RateRule `mapstructure:"metadata"`
}

// MetadataConfig controls the stream metadata lookup.
type MetadataConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	WatchURL  string        `mapstructure:"watch_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ProgressConfig tunes the telemetry hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LifecycleWait  time.Duration `mapstructure:"lifecycle_wait"`
	ArchivePrefix  string        `mapstructure:"archive_prefix"`
	ArchiveChunk   int           `mapstructure:"archive_chunk"`
}

// DBConfig controls access to the run history database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the content event topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordered   bool   `mapstructure:"ordered"`
}

// StorageConfig selects where chat archives are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	markers := worker.DefaultMarkers()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("admission.max_concurrent_workers", 5)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("worker.mode", WorkerModeProcess)
	v.SetDefault("worker.orphan_pattern", "chatworker --task-id")
	v.SetDefault("worker.process.binary", "chatworker")
	v.SetDefault("worker.process.stop_grace", 10*time.Second)
	v.SetDefault("worker.process.markers.initialized", markers.Initialized)
	v.SetDefault("worker.process.markers.failure", markers.Failure)
	v.SetDefault("worker.process.markers.no_content", markers.NoContent)
	v.SetDefault("worker.process.markers.item_prefix", markers.ItemPrefix)
	v.SetDefault("worker.process.markers.metadata_prefix", markers.MetadataPrefix)
	v.SetDefault("worker.browser.watch_url", "https://www.youtube.com/watch?v=%s")
	v.SetDefault("worker.browser.anchor", "iframe#chatframe")
	v.SetDefault("worker.browser.poll_interval", time.Second)
	v.SetDefault("worker.browser.anchor_timeout", 30*time.Second)
	v.SetDefault("worker.browser.headless", true)
	v.SetDefault("worker.browser.navigation_timeout", 45*time.Second)
	v.SetDefault("worker.browser.navigate_qps", 2.0)
	v.SetDefault("pool.max_total", 10)
	v.SetDefault("pool.max_idle", 5)
	v.SetDefault("pool.min_idle", 2)
	v.SetDefault("pool.borrow_timeout", 30*time.Second)
	v.SetDefault("pool.idle_timeout", 10*time.Minute)
	v.SetDefault("pool.eviction_interval", 5*time.Minute)
	v.SetDefault("registry.retention", 5*time.Minute)
	v.SetDefault("registry.sweep_interval", 10*time.Minute)
	v.SetDefault("throughput.interval", 10*time.Second)
	v.SetDefault("ratelimit.start.permits_per_second", 1.0/60.0)
	v.SetDefault("ratelimit.start.tolerance", 0)
	v.SetDefault("ratelimit.metadata.permits_per_second", 1.0)
	v.SetDefault("ratelimit.metadata.tolerance", 5*time.Second)
	v.SetDefault("metadata.enabled", true)
	v.SetDefault("metadata.watch_url", "https://www.youtube.com/watch?v=%s")
	v.SetDefault("metadata.user_agent", "realtime-chat-scraper/0.1")
	v.SetDefault("metadata.timeout", 15*time.Second)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.lifecycle_wait", 50*time.Millisecond)
	v.SetDefault("progress.archive_prefix", "runs")
	v.SetDefault("progress.archive_chunk", 500)
	v.SetDefault("db.table", "scraper_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("pubsub.ordered", true)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("telemetry.service_name", "realtime-chat-scraper")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Admission.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("admission.max_concurrent_workers must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	switch c.Worker.Mode {
	case WorkerModeProcess:
		if strings.TrimSpace(c.Worker.Process.Binary) == "" {
			return fmt.Errorf("worker.process.binary must be set in process mode")
		}
	case WorkerModeBrowser:
		if c.Pool.MaxTotal <= 0 {
			return fmt.Errorf("pool.max_total must be > 0")
		}
		if c.Pool.MinIdle > c.Pool.MaxIdle || c.Pool.MaxIdle > c.Pool.MaxTotal {
			return fmt.Errorf("pool sizes must satisfy min_idle <= max_idle <= max_total")
		}
		if !strings.Contains(c.Worker.Browser.WatchURL, "%s") {
			return fmt.Errorf("worker.browser.watch_url must contain %%s")
		}
	default:
		return fmt.Errorf("worker.mode must be %q or %q, got %q", WorkerModeProcess, WorkerModeBrowser, c.Worker.Mode)
	}
	if c.Throughput.Interval <= 0 {
		return fmt.Errorf("throughput.interval must be > 0")
	}
	if c.RateLimit.Start.PermitsPerSecond <= 0 || c.RateLimit.Metadata.PermitsPerSecond <= 0 {
		return fmt.Errorf("ratelimit permits_per_second must be > 0")
	}
	if c.RateLimit.Start.Tolerance < 0 || c.RateLimit.Metadata.Tolerance < 0 {
		return fmt.Errorf("ratelimit tolerance must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory, "":
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}
