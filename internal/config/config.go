package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Worker  WorkerConfig  `yaml:"worker"`
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// LogMaxSize rotates LogFile once it reaches this size
	LogMaxSize    string `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// WorkerConfig represents worker pool settings
type WorkerConfig struct {
	Count         int           `yaml:"count"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig represents the tiered cache settings
type CacheConfig struct {
	// TotalBudget is the byte budget shared by every registered cache.
	TotalBudget string `yaml:"total_budget"`
	// WeakPinned is the number of most recent values each cache keeps
	// strongly reachable in its RAM tier.
	WeakPinned int             `yaml:"weak_pinned"`
	Instances  []InstanceConfig `yaml:"instances"`
}

// InstanceConfig describes one cache instance
type InstanceConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	// SerialWorker routes store writes to that worker's serial lane;
	// a negative value uses the NORMAL lane.
	SerialWorker int    `yaml:"serial_worker"`
	Decoder      string `yaml:"decoder"`
	Web          bool   `yaml:"web"`
}

// StoreConfig represents persistent tier settings
type StoreConfig struct {
	Backend     string   `yaml:"backend"`
	Directory   string   `yaml:"directory"`
	MaxSize     string   `yaml:"max_size"`
	Compression bool     `yaml:"compression"`
	S3          S3Config `yaml:"s3"`
}

// S3Config represents S3 persistent tier settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`
	UseCargoShip    bool   `yaml:"use_cargoship"`
	Concurrency     int    `yaml:"concurrency"`
}

// FetchConfig represents network tier settings
type FetchConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retries        int                  `yaml:"retries"`
	RetryDelay     time.Duration        `yaml:"retry_delay"`
	UserAgent      string               `yaml:"user_agent"`
	MaxBodySize    string               `yaml:"max_body_size"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Namespace string `yaml:"namespace"`
}

// Store backends
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendS3      = "s3"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSize:    "100MB",
			LogMaxBackups: 5,
		},
		Worker: WorkerConfig{
			Count:         4,
			ShutdownGrace: 3 * time.Second,
		},
		Cache: CacheConfig{
			TotalBudget: "256MB",
			WeakPinned:  64,
			Instances: []InstanceConfig{
				{Name: "documents", Priority: 5, SerialWorker: 0, Decoder: "raw", Web: true},
			},
		},
		Store: StoreConfig{
			Backend:     BackendFile,
			Directory:   filepath.Join(os.TempDir(), "tiercache"),
			MaxSize:     "1GB",
			Compression: true,
			S3: S3Config{
				Region:      "us-east-1",
				MaxRetries:  3,
				Concurrency: 4,
			},
		},
		Fetch: FetchConfig{
			Timeout:     30 * time.Second,
			Retries:     3,
			RetryDelay:  5 * time.Second,
			UserAgent:   "tiercache/1.0",
			MaxBodySize: "32MB",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Namespace: "tiercache",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from TIERCACHE_ environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TIERCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("TIERCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("TIERCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("TIERCACHE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Count = n
		}
	}
	if val := os.Getenv("TIERCACHE_SHUTDOWN_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Worker.ShutdownGrace = d
		}
	}

	if val := os.Getenv("TIERCACHE_TOTAL_BUDGET"); val != "" {
		c.Cache.TotalBudget = val
	}

	if val := os.Getenv("TIERCACHE_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("TIERCACHE_STORE_DIRECTORY"); val != "" {
		c.Store.Directory = val
	}
	if val := os.Getenv("TIERCACHE_STORE_MAX_SIZE"); val != "" {
		c.Store.MaxSize = val
	}
	if val := os.Getenv("TIERCACHE_S3_BUCKET"); val != "" {
		c.Store.S3.Bucket = val
	}
	if val := os.Getenv("TIERCACHE_S3_ENDPOINT"); val != "" {
		c.Store.S3.Endpoint = val
	}

	if val := os.Getenv("TIERCACHE_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.Timeout = d
		}
	}
	if val := os.Getenv("TIERCACHE_FETCH_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Fetch.Retries = n
		}
	}
	if val := os.Getenv("TIERCACHE_FETCH_RETRY_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.RetryDelay = d
		}
	}

	if val := os.Getenv("TIERCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// TotalBudgetBytes parses Cache.TotalBudget.
func (c *Configuration) TotalBudgetBytes() (int64, error) {
	return utils.ParseBytes(c.Cache.TotalBudget)
}

// StoreMaxSizeBytes parses Store.MaxSize; an empty value means unbounded (0).
func (c *Configuration) StoreMaxSizeBytes() (int64, error) {
	if c.Store.MaxSize == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.Store.MaxSize)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}

	if c.Global.LogFile != "" && c.Global.LogMaxSize != "" {
		if _, err := utils.ParseBytes(c.Global.LogMaxSize); err != nil {
			return invalid("invalid global.log_max_size %q: %v", c.Global.LogMaxSize, err)
		}
	}

	if c.Worker.Count <= 0 {
		return invalid("worker.count must be greater than 0")
	}
	if c.Worker.ShutdownGrace < 0 {
		return invalid("worker.shutdown_grace must not be negative")
	}

	budget, err := c.TotalBudgetBytes()
	if err != nil {
		return invalid("invalid cache.total_budget %q: %v", c.Cache.TotalBudget, err)
	}
	if budget <= 0 {
		return invalid("cache.total_budget must be greater than 0")
	}

	names := make(map[string]bool)
	priorities := make(map[int]string)
	for _, inst := range c.Cache.Instances {
		if inst.Name == "" {
			return invalid("cache instance name must not be empty")
		}
		if names[inst.Name] {
			return invalid("duplicate cache instance name %q", inst.Name)
		}
		names[inst.Name] = true

		if inst.Priority < 0 {
			return invalid("cache instance %q has negative priority", inst.Name)
		}
		if other, ok := priorities[inst.Priority]; ok {
			return invalid("cache instances %q and %q share priority %d", other, inst.Name, inst.Priority)
		}
		priorities[inst.Priority] = inst.Name

		if inst.SerialWorker >= c.Worker.Count {
			return invalid("cache instance %q uses serial worker %d but only %d workers exist",
				inst.Name, inst.SerialWorker, c.Worker.Count)
		}
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendLevelDB, BackendSQLite:
		if c.Store.Directory == "" {
			return invalid("store.directory is required for the %s backend", c.Store.Backend)
		}
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			return invalid("store.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid("unknown store.backend %q", c.Store.Backend)
	}
	if _, err := c.StoreMaxSizeBytes(); err != nil {
		return invalid("invalid store.max_size %q: %v", c.Store.MaxSize, err)
	}

	if c.Fetch.Retries < 0 {
		return invalid("fetch.retries must not be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return invalid("fetch.timeout must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}
