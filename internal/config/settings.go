// Package config loads the ambient tunables a coordinator or worker
// process needs at startup. It is not a flag parser: CLI surface is out
// of scope, so Load only produces a Config a cmd/ entry point can read
// fields off of after its own flag handling decides the config path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every ambient setting the evaluator core needs: where the
// content store lives, what address to listen on or dial, the transport
// password, how often the store runs its pin-refcount GC sweep, and the
// concurrency caps the coordinator's rate limiters are built from.
type Config struct {
	Environment string            `mapstructure:"environment"`
	Store       StoreConfig       `mapstructure:"store"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// TracingConfig configures the optional OpenTelemetry OTLP exporter.
// Tracing stays off (internal/metrics.InitTracing is never called) when
// Endpoint is empty, since most local/dev runs have nowhere to send spans.
type TracingConfig struct {
	Endpoint string `mapstructure:"otlp_endpoint"`
}

// StoreConfig configures the content-addressed file store.
type StoreConfig struct {
	// Root is the directory the store's blobs and sqlite ledger live
	// under. Must survive process restarts.
	Root string `mapstructure:"root"`
	// GCIntervalSeconds is how often the store sweeps for zero-refcount
	// entries past their grace period.
	GCIntervalSeconds int `mapstructure:"gc_interval_seconds"`
}

// GCInterval returns StoreConfig.GCIntervalSeconds as a time.Duration.
func (s StoreConfig) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalSeconds) * time.Second
}

// TransportConfig configures the encrypted coordinator listen/dial address.
type TransportConfig struct {
	// ListenAddress is the coordinator's bind address, e.g. "0.0.0.0:7070".
	ListenAddress string `mapstructure:"listen_address"`
	// Password derives the channel's symmetric encryption key; both ends
	// of a connection must share it.
	Password string `mapstructure:"password"`
}

// ConcurrencyConfig bounds the scheduler's internal concurrency.
type ConcurrencyConfig struct {
	// HelperTasks is read and validated (it must be positive) but not
	// passed on: internal/scheduler always sizes its IOTaskPool at 8.
	HelperTasks int `mapstructure:"helper_tasks"`
	// StoreReadLimit/StoreWriteLimit/WorkerTransferLimit bound concurrent
	// blob streams per class; see internal/concurrency.RateLimiterManager.
	StoreReadLimit      int `mapstructure:"store_read_limit"`
	StoreWriteLimit     int `mapstructure:"store_write_limit"`
	WorkerTransferLimit int `mapstructure:"worker_transfer_limit"`
}

// WorkerConfig configures a worker process's connection to the coordinator.
type WorkerConfig struct {
	// CoordinatorURL is a tcp://[password@]host[:port] URL, per
	// internal/transport's URL contract.
	CoordinatorURL string `mapstructure:"coordinator_url"`
	// ReconnectInitialMillis/ReconnectMaxMillis bound the backoff curve
	// used when the connection to the coordinator drops.
	ReconnectInitialMillis int `mapstructure:"reconnect_initial_millis"`
	ReconnectMaxMillis     int `mapstructure:"reconnect_max_millis"`
}

// Load reads configuration from a base YAML file, an optional
// environment-specific overlay, and environment variables, in that order
// of increasing precedence. configPath may be empty, in which case only
// defaults and environment variables apply.
//
// Environment variable overrides use the EVALUATOR_ prefix, e.g.
// EVALUATOR_STORE_ROOT, EVALUATOR_TRANSPORT_LISTEN_ADDRESS.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if overlay := environmentOverlayPath(v, configPath); overlay != "" {
			v.SetConfigFile(overlay)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("config: merge overlay %s: %w", overlay, err)
			}
		}
	}

	v.SetEnvPrefix("EVALUATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("store.root", "EVALUATOR_STORE_ROOT")
	v.BindEnv("transport.listen_address", "EVALUATOR_TRANSPORT_LISTEN_ADDRESS")
	v.BindEnv("transport.password", "EVALUATOR_TRANSPORT_PASSWORD")
	v.BindEnv("worker.coordinator_url", "EVALUATOR_WORKER_COORDINATOR_URL")
	v.BindEnv("concurrency.helper_tasks", "EVALUATOR_CONCURRENCY_HELPER_TASKS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("store.gc_interval_seconds", 300)
	v.SetDefault("concurrency.helper_tasks", 8)
	v.SetDefault("concurrency.store_read_limit", 16)
	v.SetDefault("concurrency.store_write_limit", 8)
	v.SetDefault("concurrency.worker_transfer_limit", 16)
	v.SetDefault("worker.reconnect_initial_millis", 250)
	v.SetDefault("worker.reconnect_max_millis", 30_000)
}

func environmentOverlayPath(v *viper.Viper, configPath string) string {
	dir := filepath.Dir(configPath)
	ext := filepath.Ext(configPath)
	base := strings.TrimSuffix(filepath.Base(configPath), ext)

	env := os.Getenv("EVALUATOR_ENV")
	if env == "" {
		env = v.GetString("environment")
	}
	if env == "" {
		return ""
	}

	overlay := filepath.Join(dir, fmt.Sprintf("%s.%s%s", base, env, ext))
	if _, err := os.Stat(overlay); err != nil {
		return ""
	}
	return overlay
}

func validate(cfg *Config) error {
	if cfg.Store.Root == "" {
		return fmt.Errorf("store.root is required")
	}
	if cfg.Concurrency.HelperTasks <= 0 {
		return fmt.Errorf("concurrency.helper_tasks must be greater than 0")
	}
	return nil
}
