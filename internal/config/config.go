// Package config loads bridge configuration from the environment.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Service   ServiceConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Manager   ManagerConfig
	Keys      KeysConfig
	Device    DeviceConfig
	Store     StoreConfig
	Observe   ObserveConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// ServiceConfig locates the remote token issuance service and bounds the
// retry envelope around its single RPC.
type ServiceConfig struct {
	Endpoint             string `env:"TOKEN_SERVICE_ENDPOINT, required"`
	TimeoutSeconds       int    `env:"TOKEN_SERVICE_TIMEOUT_SECS, default=30"`
	MaxAttempts          int    `env:"TOKEN_SERVICE_MAX_ATTEMPTS, default=3"`
	InitialBackoffMillis int    `env:"TOKEN_SERVICE_INITIAL_BACKOFF_MS, default=250"`
}

// CacheConfig bounds the token cache and tunes hot classification, grace
// and failure backoff.
type CacheConfig struct {
	MaxEntries          int `env:"CACHE_MAX_ENTRIES, default=10000"`
	HotWindowSeconds    int `env:"CACHE_HOT_WINDOW_SECS, default=60"`
	HotThreshold        int `env:"CACHE_HOT_THRESHOLD, default=3"`
	DefaultGraceSeconds int `env:"CACHE_DEFAULT_GRACE_SECS, default=30"`
	BackoffBaseMillis   int `env:"CACHE_BACKOFF_BASE_MS, default=1000"`
	BackoffCapSeconds   int `env:"CACHE_BACKOFF_CAP_SECS, default=120"`
}

// SchedulerConfig tunes the preemptive refresh sweep.
type SchedulerConfig struct {
	SweepIntervalSeconds int `env:"SCHEDULER_SWEEP_INTERVAL_SECS, default=30"`
	MinLeadSeconds       int `env:"SCHEDULER_MIN_LEAD_SECS, default=10"`
	MaxLeadSeconds       int `env:"SCHEDULER_MAX_LEAD_SECS, default=300"`
}

// ManagerConfig controls caller-visible behaviour of the orchestrator.
type ManagerConfig struct {
	// ServeStaleOnError serves a previously issued record when a blocking
	// refresh fails with a transient error. Rejections never serve stale.
	ServeStaleOnError bool `env:"MANAGER_SERVE_STALE_ON_ERROR, default=true"`
	MaxStaleErrorSecs int  `env:"MANAGER_MAX_STALE_ON_ERROR_SECS, default=300"`

	TokenHeader     string `env:"MANAGER_TOKEN_HEADER"`
	SignatureHeader string `env:"MANAGER_SIGNATURE_HEADER"`
	TrackingHeader  string `env:"MANAGER_TRACKING_HEADER"`
}

// KeysConfig supplies the request signing key material.
type KeysConfig struct {
	// SigningKey is the active signing secret. Alternative key sources
	// (secret managers) plug in behind the keystore loader.
	SigningKey        string `env:"SIGNING_KEY, required"`
	SigningKeyVersion string `env:"SIGNING_KEY_VERSION, default=v1"`
	CacheTTLMinutes   int    `env:"SIGNING_KEY_CACHE_TTL_MINS, default=15"`
}

// DeviceConfig describes this client to the issuance service.
type DeviceConfig struct {
	DeviceID     string `env:"DEVICE_ID, required"`
	Platform     string `env:"DEVICE_PLATFORM, default=linux"`
	OSVersion    string `env:"DEVICE_OS_VERSION"`
	AppVersion   string `env:"DEVICE_APP_VERSION"`
	Model        string `env:"DEVICE_MODEL"`
	Manufacturer string `env:"DEVICE_MANUFACTURER"`
}

// StoreConfig selects the durable snapshot store: "none" (default),
// "memory" or "badger".
type StoreConfig struct {
	Type string `env:"STORE_TYPE, default=none"`
	Path string `env:"STORE_PATH"`
}

type ObserveConfig struct {
	Enabled                   bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled            bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                      string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName               string `env:"OBSERVE_SERVICE_NAME, default=attest-bridge"`
	TraceBatchTimeoutSeconds  int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled      bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Store.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid store configuration: %w", err)
	}
	if err := cfg.Observe.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the store configuration is coherent.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case "none", "memory":
		return nil
	case "badger":
		if c.Path == "" {
			return fmt.Errorf("STORE_PATH required when STORE_TYPE=badger")
		}
		return nil
	default:
		return fmt.Errorf("unknown STORE_TYPE: %q", c.Type)
	}
}

// Validate checks the telemetry exporter selection.
func (c *ObserveConfig) Validate() error {
	switch c.Type {
	case "grpc", "stdout":
		return nil
	default:
		return fmt.Errorf("unknown OBSERVE_TYPE: %q", c.Type)
	}
}
