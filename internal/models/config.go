// Package models - Service configuration and operational settings.
// This file defines the configuration structures for all service components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, rate limiting, etc.)
// - Defaults that reproduce the reference quotas out of the box
// - Validation to catch misconfigurations before the server starts
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
	StorageTypeRedis    = "redis"
)

// Rate limit modes
const (
	// RateLimitModeKeyed keeps histories server-side, keyed by client IP.
	RateLimitModeKeyed = "keyed"
	// RateLimitModeSigned hands each client its own HMAC-signed history.
	RateLimitModeSigned = "signed"
)

// MinSigningSecretLength mirrors the minimum key size accepted by the
// signed history store.
const MinSigningSecretLength = 32

// MaxSignedTierLimit is the largest tier limit signed mode accepts. A signed
// history holds up to that many timestamps and has to fit one cookie, which
// browsers cap at 4096 bytes including name and attributes; larger histories
// are dropped silently and the client starts over with a fresh quota.
const MaxSignedTierLimit = 250

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Storage: Backend for server-side rate limit histories
// - RateLimit: Quota tiers and token transport
// - Upstream: Power-usage data sources and outbound throttling
// - Logging: Structured logging and output configuration
// - Metrics: Prometheus endpoint
// - Observability: Tracing
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	Host            string        `yaml:"host" json:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Path     string         `yaml:"path" json:"path"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// RateLimitConfig selects the history store and the quota tiers.
//
// Tiers are checked in order and all must admit a request. The first tier's
// state is reported on every successful response.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Mode              string        `yaml:"mode" json:"mode"`
	Secret            string        `yaml:"secret" json:"-"`
	Retention         time.Duration `yaml:"retention" json:"retention"`
	Tiers             []TierConfig  `yaml:"tiers" json:"tiers"`
	Cookie            CookieConfig  `yaml:"cookie" json:"cookie"`
	RejectTampered    bool          `yaml:"reject_tampered" json:"reject_tampered"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

type TierConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Limit   int           `yaml:"limit" json:"limit"`
	Period  time.Duration `yaml:"period" json:"period"`
	Message string        `yaml:"message" json:"message"`
	Code    string        `yaml:"code" json:"code"`
}

type CookieConfig struct {
	PayloadName   string `yaml:"payload_name" json:"payload_name"`
	SignatureName string `yaml:"signature_name" json:"signature_name"`
	Secure        bool   `yaml:"secure" json:"secure"`
}

// UpstreamConfig points the power-usage gatherer at its data sources.
type UpstreamConfig struct {
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	BlockchairURL     string        `yaml:"blockchair_url" json:"blockchair_url"`
	WhatToMineURL     string        `yaml:"whattomine_url" json:"whattomine_url"`
	EthernodesURL     string        `yaml:"ethernodes_url" json:"ethernodes_url"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultTiers returns the reference quotas: a burst tier of 100 requests
// per minute and a daily tier of 10000 requests.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:    "minute",
			Limit:   100,
			Period:  time.Minute,
			Message: "Rate limit exceeded. Try again later.",
			Code:    ErrorCodeRateLimitExceeded,
		},
		{
			Name:    "day",
			Limit:   10000,
			Period:  24 * time.Hour,
			Message: "Daily rate limit exceeded.",
			Code:    ErrorCodeDailyLimitExceeded,
		},
	}
}

// NewDefaultConfig creates a configuration with working defaults.
//
// Default Values Rationale:
// - Port 8080: Standard non-privileged HTTP port
// - Keyed mode over memory storage: no external dependencies
// - 24h retention: covers the daily tier
// - Proxy headers untrusted: clients cannot pick their own identity
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Path: "./data/rate_limit.json",
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Mode:      RateLimitModeKeyed,
			Retention: 24 * time.Hour,
			Tiers:     DefaultTiers(),
			Cookie: CookieConfig{
				PayloadName:   "rate_limit_data",
				SignatureName: "rate_limit_signature",
			},
		},
		Upstream: UpstreamConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
			UserAgent:         "powergate",
			BlockchairURL:     "https://api.blockchair.com",
			WhatToMineURL:     "https://whattomine.com",
			EthernodesURL:     "https://ethernodes.org",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "powergate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	validTypes := []string{StorageTypeJSON, StorageTypeMemory, StorageTypePostgres, StorageTypeSQLite, StorageTypeRedis}
	if !slices.Contains(validTypes, stc.Type) {
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	switch stc.Type {
	case StorageTypeJSON:
		if stc.Path == "" {
			return errors.New("path is required for JSON storage")
		}
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
	case StorageTypeRedis:
		if stc.Redis.Addr == "" {
			return errors.New("Redis address is required for redis storage")
		}
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}

	switch rc.Mode {
	case RateLimitModeKeyed:
	case RateLimitModeSigned:
		if len(rc.Secret) < MinSigningSecretLength {
			return fmt.Errorf("secret must be at least %d bytes in signed mode", MinSigningSecretLength)
		}
		if rc.Cookie.PayloadName == "" || rc.Cookie.SignatureName == "" {
			return errors.New("cookie names cannot be empty in signed mode")
		}
		if rc.Cookie.PayloadName == rc.Cookie.SignatureName {
			return errors.New("payload and signature cookies must have different names")
		}
	default:
		return fmt.Errorf("invalid rate limit mode: %s", rc.Mode)
	}

	if rc.Retention <= 0 {
		return errors.New("retention must be positive")
	}

	if len(rc.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}

	names := make(map[string]bool, len(rc.Tiers))
	for _, t := range rc.Tiers {
		if t.Name == "" {
			return errors.New("tier name cannot be empty")
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate tier name: %s", t.Name)
		}
		names[t.Name] = true

		if t.Limit <= 0 {
			return fmt.Errorf("tier %s: limit must be positive", t.Name)
		}
		if t.Period < time.Second || t.Period%time.Second != 0 {
			return fmt.Errorf("tier %s: period must be a whole number of seconds", t.Name)
		}
		if t.Period > rc.Retention {
			return fmt.Errorf("tier %s: period %s exceeds retention %s", t.Name, t.Period, rc.Retention)
		}
	}

	if rc.Mode == RateLimitModeSigned && rc.MaxTierLimit() > MaxSignedTierLimit {
		return fmt.Errorf("signed mode supports tier limits up to %d, got %d; use keyed mode for larger quotas",
			MaxSignedTierLimit, rc.MaxTierLimit())
	}

	return nil
}

// MaxTierLimit returns the largest configured tier limit.
func (rc *RateLimitConfig) MaxTierLimit() int {
	maxLimit := 0
	for _, t := range rc.Tiers {
		maxLimit = max(maxLimit, t.Limit)
	}
	return maxLimit
}

func (uc *UpstreamConfig) Validate() error {
	if uc.Timeout <= 0 {
		return errors.New("upstream timeout must be positive")
	}

	if uc.RequestsPerSecond < 0 {
		return errors.New("requests per second cannot be negative")
	}

	if uc.RequestsPerSecond > 0 && uc.Burst < 1 {
		return errors.New("burst must be at least 1 when throttling is enabled")
	}

	if uc.BlockchairURL == "" || uc.WhatToMineURL == "" || uc.EthernodesURL == "" {
		return errors.New("upstream URLs cannot be empty")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}

	if !oc.Tracing.Enabled {
		return nil
	}

	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}
