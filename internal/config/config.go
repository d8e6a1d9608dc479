package config

import "time"

type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Port        int    `mapstructure:"port" yaml:"port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	Metadata   MetadataConfig   `mapstructure:"metadata" yaml:"metadata"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Pools      PoolConfig       `mapstructure:"pools" yaml:"pools"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Translator TranslatorConfig `mapstructure:"translator" yaml:"translator"`
	Audit      AuditConfig      `mapstructure:"audit" yaml:"audit"`
	CORS       CORSConfig       `mapstructure:"cors" yaml:"cors"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// MetadataConfig points at the central metadata store (Postgres).
type MetadataConfig struct {
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns" yaml:"min_conns"`
	MigrateOnStart  bool   `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
	StatementTimout int    `mapstructure:"statement_timeout_ms" yaml:"statement_timeout_ms"`
}

// CacheConfig handles Valkey caching configuration. A single node is
// used when Nodes has one entry; otherwise cluster mode.
type CacheConfig struct {
	Nodes    []string `mapstructure:"nodes" yaml:"nodes"`
	TTL      int      `mapstructure:"ttl" yaml:"ttl"` // seconds
	Password string   `mapstructure:"password" yaml:"password"`
	DB       int      `mapstructure:"db" yaml:"db"`
}

// AuthConfig carries token and session parameters.
type AuthConfig struct {
	TokenSecret      string `mapstructure:"token_secret" yaml:"token_secret"`
	SessionTTL       int    `mapstructure:"session_ttl_minutes" yaml:"session_ttl_minutes"`
	PBKDF2Iterations int    `mapstructure:"pbkdf2_iterations" yaml:"pbkdf2_iterations"`
}

// PoolConfig sets per-tenant pool bounds. Tenant quotas may lower
// MaxConns, never raise it.
type PoolConfig struct {
	MinConns          int           `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConns          int           `mapstructure:"max_conns" yaml:"max_conns"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleReapInterval  time.Duration `mapstructure:"idle_reap_interval" yaml:"idle_reap_interval"`
	HealthInterval    time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	RecycleAfter      time.Duration `mapstructure:"recycle_after" yaml:"recycle_after"`
	IdleTenantTimeout time.Duration `mapstructure:"idle_tenant_timeout" yaml:"idle_tenant_timeout"`
}

// BreakerConfig tunes the per-tenant circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenFor          time.Duration `mapstructure:"open_for" yaml:"open_for"`
	HalfOpenProbes   uint32        `mapstructure:"half_open_probes" yaml:"half_open_probes"`
}

// RateLimitConfig sets the token buckets. User and IP buckets are
// independent.
type RateLimitConfig struct {
	UserRate  float64 `mapstructure:"user_rate" yaml:"user_rate"`
	UserBurst int     `mapstructure:"user_burst" yaml:"user_burst"`
	IPRate    float64 `mapstructure:"ip_rate" yaml:"ip_rate"`
	IPBurst   int     `mapstructure:"ip_burst" yaml:"ip_burst"`
}

// DispatchConfig tunes the query dispatcher and caches.
type DispatchConfig struct {
	DefaultMaxRows  int           `mapstructure:"default_max_rows" yaml:"default_max_rows"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	ResultCacheTTL  time.Duration `mapstructure:"result_cache_ttl" yaml:"result_cache_ttl"`
	SchemaCacheTTL  time.Duration `mapstructure:"schema_cache_ttl" yaml:"schema_cache_ttl"`
	MaxResultCached int           `mapstructure:"max_result_cached_rows" yaml:"max_result_cached_rows"`
}

// TranslatorConfig points at the external NL-to-query translator.
// When Endpoint is empty the built-in rule translator is used.
type TranslatorConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AuditConfig tunes the audit writer.
type AuditConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	RetentionDays int           `mapstructure:"retention_days" yaml:"retention_days"`
}

// CORSConfig handles Cross-Origin Resource Sharing.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age"`
}

// MonitoringConfig handles self-monitoring configuration.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// TracingConfig handles OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}
