package domain

import (
	"os"
	"strconv"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines component implementations (memory/sqlite/channel vs
	// redis/postgres/nats).
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Evaluation behavior
	Evaluation EvaluationConfig `json:"evaluation"`
	CTI        CTIConfig        `json:"cti"`
	Geo        GeoConfig        `json:"geo"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EvaluationConfig holds decision boundaries and engine timings.
type EvaluationConfig struct {
	Thresholds Thresholds `json:"thresholds"`

	// RuleCacheTTL bounds rule staleness; the engine observes rule updates
	// within this window, or immediately on explicit invalidation.
	RuleCacheTTL time.Duration `json:"ruleCacheTtl"`

	// ModelURL is the base URL of the external ML model service. Empty
	// disables the model signal.
	ModelURL string `json:"modelUrl"`

	// ModelTimeout bounds the external ML score call.
	ModelTimeout time.Duration `json:"modelTimeout"`

	// ModelWeight scales the model probability [0,1] into score points.
	ModelWeight float64 `json:"modelWeight"`

	// VelocityWindow and VelocityMaxCount drive the standing velocity
	// check that runs even without a VELOCITY rule configured.
	VelocityWindow   time.Duration `json:"velocityWindow"`
	VelocityMaxCount int64         `json:"velocityMaxCount"`
	VelocityWeight   float64       `json:"velocityWeight"`
}

// CTIConfig holds threat-intelligence connector settings.
type CTIConfig struct {
	// ProviderURLs are queried concurrently; the highest-confidence threat
	// verdict wins.
	ProviderURLs []string `json:"providerUrls"`

	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration `json:"providerTimeout"`

	// MaxAttempts and BaseDelay configure the retry policy for transient
	// provider errors.
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
}

// GeoConfig holds geolocation service settings. An empty ProviderURL
// disables geolocation, and the API then rejects LOCATION rules.
type GeoConfig struct {
	ProviderURL string        `json:"providerUrl"`
	Timeout     time.Duration `json:"timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the single-node tier with SQLite + memory + channels.
	TierCommunity Tier = "community"

	// TierPro is the distributed tier with PostgreSQL + Redis + NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Evaluation: EvaluationConfig{
			Thresholds:       DefaultThresholds(),
			RuleCacheTTL:     5 * time.Minute,
			ModelTimeout:     200 * time.Millisecond,
			ModelWeight:      30,
			VelocityWindow:   10 * time.Minute,
			VelocityMaxCount: 5,
			VelocityWeight:   40,
		},
		CTI: CTIConfig{
			ProviderTimeout: 5 * time.Second,
			MaxAttempts:     3,
			BaseDelay:       100 * time.Millisecond,
		},
		Geo: GeoConfig{
			Timeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadFromEnv applies KESTREL_* environment overrides on top of the tier
// defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = ProConfig()
	}

	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_CTI_PROVIDERS"); v != "" {
		cfg.CTI.ProviderURLs = splitCSV(v)
	}
	if v := os.Getenv("KESTREL_GEO_PROVIDER"); v != "" {
		cfg.Geo.ProviderURL = v
	}
	if v := os.Getenv("KESTREL_MODEL_URL"); v != "" {
		cfg.Evaluation.ModelURL = v
	}
	if v := os.Getenv("KESTREL_RULE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Evaluation.RuleCacheTTL = d
		}
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	return cfg
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
