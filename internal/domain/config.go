package domain

import "time"

// Config holds the complete kasan service configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines the backing services.
	Tier Tier `json:"tier"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Recalc RecalcConfig `json:"recalc"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RecalcConfig holds recalculation orchestrator settings.
type RecalcConfig struct {
	// LockRetries is how many times a month is re-attempted after a
	// ConcurrencyError before giving up.
	LockRetries int `json:"lockRetries"`

	// LockRetryWait is the pause between attempts.
	LockRetryWait time.Duration `json:"lockRetryWait"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierEmbedded runs on SQLite + in-memory cache + channel bus.
	TierEmbedded Tier = "embedded"

	// TierAgency runs on PostgreSQL + Redis + NATS.
	TierAgency Tier = "agency"
)

// DefaultConfig returns a default configuration for the embedded tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierEmbedded,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kasan.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Recalc: RecalcConfig{
			LockRetries:   3,
			LockRetryWait: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kasan",
		},
	}
}

// AgencyConfig returns a configuration for the agency tier.
func AgencyConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierAgency
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kasan",
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
