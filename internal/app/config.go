package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the DeskWire backend.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Locks    LocksConfig    `mapstructure:"locks"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	// Replicas declares how many instances serve this deployment. More
	// than one requires the redis lock backend.
	Replicas int `mapstructure:"replicas"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection options.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LocksConfig selects the lock backend used for accept races.
type LocksConfig struct {
	// Backend is "memory" or "redis".
	Backend    string        `mapstructure:"backend"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// QueueConfig tunes the assignment engine.
type QueueConfig struct {
	AcceptLockTTL     time.Duration `mapstructure:"accept_lock_ttl"`
	AcceptRetries     int           `mapstructure:"accept_retries"`
	AcceptRetryDelay  time.Duration `mapstructure:"accept_retry_delay"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// AgentConcurrencyCap bounds active conversations per agent.
	AgentConcurrencyCap int `mapstructure:"agent_concurrency_cap"`
	// EstimatedMinutesPerItem seeds queue wait estimates.
	EstimatedMinutesPerItem float64       `mapstructure:"estimated_minutes_per_item"`
	DispatchInterval        time.Duration `mapstructure:"dispatch_interval"`
}

// RealtimeConfig tunes socket heartbeats and buffering.
type RealtimeConfig struct {
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PongGrace     time.Duration `mapstructure:"pong_grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

// UploadsConfig tunes presigned upload behaviour.
type UploadsConfig struct {
	PresignTTL    time.Duration `mapstructure:"presign_ttl"`
	DownloadTTL   time.Duration `mapstructure:"download_ttl"`
	UsageCacheTTL time.Duration `mapstructure:"usage_cache_ttl"`
	// OrphanAfter is how long a pending upload may stay unconfirmed
	// before the sweeper flags it.
	OrphanAfter time.Duration `mapstructure:"orphan_after"`
	// DefaultQuotaBytes applies to tenants without an explicit storage
	// quota. Zero means unlimited.
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes"`
	// WarningFraction applies to tenants without an explicit warning
	// threshold.
	WarningFraction float64 `mapstructure:"warning_fraction"`
}

// StorageConfig configures the object store backing uploads.
type StorageConfig struct {
	Root          string `mapstructure:"root"`
	BaseURL       string `mapstructure:"base_url"`
	SigningSecret string `mapstructure:"signing_secret"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access token verification.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// EventsConfig configures the outbound event relay.
type EventsConfig struct {
	AMQP AMQPConfig `mapstructure:"amqp"`
}

// AMQPConfig holds broker connection options.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("DESKWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Locks.Backend) {
	case "memory":
		if c.Server.Replicas > 1 {
			return errors.New("config: memory lock backend cannot serve multiple replicas; use locks.backend=redis")
		}
	case "redis":
		if !c.Cache.Redis.Enabled {
			return errors.New("config: locks.backend=redis requires cache.redis.enabled")
		}
	default:
		return fmt.Errorf("config: unknown lock backend %q", c.Locks.Backend)
	}

	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("config: auth.jwt.secret must be provided")
	}
	if strings.TrimSpace(c.Storage.SigningSecret) == "" {
		return errors.New("config: storage.signing_secret must be provided")
	}
	if c.Events.AMQP.Enabled && strings.TrimSpace(c.Events.AMQP.URL) == "" {
		return errors.New("config: events.amqp.url must be provided when the relay is enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.replicas", 1)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/deskwire.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("locks.backend", "memory")
	v.SetDefault("locks.default_ttl", "30s")

	v.SetDefault("queue.accept_lock_ttl", "10s")
	v.SetDefault("queue.accept_retries", 3)
	v.SetDefault("queue.accept_retry_delay", "200ms")
	v.SetDefault("queue.reconcile_interval", "2s")
	v.SetDefault("queue.agent_concurrency_cap", 3)
	v.SetDefault("queue.estimated_minutes_per_item", 5.0)
	v.SetDefault("queue.dispatch_interval", "2s")

	v.SetDefault("realtime.ping_interval", "10s")
	v.SetDefault("realtime.pong_grace", "5s")
	v.SetDefault("realtime.sweep_interval", "30s")
	v.SetDefault("realtime.idle_timeout", "60s")
	v.SetDefault("realtime.send_buffer", 64)

	v.SetDefault("uploads.presign_ttl", "15m")
	v.SetDefault("uploads.download_ttl", "10m")
	v.SetDefault("uploads.usage_cache_ttl", "60s")
	v.SetDefault("uploads.orphan_after", "24h")
	v.SetDefault("uploads.default_quota_bytes", 0)
	v.SetDefault("uploads.warning_fraction", 0.8)

	v.SetDefault("storage.root", "./data/objects")
	v.SetDefault("storage.base_url", "http://localhost:8000")

	v.SetDefault("auth.jwt.issuer", "deskwire")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("events.amqp.enabled", false)
	v.SetDefault("events.amqp.exchange", "deskwire.events")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
