package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jwalitptl/receipt-notify/pkg/realtime"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Session   SessionConfig   `mapstructure:"session"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host" validate:"required"`
	Port         int    `mapstructure:"port" validate:"min=1,max=65535"`
	User         string `mapstructure:"user" validate:"required"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name" validate:"required"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type RealtimeConfig struct {
	// Transport selects the change feed: "redis" or "postgres".
	Transport            string        `mapstructure:"transport" validate:"oneof=redis postgres"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"min=1"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	SubscribeTimeout     time.Duration `mapstructure:"subscribe_timeout" validate:"gt=0"`
	// PGChannel is the LISTEN channel for the postgres transport; empty
	// means one channel per user named like the subscription.
	PGChannel string `mapstructure:"pg_channel"`
}

type SessionConfig struct {
	// AccessToken is the backend JWT of the signed-in user. UserID is used
	// when no token is configured.
	AccessToken string `mapstructure:"access_token"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	UserID      string `mapstructure:"user_id"`
}

type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" validate:"gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StreamBuffer    int           `mapstructure:"stream_buffer" validate:"min=1"`
}

// RelayConfig drives cmd/relay, which republishes Postgres change
// notifications onto per-user Redis channels.
type RelayConfig struct {
	SourceChannel string `mapstructure:"source_channel" validate:"required"`
	// SourceFilter is an optional "column=op.value" filter on source rows.
	SourceFilter  string        `mapstructure:"source_filter"`
	RetryAttempts int           `mapstructure:"retry_attempts" validate:"min=1"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	// Port serves health and metrics for cmd/relay.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// Filter parses SourceFilter; an empty filter is nil.
func (r RelayConfig) Filter() (*realtime.Filter, error) {
	if r.SourceFilter == "" {
		return nil, nil
	}
	return realtime.ParseFilter(r.SourceFilter)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", "100ms")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 1)

	v.SetDefault("realtime.transport", "redis")
	v.SetDefault("realtime.max_reconnect_attempts", 5)
	v.SetDefault("realtime.reconnect_base_delay", "1s")
	v.SetDefault("realtime.subscribe_timeout", "10s")
	v.SetDefault("realtime.pg_channel", "")

	v.SetDefault("relay.source_channel", "notification_changes")
	v.SetDefault("relay.retry_attempts", 3)
	v.SetDefault("relay.retry_delay", "500ms")
	v.SetDefault("relay.port", 8082)

	// registered so AutomaticEnv can see them during Unmarshal
	v.SetDefault("session.access_token", "")
	v.SetDefault("session.jwt_secret", "")
	v.SetDefault("session.user_id", "")

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.cleanup_interval", "10m")
	v.SetDefault("cache.stream_buffer", 16)

	v.SetDefault("log.level", "info")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
}

// LoadConfig reads config.yml from the usual places, then lets NOTIFYD_*
// environment variables override it. A missing file is not an error.
func LoadConfig(paths ...string) (*Config, error) {
	config, err := load(paths)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadRelayConfig is LoadConfig without the session requirement; the
// relay forwards every user's changes and has no session of its own.
func LoadRelayConfig(paths ...string) (*Config, error) {
	config, err := load(paths)
	if err != nil {
		return nil, err
	}
	if err := config.validateFields(); err != nil {
		return nil, err
	}
	return config, nil
}

func load(paths []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/notifyd"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("NOTIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Validate checks field constraints and the session settings.
func (c *Config) Validate() error {
	if err := c.validateFields(); err != nil {
		return err
	}
	if c.Session.AccessToken == "" && c.Session.UserID == "" {
		return fmt.Errorf("invalid config: session.access_token or session.user_id is required")
	}
	if c.Session.AccessToken != "" && c.Session.JWTSecret == "" {
		return fmt.Errorf("invalid config: session.jwt_secret is required with session.access_token")
	}
	return nil
}

func (c *Config) validateFields() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Relay.Filter(); err != nil {
		return fmt.Errorf("invalid config: relay.source_filter: %w", err)
	}
	return nil
}
