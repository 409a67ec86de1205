// Package config loads watchsyncd settings from defaults, an optional YAML
// file and WATCHSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/pubsub"
	"github.com/gabrielmiguelok/watchsync/pkg/state"
)

// EnvPrefix is prepended to every environment override, so that
// server.addr is read from WATCHSYNC_SERVER_ADDR.
const EnvPrefix = "WATCHSYNC"

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Roles  RolesConfig
	Log    logging.Config
	Client ClientConfig
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DevMode         bool          `mapstructure:"dev_mode"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
	SnapshotCache   int           `mapstructure:"snapshot_cache"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `mapstructure:"backend"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	ViewerTTL     time.Duration `mapstructure:"viewer_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type AuthConfig struct {
	// Mode is "header" or "jwt".
	Mode   string `mapstructure:"mode"`
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type RolesConfig struct {
	// Default is the role of viewers absent from Static. Empty means
	// such viewers are not members.
	Default   string            `mapstructure:"default"`
	Static    map[string]string `mapstructure:"static"`
	RemoteURL string            `mapstructure:"remote_url"`
	CacheSize int               `mapstructure:"cache_size"`
	CacheTTL  time.Duration     `mapstructure:"cache_ttl"`
}

type ClientConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SyncThrottle      time.Duration `mapstructure:"sync_throttle"`
	CachePath         string        `mapstructure:"cache_path"`
}

// Load reads configuration. path may name a YAML file; when empty,
// watchsync.yaml is searched in the working directory and ./config.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return load(v, path)
}

// LoadWith reads configuration into v, which may already carry bound
// command line flags.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	return load(v, path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("watchsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every key so environment overrides apply even
// without a config file.
func SetDefaults(v *viper.Viper) {
	store := state.DefaultConfig()
	redis := pubsub.DefaultRedisConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("server.snapshot_ttl", 5*time.Second)
	v.SetDefault("server.snapshot_cache", 1024)
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.key_prefix", "watchsync:")
	v.SetDefault("store.max_age", store.MaxAge)
	v.SetDefault("store.viewer_ttl", store.ViewerTTL)
	v.SetDefault("store.sweep_interval", store.SweepInterval)

	v.SetDefault("redis.addr", redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", redis.DB)
	v.SetDefault("redis.pool_size", redis.PoolSize)
	v.SetDefault("redis.dial_timeout", redis.DialTimeout)
	v.SetDefault("redis.read_timeout", redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", redis.WriteTimeout)
	v.SetDefault("redis.max_retries", redis.MaxRetries)

	v.SetDefault("auth.mode", "header")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("roles.default", "guest")
	v.SetDefault("roles.remote_url", "")
	v.SetDefault("roles.cache_size", 4096)
	v.SetDefault("roles.cache_ttl", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service", "watchsyncd")

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.heartbeat_interval", 30*time.Second)
	v.SetDefault("client.sync_throttle", 500*time.Millisecond)
	v.SetDefault("client.cache_path", "")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("config: auth.secret is required for jwt mode")
		}
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Store.ViewerTTL <= 0 || c.Store.MaxAge <= 0 {
		return errors.New("config: store.viewer_ttl and store.max_age must be positive")
	}
	return nil
}

// StateConfig converts the store section for state.NewStore.
func (c *Config) StateConfig() state.Config {
	return state.Config{
		MaxAge:        c.Store.MaxAge,
		ViewerTTL:     c.Store.ViewerTTL,
		SweepInterval: c.Store.SweepInterval,
	}
}

// RedisOptions converts the redis section for pubsub.Connect.
func (c *Config) RedisOptions() *pubsub.RedisConfig {
	return &pubsub.RedisConfig{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
		MaxRetries:   c.Redis.MaxRetries,
	}
}
