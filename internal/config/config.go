package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BOOKSTREAM"

// Config holds all application configuration
type Config struct {
	Feed    FeedConfig    `mapstructure:"feed"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	App     AppConfig     `mapstructure:"app"`
}

// FeedConfig holds upstream streaming connection settings
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	AssetIDs         []string      `mapstructure:"asset_ids"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkDelay       time.Duration `mapstructure:"chunk_delay"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// ServerConfig holds the local query/push server settings
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// AppConfig holds general application configuration
type AppConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	DefaultTick   string        `mapstructure:"default_tick"`
	// SuppressStaleReads makes liquidity queries fail while a replica is
	// stale after an upstream disconnect.
	SuppressStaleReads bool `mapstructure:"suppress_stale_reads"`
}

// Default returns the default configuration for the public market channel
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:              "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChunkSize:        50,
			ChunkDelay:       100 * time.Millisecond,
			ReconnectBackoff: 5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     10 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Server: ServerConfig{
			Enabled:      true,
			Addr:         ":8086",
			PushInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		App: AppConfig{
			StatsInterval: 10 * time.Second,
			DefaultTick:   "0.01",
		},
	}
}

// Load reads configuration from an optional YAML file and BOOKSTREAM_*
// environment variables, layered over Default. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("feed.url", c.Feed.URL)
	v.SetDefault("feed.asset_ids", c.Feed.AssetIDs)
	v.SetDefault("feed.chunk_size", c.Feed.ChunkSize)
	v.SetDefault("feed.chunk_delay", c.Feed.ChunkDelay)
	v.SetDefault("feed.reconnect_backoff", c.Feed.ReconnectBackoff)
	v.SetDefault("feed.handshake_timeout", c.Feed.HandshakeTimeout)
	v.SetDefault("feed.ping_interval", c.Feed.PingInterval)
	v.SetDefault("feed.read_timeout", c.Feed.ReadTimeout)
	v.SetDefault("feed.write_timeout", c.Feed.WriteTimeout)
	v.SetDefault("server.enabled", c.Server.Enabled)
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.push_interval", c.Server.PushInterval)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.pretty", c.Logging.Pretty)
	v.SetDefault("app.stats_interval", c.App.StatsInterval)
	v.SetDefault("app.default_tick", c.App.DefaultTick)
	v.SetDefault("app.suppress_stale_reads", c.App.SuppressStaleReads)
}

// Validate checks the settings the feed cannot run without
func (c Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if c.Feed.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("feed.chunk_size must be positive, got %d", c.Feed.ChunkSize))
	}
	if c.Feed.ReconnectBackoff <= 0 {
		errs = append(errs, fmt.Errorf("feed.reconnect_backoff must be positive, got %s", c.Feed.ReconnectBackoff))
	}
	if c.Feed.ChunkDelay < 0 {
		errs = append(errs, fmt.Errorf("feed.chunk_delay must not be negative, got %s", c.Feed.ChunkDelay))
	}
	if c.App.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("app.stats_interval must be positive, got %s", c.App.StatsInterval))
	}
	return errors.Join(errs...)
}

// SetAssetIDs replaces the initial subscription list
func (c *Config) SetAssetIDs(ids []string) {
	c.Feed.AssetIDs = ids
}

// SetURL updates the upstream feed URL
func (c *Config) SetURL(url string) {
	c.Feed.URL = url
}
