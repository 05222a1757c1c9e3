package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`

	Relay RelayConfig `mapstructure:"relay"`
	Store StoreConfig `mapstructure:"store"`
	Media MediaConfig `mapstructure:"media"`
	Call  CallConfig  `mapstructure:"call"`
	Hub   HubConfig   `mapstructure:"hub"`
}

type RelayConfig struct {
	// Backend is one of memory, redis, postgres, ws.
	Backend      string `mapstructure:"backend"`
	URL          string `mapstructure:"url"`
	RedisAddr    string `mapstructure:"redis_addr"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	// ReplayWindow is how far back the redis and postgres relays read when a
	// subscription starts.
	ReplayWindow time.Duration `mapstructure:"replay_window"`
}

type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres.
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type MediaConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

type CallConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	RejectWhenBusy bool          `mapstructure:"reject_when_busy"`
	TombstoneSize  int           `mapstructure:"tombstone_size"`
	TombstoneTTL   time.Duration `mapstructure:"tombstone_ttl"`
}

type HubConfig struct {
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	BacklogSize int           `mapstructure:"backlog_size"`
	BacklogTTL  time.Duration `mapstructure:"backlog_ttl"`
	SendBuffer  int           `mapstructure:"send_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("user_id", "")
	v.SetDefault("display_name", "")

	v.SetDefault("relay.backend", "memory")
	v.SetDefault("relay.url", "ws://localhost:8090/api/ws/signal")
	v.SetDefault("relay.redis_addr", "localhost:6379")
	v.SetDefault("relay.stream_max_len", 1000)
	v.SetDefault("relay.postgres_dsn", "")
	v.SetDefault("relay.replay_window", 30*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "voicecall.db")

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.reject_when_busy", true)
	v.SetDefault("call.tombstone_size", 256)
	v.SetDefault("call.tombstone_ttl", "30m")

	v.SetDefault("hub.read_limit", 32768)
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.secret", "change-me")
	v.SetDefault("hub.rate_limit", 50)
	v.SetDefault("hub.rate_burst", 100)
	v.SetDefault("hub.backlog_size", 64)
	v.SetDefault("hub.backlog_ttl", "2m")
	v.SetDefault("hub.send_buffer", 32)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) and applies
// VOICE_* environment overrides, e.g. VOICE_RELAY_BACKEND.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to
// defaults and environment.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("relay", cfg.Relay.Backend).
		Str("store", cfg.Store.Backend).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Relay.Backend {
	case "memory", "redis", "postgres", "ws":
	default:
		return fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Relay.ReplayWindow < 0 {
		return fmt.Errorf("relay.replay_window must not be negative")
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must not be negative")
	}
	return nil
}

// PostgresDSN is the DSN shared by the postgres relay and store.
func (c *Config) PostgresDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return c.Relay.PostgresDSN
}
