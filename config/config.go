// Package config loads settings for the slimesoccer binaries: defaults, then
// an optional TOML file, then SLIMESOCCER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coletiv/slimesoccer/debug"
	"github.com/coletiv/slimesoccer/socket"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "SLIMESOCCER_"

type Config struct {
	URL    string            `env:"URL"`
	Params map[string]string `env:"PARAMS"`

	AutoReconnect       bool          `env:"AUTO_RECONNECT"`
	ReconnectDelay      time.Duration `env:"RECONNECT_DELAY"`
	MaxReconnectDelay   time.Duration `env:"MAX_RECONNECT_DELAY"`
	ReconnectMultiplier float64       `env:"RECONNECT_MULTIPLIER"`
	ReconnectJitter     bool          `env:"RECONNECT_JITTER"`
	ReconnectAttempts   int           `env:"RECONNECT_ATTEMPTS"`
	Heartbeat           time.Duration `env:"HEARTBEAT"`

	LogLevel   string `env:"LOG_LEVEL"`
	PlayerID   string `env:"PLAYER_ID"`
	PlayerName string `env:"PLAYER_NAME"`

	RelayAddr       string        `env:"RELAY_ADDR"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL"`
}

func Default() Config {
	return Config{
		URL:                 "ws://localhost:4000/socket/websocket",
		Params:              map[string]string{},
		AutoReconnect:       true,
		ReconnectDelay:      time.Second,
		MaxReconnectDelay:   30 * time.Second,
		ReconnectMultiplier: 1,
		Heartbeat:           30 * time.Second,
		LogLevel:            "info",
		PlayerID:            "player1",
		RelayAddr:           ":4000",
		MetricsInterval:     time.Minute,
	}
}

type fileConfig struct {
	URL                 string            `toml:"url"`
	Params              map[string]string `toml:"params"`
	AutoReconnect       bool              `toml:"auto_reconnect"`
	ReconnectDelay      string            `toml:"reconnect_delay"`
	MaxReconnectDelay   string            `toml:"max_reconnect_delay"`
	ReconnectMultiplier float64           `toml:"reconnect_multiplier"`
	ReconnectJitter     bool              `toml:"reconnect_jitter"`
	ReconnectAttempts   int               `toml:"reconnect_attempts"`
	Heartbeat           string            `toml:"heartbeat"`
	LogLevel            string            `toml:"log_level"`
	PlayerID            string            `toml:"player_id"`
	PlayerName          string            `toml:"player_name"`
	RelayAddr           string            `toml:"relay_addr"`
	MetricsInterval     string            `toml:"metrics_interval"`
}

// Load builds a Config. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("params") {
		cfg.Params = raw.Params
	}
	if meta.IsDefined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("reconnect_multiplier") {
		cfg.ReconnectMultiplier = raw.ReconnectMultiplier
	}
	if meta.IsDefined("reconnect_jitter") {
		cfg.ReconnectJitter = raw.ReconnectJitter
	}
	if meta.IsDefined("reconnect_attempts") {
		cfg.ReconnectAttempts = raw.ReconnectAttempts
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("player_id") {
		cfg.PlayerID = strings.TrimSpace(raw.PlayerID)
	}
	if meta.IsDefined("player_name") {
		cfg.PlayerName = strings.TrimSpace(raw.PlayerName)
	}
	if meta.IsDefined("relay_addr") {
		cfg.RelayAddr = strings.TrimSpace(raw.RelayAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"max_reconnect_delay", raw.MaxReconnectDelay, &cfg.MaxReconnectDelay},
		{"heartbeat", raw.Heartbeat, &cfg.Heartbeat},
		{"metrics_interval", raw.MetricsInterval, &cfg.MetricsInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		debug.Printf("config: ignoring unknown keys %v", undecoded)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.URL) == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, errors.New("reconnect_delay must not be negative"))
	}
	if c.MaxReconnectDelay < 0 {
		errs = append(errs, errors.New("max_reconnect_delay must not be negative"))
	}
	if c.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("reconnect_multiplier must be at least 1"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("reconnect_attempts must not be negative"))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if _, ok := debug.ParseLevel(c.LogLevel); !ok && c.LogLevel != "" {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientOptions maps the reconnect and heartbeat settings onto the socket
// client.
func (c Config) ClientOptions() []socket.ClientOption {
	return []socket.ClientOption{
		socket.WithAutoReconnect(c.AutoReconnect),
		socket.WithReconnectDelay(c.ReconnectDelay),
		socket.WithMaxReconnectDelay(c.MaxReconnectDelay),
		socket.WithReconnectMultiplier(c.ReconnectMultiplier),
		socket.WithReconnectJitter(c.ReconnectJitter),
		socket.WithReconnectAttempts(c.ReconnectAttempts),
		socket.WithHeartbeat(c.Heartbeat),
	}
}
