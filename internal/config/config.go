// Package config provides configuration loading for the gqlsocket client.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Phoenix socket endpoint, e.g. wss://api.example.com/socket
	URL string `yaml:"url"`
	// Query parameters sent when connecting (auth tokens and the like)
	Params map[string]string `yaml:"params,omitempty"`
	// Channel GraphQL documents are pushed on
	Topic string `yaml:"topic"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Local status server listen address; empty disables it
	StatusAddr string `yaml:"status_addr,omitempty"`

	// OTLP gRPC collector endpoint; empty disables tracing
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		URL:               "ws://localhost:4000/socket",
		Topic:             protocol.ControlTopic,
		HeartbeatInterval: 30 * time.Second,
		PushTimeout:       10 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("GQLSOCKET_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("GQLSOCKET_TOPIC"); v != "" {
		cfg.Topic = v
	}
	if v := os.Getenv("GQLSOCKET_TOKEN"); v != "" {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["token"] = v
	}
	if v := os.Getenv("GQLSOCKET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GQLSOCKET_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv("GQLSOCKET_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"GQLSOCKET_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"GQLSOCKET_PUSH_TIMEOUT", &cfg.PushTimeout},
		{"GQLSOCKET_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"GQLSOCKET_MAX_RECONNECT_DELAY", &cfg.MaxReconnectDelay},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("invalid url scheme %q (want ws, wss, http or https)", u.Scheme)
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.HeartbeatInterval <= 0 || c.PushTimeout <= 0 || c.ReconnectDelay <= 0 {
		return errors.New("heartbeat_interval, push_timeout and reconnect_delay must be positive")
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay %s is below reconnect_delay %s", c.MaxReconnectDelay, c.ReconnectDelay)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// SocketOptions maps the configuration onto transport options.
func (c Config) SocketOptions() transport.Options {
	return transport.Options{
		Params:            c.Params,
		HeartbeatInterval: c.HeartbeatInterval,
		PushTimeout:       c.PushTimeout,
		ReconnectDelay:    c.ReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
	}
}

// Save writes the config to path with restrictive permissions.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
