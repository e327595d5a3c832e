package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server ServerConfig `toml:"server"`
	Conn   ConnConfig   `toml:"conn"`
	Call   CallConfig   `toml:"call"`
}

// ServerConfig holds the endpoints of the messaging server.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// ConnConfig tunes the connection manager and the outbox.
type ConnConfig struct {
	HeartbeatSecs      int `toml:"heartbeat_secs"`
	ReconnectBaseMs    int `toml:"reconnect_base_ms"`
	ReconnectMaxMs     int `toml:"reconnect_max_ms"`
	ReconnectJitterPct int `toml:"reconnect_jitter_pct"`
	SendTimeoutSecs    int `toml:"send_timeout_secs"`
}

// CallConfig tunes call signaling.
type CallConfig struct {
	RingTimeoutSecs int `toml:"ring_timeout_secs"`
}

// Default returns a config with working defaults for every tunable.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: ServerConfig{
			BaseURL:   "http://localhost:8080",
			SocketURL: "ws://localhost:8080/ws",
		},
		Conn: ConnConfig{
			HeartbeatSecs:      25,
			ReconnectBaseMs:    1000,
			ReconnectMaxMs:     30000,
			ReconnectJitterPct: 20,
			SendTimeoutSecs:    60,
		},
		Call: CallConfig{
			RingTimeoutSecs: 45,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file returns defaults and no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.DefaultSession == "" {
		c.DefaultSession = d.DefaultSession
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = d.Server.BaseURL
	}
	if c.Server.SocketURL == "" {
		c.Server.SocketURL = d.Server.SocketURL
	}
	if c.Conn.HeartbeatSecs <= 0 {
		c.Conn.HeartbeatSecs = d.Conn.HeartbeatSecs
	}
	if c.Conn.ReconnectBaseMs <= 0 {
		c.Conn.ReconnectBaseMs = d.Conn.ReconnectBaseMs
	}
	if c.Conn.ReconnectMaxMs <= 0 {
		c.Conn.ReconnectMaxMs = d.Conn.ReconnectMaxMs
	}
	if c.Conn.ReconnectJitterPct < 0 {
		c.Conn.ReconnectJitterPct = d.Conn.ReconnectJitterPct
	}
	if c.Conn.SendTimeoutSecs <= 0 {
		c.Conn.SendTimeoutSecs = d.Conn.SendTimeoutSecs
	}
	if c.Call.RingTimeoutSecs <= 0 {
		c.Call.RingTimeoutSecs = d.Call.RingTimeoutSecs
	}
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *ConnConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// ReconnectBase returns the initial reconnect delay as a duration.
func (c *ConnConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

// ReconnectMax returns the reconnect delay cap as a duration.
func (c *ConnConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// SendTimeout returns how long a message may stay pending before it is
// marked failed.
func (c *ConnConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}

// RingTimeout returns how long an unanswered call rings before it is ended.
func (c *CallConfig) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSecs) * time.Second
}
