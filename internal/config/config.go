package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatlink/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	User      User      `toml:"user"`
	Server    Server    `toml:"server"`
	Transport Transport `toml:"transport"`
	Sync      Sync      `toml:"sync"`
	Store     Store     `toml:"store"`
}

// User identifies the local account.
type User struct {
	ID string `toml:"id"`
}

// Server holds the chat server endpoints.
type Server struct {
	// Endpoint is the websocket URL of the chat server.
	Endpoint string `toml:"endpoint"`
	// DirectoryURL is the base URL of the profile/contacts HTTP service.
	DirectoryURL string `toml:"directory_url"`
}

// Transport tunes the connection supervisor.
type Transport struct {
	ConnectTimeout duration `toml:"connect_timeout"`
	BackoffBase    duration `toml:"backoff_base"`
	MaxAttempts    int      `toml:"max_attempts"`
	PingInterval   duration `toml:"ping_interval"`
}

// Sync tunes the offline sync coordinator.
type Sync struct {
	// GraceTimeout bounds how long the client waits in SYNCING for the
	// server's offline batch before declaring itself ready.
	GraceTimeout duration `toml:"grace_timeout"`
}

// Store tunes the persistence layer.
type Store struct {
	FlushDebounce duration `toml:"flush_debounce"`
	FlushRetry    duration `toml:"flush_retry"`
}

// duration wraps time.Duration with TOML text (un)marshalling.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Transport: Transport{
			ConnectTimeout: duration{10 * time.Second},
			BackoffBase:    duration{2 * time.Second},
			MaxAttempts:    10,
			PingInterval:   duration{30 * time.Second},
		},
		Sync: Sync{
			GraceTimeout: duration{15 * time.Second},
		},
		Store: Store{
			FlushDebounce: duration{500 * time.Millisecond},
			FlushRetry:    duration{5 * time.Second},
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. Returns an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and sane tuning values.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("config: user.id is required")
	}
	if c.Server.Endpoint == "" {
		return fmt.Errorf("config: server.endpoint is required")
	}
	if c.Transport.MaxAttempts < 1 {
		return fmt.Errorf("config: transport.max_attempts must be >= 1")
	}
	if c.Transport.BackoffBase.Duration <= 0 {
		return fmt.Errorf("config: transport.backoff_base must be positive")
	}
	return nil
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
