// Package config holds all runtime configuration: built-in defaults, an
// optional TOML file named by KERNEL_CONFIG, and environment variable
// overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all kernel runtime configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Syscall   SyscallConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Susres    SusresConfig
}

// ServerConfig holds the diagnostic HTTP server configuration.
type ServerConfig struct {
	Port    string `envconfig:"PORT" toml:"port"`
	Host    string `envconfig:"HOST" toml:"host"`
	Enabled bool   `envconfig:"HTTP_ENABLED" toml:"enabled"`
}

// KernelConfig holds core kernel parameters.
type KernelConfig struct {
	// Pages is the size of the simulated physical page pool.
	Pages    int    `envconfig:"KERNEL_PAGES" toml:"pages"`
	InitName string `envconfig:"KERNEL_INIT_NAME" toml:"init_name"`
}

// SyscallConfig holds the hosted syscall listener configuration.
type SyscallConfig struct {
	Address string `envconfig:"SYSCALL_ADDR" toml:"address"`
	Enabled bool   `envconfig:"SYSCALL_ENABLED" toml:"enabled"`
	// MaxFrame bounds the payload a single memory message may carry.
	MaxFrame int `envconfig:"SYSCALL_MAX_FRAME" toml:"max_frame"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// SusresConfig holds suspend/resume coordinator configuration.
type SusresConfig struct {
	// AckTimeout bounds how long Suspend waits for one ordering tier to
	// acknowledge before recording the suspend as dirty.
	AckTimeout time.Duration `envconfig:"SUSRES_ACK_TIMEOUT" toml:"ack_timeout"`
}

// Load builds configuration starting from defaults, overlaying the
// optional TOML file, then any set environment variables. Fields carry
// no envconfig defaults on purpose: a default tag would clobber file
// values whenever the variable is unset.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("KERNEL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	if c.Kernel.Pages <= 0 {
		return errors.New("config: kernel pages must be positive")
	}
	if c.Syscall.MaxFrame <= 0 {
		return errors.New("config: syscall max frame must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("config: rate limit rps must be positive when enabled")
	}
	if c.Susres.AckTimeout <= 0 {
		return errors.New("config: susres ack timeout must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8000",
			Host:    "0.0.0.0",
			Enabled: true,
		},
		Kernel: KernelConfig{
			Pages:    4096,
			InitName: "init",
		},
		Syscall: SyscallConfig{
			Address:  "localhost:34567",
			Enabled:  true,
			MaxFrame: 1 << 20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Susres: SusresConfig{
			AckTimeout: 5 * time.Second,
		},
	}
}
