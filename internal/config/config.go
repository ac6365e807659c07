// Package config loads evmount's YAML configuration: where evidence gets
// mounted, how large the mount point pools are, which external tools to
// invoke and how long to wait for them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maren/evmount/internal/system"
)

// DefaultPath is where Load looks when no --config flag is given.
const DefaultPath = "/etc/evmount.yaml"

// Config holds all tunables. Zero values are filled in by Load.
type Config struct {
	// PoolBase is the directory under which mount point slots are created.
	PoolBase string `yaml:"pool_base"`
	// PoolSize is the number of pre-provisioned slots per tier.
	PoolSize int `yaml:"pool_size"`
	// VSSRoot is where vshadowmount exposes shadow snapshot files.
	VSSRoot string `yaml:"vss_root"`

	// Timeouts in seconds, per mechanism class.
	BridgeTimeoutSec  int `yaml:"bridge_timeout"`
	MountTimeoutSec   int `yaml:"mount_timeout"`
	UnmountTimeoutSec int `yaml:"unmount_timeout"`

	// MaxContainerSize skips containers larger than this (e.g. "2T").
	// Empty means no limit.
	MaxContainerSize string `yaml:"max_container_size"`

	// Tools maps a tool name to an alternate binary path.
	Tools map[string]string `yaml:"tools"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PoolBase:          "/mnt/evm",
		PoolSize:          20,
		VSSRoot:           "/mnt/evm/vss",
		BridgeTimeoutSec:  60,
		MountTimeoutSec:   30,
		UnmountTimeoutSec: 120,
		Tools:             map[string]string{},
	}
}

// Load reads the configuration file at path. A missing file at the default
// path is not an error; explicit paths must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = Default().PoolSize
	}
	if cfg.PoolBase == "" {
		cfg.PoolBase = Default().PoolBase
	}
	if cfg.VSSRoot == "" {
		cfg.VSSRoot = Default().VSSRoot
	}
	if cfg.MaxContainerSize != "" {
		if _, err := system.ParseSize(cfg.MaxContainerSize); err != nil {
			return nil, fmt.Errorf("invalid max_container_size: %w", err)
		}
	}

	return cfg, nil
}

// Tool resolves a tool name to its configured path, defaulting to the
// bare name (resolved via PATH).
func (c *Config) Tool(name string) string {
	if p, ok := c.Tools[name]; ok && p != "" {
		return p
	}
	return name
}

// MaxSize returns the parsed container size limit, 0 when unlimited.
func (c *Config) MaxSize() uint64 {
	if c.MaxContainerSize == "" {
		return 0
	}
	n, err := system.ParseSize(c.MaxContainerSize)
	if err != nil {
		return 0
	}
	return n
}

// BridgeTimeout is the limit for device bridge operations.
func (c *Config) BridgeTimeout() time.Duration {
	return secondsOr(c.BridgeTimeoutSec, 60)
}

// MountTimeout is the limit for a single mount attempt.
func (c *Config) MountTimeout() time.Duration {
	return secondsOr(c.MountTimeoutSec, 30)
}

// UnmountTimeout is the limit for unmount and detach operations.
func (c *Config) UnmountTimeout() time.Duration {
	return secondsOr(c.UnmountTimeoutSec, 120)
}

func secondsOr(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
