package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// Config holds the pinguard configuration
type Config struct {
	StoreDir    string `toml:"store_dir"`
	Backend     string `toml:"backend"` // "tpm" or "soft"
	Compression string `toml:"compression"`
	Schedule    string `toml:"schedule"` // default delay schedule for new credentials
	Fanout      uint32 `toml:"fanout"`
	Height      uint32 `toml:"height"`
	Debug       bool   `toml:"debug"`

	TPM  TPMConfig  `toml:"tpm"`
	Soft SoftConfig `toml:"soft"`
}

// TPMConfig holds TPM backend settings
type TPMConfig struct {
	Device      string `toml:"device"`
	StatePath   string `toml:"state_path"`
	DeviceKeyNV uint32 `toml:"device_key_nv"`
	AnchorNV    uint32 `toml:"anchor_nv"`
	PCRs        []int  `toml:"pcrs"`
	Bank        string `toml:"bank"`
}

// SoftConfig holds software backend settings
type SoftConfig struct {
	StatePath string `toml:"state_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		StoreDir:    "/var/lib/pinguard/store",
		Backend:     "tpm",
		Compression: "zstd",
		Schedule:    "5:30,10:300,15:forever",
		Fanout:      hashtree.DefaultGeometry.Fanout,
		Height:      hashtree.DefaultGeometry.Height,
	}
}

// Load loads configuration from a TOML file
// If path is empty, returns default config
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Geometry returns the configured tree shape.
func (c *Config) Geometry() hashtree.Geometry {
	return hashtree.Geometry{Fanout: c.Fanout, Height: c.Height}
}

// DefaultSchedule parses the configured default delay schedule.
func (c *Config) DefaultSchedule() (delay.Schedule, error) {
	s, err := delay.Parse(c.Schedule)
	if err != nil {
		return nil, fmt.Errorf("config schedule: %w", err)
	}
	return s, nil
}
