package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadFile reads a TOML file over c. Keys absent from the file keep their
// current values; scoring tables merge into the defaults.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}

// Load returns the defaults overlaid with the file at path, when set, and
// then the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
