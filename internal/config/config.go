package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.convo/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Gateway        Gateway `toml:"gateway"`
}

// Gateway configures the document-store gateway connection. An empty URL
// runs the daemon against the in-memory store (offline mode).
type Gateway struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
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
