package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Global represents the global ~/.chatsync/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents a profile's config.toml: which user this engine syncs
// and where the backend lives.
type Profile struct {
	UserID      string `toml:"user_id"`
	APIURL      string `toml:"api_url"`
	RealtimeURL string `toml:"realtime_url"`
	Token       string `toml:"token"`

	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	PageSize            int `toml:"page_size"`
}

// Validate checks the fields without which the engine cannot start.
func (p *Profile) Validate() error {
	switch {
	case p.UserID == "":
		return fmt.Errorf("config: user_id is required")
	case p.APIURL == "":
		return fmt.Errorf("config: api_url is required")
	case p.RealtimeURL == "":
		return fmt.Errorf("config: realtime_url is required")
	case p.Token == "":
		return fmt.Errorf("config: token is required")
	}
	return nil
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads and validates a profile config.
func LoadProfile(path string) (*Profile, error) {
	var cfg Profile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes a config value to the given path, creating parent dirs as
// needed. Files are private: tokens live here.
func Save(path string, cfg any) error {
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
