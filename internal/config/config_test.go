package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validProfile() *Profile {
	return &Profile{
		UserID:      "me",
		APIURL:      "https://api.example.test",
		RealtimeURL: "wss://rt.example.test/socket",
		Token:       "secret",
	}
}

func TestSaveAndLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := validProfile()
	cfg.PollIntervalSeconds = 30
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if loaded.UserID != "me" || loaded.PollIntervalSeconds != 30 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoadProfileMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := validProfile()
	cfg.Token = ""
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("LoadProfile() accepted config without token")
	}
}

func TestLoadGlobalMissingFile(t *testing.T) {
	if _, err := LoadGlobal("/nonexistent/config.toml"); err == nil {
		t.Error("LoadGlobal() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, validProfile()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
