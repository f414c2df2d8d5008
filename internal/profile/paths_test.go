package profile

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathLayout(t *testing.T) {
	dir := Dir("work")
	if !strings.HasSuffix(dir, filepath.Join(".chatsync", "profiles", "work")) {
		t.Errorf("Dir = %q", dir)
	}
	if CachePath("work") != filepath.Join(dir, "cache.db") {
		t.Errorf("CachePath = %q", CachePath("work"))
	}
	if LockPath("work") != filepath.Join(dir, "LOCK") {
		t.Errorf("LockPath = %q", LockPath("work"))
	}
	if LogPath("work") != filepath.Join(dir, "logs", "chatsyncd.log") {
		t.Errorf("LogPath = %q", LogPath("work"))
	}
	if ProfileConfigPath("work") != filepath.Join(dir, "config.toml") {
		t.Errorf("ProfileConfigPath = %q", ProfileConfigPath("work"))
	}
}
