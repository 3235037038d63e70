package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSettingsRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	in := Settings{Server: "https://api.tunlify.test", Token: testToken}
	if err := SaveSettings(in); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	path := SettingsPath()
	if !strings.HasSuffix(path, filepath.Join(".tunlify", "config.yaml")) {
		t.Fatalf("settings path = %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("settings file mode = %o, want 600", perm)
	}

	out, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if out != in {
		t.Fatalf("loaded %+v, want %+v", out, in)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if _, err := LoadSettings(); err == nil {
		t.Fatal("expected an error for a missing settings file")
	}
}

func TestLoadSettingsRejectsIncomplete(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := SettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("server: https://api.tunlify.test\n"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	if _, err := LoadSettings(); err == nil {
		t.Fatal("expected an error for a settings file without a token")
	}
}

func TestSaveSettingsRejectsIncomplete(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := SaveSettings(Settings{Server: "https://api.tunlify.test"}); err == nil {
		t.Fatal("expected an error saving settings without a token")
	}
	if err := SaveSettings(Settings{Token: testToken}); err == nil {
		t.Fatal("expected an error saving settings without a server")
	}
}
