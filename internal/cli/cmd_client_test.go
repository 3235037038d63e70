package cli

import (
	"strings"
	"testing"

	"github.com/tunlify/tunlify/internal/client"
	"github.com/tunlify/tunlify/internal/config"
)

func TestNormalizeServerURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "api.example.com", want: "https://api.example.com"},
		{in: "https://api.example.com/", want: "https://api.example.com"},
		{in: "http://127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{in: "ftp://api.example.com", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeServerURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeServerURL(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeServerURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeServerURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRunLoginSavesSettings(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TUNLIFY_SERVER", "")
	t.Setenv("TUNLIFY_TOKEN", "")

	token := strings.Repeat("ab", 16)
	var code int
	out := captureStdout(t, func() {
		code = Run([]string{"login", "-server", "api.example.com", "-token", token})
	})
	if code != 0 {
		t.Fatalf("login exited %d:\n%s", code, out)
	}
	if !strings.Contains(out, "saved:") {
		t.Fatalf("login output = %q", out)
	}

	stored, err := client.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if stored.Server != "https://api.example.com" || stored.Token != token {
		t.Fatalf("stored settings = %+v", stored)
	}
}

func TestRunLoginRejectsBadServerURL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	token := strings.Repeat("ab", 16)
	if code := Run([]string{"login", "-server", "ftp://api.example.com", "-token", token}); code != 2 {
		t.Fatalf("login with ftp server exited %d, want 2", code)
	}
}

func TestMergeClientSettingsFillsFromFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	token := strings.Repeat("cd", 16)
	if err := client.SaveSettings(client.Settings{Server: "https://api.example.com", Token: token}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	cfg := config.ClientConfig{}
	if err := mergeClientSettings(&cfg); err != nil {
		t.Fatalf("mergeClientSettings: %v", err)
	}
	if cfg.ServerURL != "https://api.example.com" || cfg.Token != token {
		t.Fatalf("merged config = %+v", cfg)
	}

	// Explicit values win over the file.
	cfg = config.ClientConfig{ServerURL: "http://127.0.0.1:9090", Token: "flag-token"}
	if err := mergeClientSettings(&cfg); err != nil {
		t.Fatalf("mergeClientSettings: %v", err)
	}
	if cfg.ServerURL != "http://127.0.0.1:9090" || cfg.Token != "flag-token" {
		t.Fatalf("merged config = %+v", cfg)
	}
}
