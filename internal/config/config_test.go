package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"CELLAR_API_URL", "CELLAR_API_TIMEOUT", "CELLAR_STALE_AFTER", "CELLAR_IDLE_EVICT",
	"CELLAR_JANITOR_INTERVAL", "CELLAR_CACHE_DIR", "CELLAR_SEARCH_DELAY", "CELLAR_SEARCH_MIN_LENGTH",
	"CELLAR_CREDENTIAL_FILE", "CELLAR_TOKEN", "LOG_LEVEL", "LOG_FORMAT",
	"CELLARD_ADDR", "CELLARD_SECRET", "DATABASE_URL",
}

// setupTestConfig points HOME at a temp dir and clears every variable Load
// reads. Everything is restored when the test ends.
func setupTestConfig(t *testing.T) string {
	t.Helper()
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)

	original := map[string]string{}
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			original[k] = v
		}
		_ = os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range envKeys {
			if v, ok := original[k]; ok {
				_ = os.Setenv(k, v)
			} else {
				_ = os.Unsetenv(k)
			}
		}
	})
	return tempDir
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	setupTestConfig(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.API.URL != "http://127.0.0.1:8080" {
		t.Errorf("Expected default API URL, got '%s'", cfg.API.URL)
	}
	if cfg.API.Timeout != 15*time.Second {
		t.Errorf("Expected timeout 15s, got %s", cfg.API.Timeout)
	}
	if cfg.Cache.StaleAfter != 30*time.Second || cfg.Cache.IdleEviction != 5*time.Minute || cfg.Cache.JanitorInterval != time.Minute {
		t.Errorf("Unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Search.Delay != 300*time.Millisecond || cfg.Search.MinLength != 2 {
		t.Errorf("Unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Expected addr ':8080', got '%s'", cfg.Server.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadFileFromHome(t *testing.T) {
	home := setupTestConfig(t)
	dir := filepath.Join(home, ".config", "cellarsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, `
[api]
url = "https://cellar.example.com"
timeout = "5s"

[cache]
stale_after = "1m"
dir = "/var/cache/cellarsync"

[search]
delay = "150ms"
min_length = 0

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.API.URL != "https://cellar.example.com" {
		t.Errorf("Expected file URL, got '%s'", cfg.API.URL)
	}
	if cfg.API.Timeout != 5*time.Second {
		t.Errorf("Expected 5s, got %s", cfg.API.Timeout)
	}
	if cfg.Cache.StaleAfter != time.Minute {
		t.Errorf("Expected 1m, got %s", cfg.Cache.StaleAfter)
	}
	if cfg.Cache.IdleEviction != 5*time.Minute {
		t.Errorf("Unset keys keep defaults, got %s", cfg.Cache.IdleEviction)
	}
	if cfg.Cache.Dir != "/var/cache/cellarsync" {
		t.Errorf("Expected cache dir from file, got '%s'", cfg.Cache.Dir)
	}
	if cfg.Search.Delay != 150*time.Millisecond || cfg.Search.MinLength != 0 {
		t.Errorf("Unexpected search config: %+v", cfg.Search)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := setupTestConfig(t)
	path := writeFile(t, dir, "[api]\nurl = \"https://file.example.com\"\n")

	t.Setenv("CELLAR_API_URL", "https://env.example.com")
	t.Setenv("CELLAR_STALE_AFTER", "45s")
	t.Setenv("CELLAR_SEARCH_MIN_LENGTH", "3")
	t.Setenv("CELLAR_TOKEN", "secret-token")
	t.Setenv("CELLARD_SECRET", "dev-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/cellar")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.API.URL != "https://env.example.com" {
		t.Errorf("Expected env URL, got '%s'", cfg.API.URL)
	}
	if cfg.Cache.StaleAfter != 45*time.Second {
		t.Errorf("Expected 45s, got %s", cfg.Cache.StaleAfter)
	}
	if cfg.Search.MinLength != 3 {
		t.Errorf("Expected 3, got %d", cfg.Search.MinLength)
	}
	if cfg.API.Token != "secret-token" {
		t.Errorf("Expected token from env")
	}
	if cfg.Server.Secret != "dev-secret" || cfg.Server.DatabaseURL != "postgres://localhost/cellar" {
		t.Errorf("Unexpected server config: %+v", cfg.Server)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "bad toml", file: "[api\nurl=", want: "parse config"},
		{name: "bad duration in file", file: "[cache]\nstale_after = \"soon\"\n", want: "cache.stale_after"},
		{name: "bad duration in env", env: map[string]string{"CELLAR_API_TIMEOUT": "forever"}, want: "parse environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestConfig(t)
			path := filepath.Join(dir, "missing.toml")
			if tt.file != "" {
				path = writeFile(t, dir, tt.file)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty url", func(c *Config) { c.API.URL = "" }, true},
		{"relative url", func(c *Config) { c.API.URL = "/api" }, true},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, true},
		{"negative stale", func(c *Config) { c.Cache.StaleAfter = -time.Second }, true},
		{"zero janitor", func(c *Config) { c.Cache.JanitorInterval = 0 }, true},
		{"zero search delay", func(c *Config) { c.Search.Delay = 0 }, true},
		{"negative min length", func(c *Config) { c.Search.MinLength = -1 }, true},
		{"zero min length", func(c *Config) { c.Search.MinLength = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := setupTestConfig(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg.API.URL = "https://cellar.example.com"
	cfg.Cache.StaleAfter = 2 * time.Minute
	cfg.Search.MinLength = 0
	cfg.API.Token = "never-written"

	path, err := cfg.Save("")
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if want := filepath.Join(home, ".config", "cellarsync", "config.toml"); path != want {
		t.Errorf("Expected %s, got %s", want, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "never-written") {
		t.Error("token must not be saved")
	}

	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load() after Save failed: %v", err)
	}
	if loaded.API.URL != cfg.API.URL || loaded.Cache.StaleAfter != 2*time.Minute || loaded.Search.MinLength != 0 {
		t.Errorf("Round trip lost settings: %+v", loaded)
	}
}
