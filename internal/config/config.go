// Package config loads cellarsync configuration from defaults, a TOML file
// and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/cellarsync/config.toml"

// Config holds all application configuration
type Config struct {
	API    APIConfig
	Cache  CacheConfig
	Search SearchConfig
	Log    LogConfig
	Server ServerConfig
}

// APIConfig describes the remote cellar API.
type APIConfig struct {
	URL            string        `env:"CELLAR_API_URL"`
	Timeout        time.Duration `env:"CELLAR_API_TIMEOUT"`
	CredentialFile string        `env:"CELLAR_CREDENTIAL_FILE"`
	// Token, when set, is used instead of the credential file.
	Token string `env:"CELLAR_TOKEN"`
}

type CacheConfig struct {
	StaleAfter      time.Duration `env:"CELLAR_STALE_AFTER"`
	IdleEviction    time.Duration `env:"CELLAR_IDLE_EVICT"`
	JanitorInterval time.Duration `env:"CELLAR_JANITOR_INTERVAL"`
	// Dir holds HTTP responses between runs. Empty means the user cache
	// directory.
	Dir string `env:"CELLAR_CACHE_DIR"`
}

type SearchConfig struct {
	Delay     time.Duration `env:"CELLAR_SEARCH_DELAY"`
	MinLength int           `env:"CELLAR_SEARCH_MIN_LENGTH"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

// ServerConfig is read by cellard only.
type ServerConfig struct {
	Addr        string `env:"CELLARD_ADDR"`
	Secret      string `env:"CELLARD_SECRET"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// fileConfig mirrors the TOML layout. Durations are strings like "30s".
type fileConfig struct {
	API struct {
		URL            string `toml:"url,omitempty"`
		Timeout        string `toml:"timeout,omitempty"`
		CredentialFile string `toml:"credential_file,omitempty"`
	} `toml:"api"`
	Cache struct {
		StaleAfter      string `toml:"stale_after"`
		IdleEviction    string `toml:"idle_eviction"`
		JanitorInterval string `toml:"janitor_interval"`
		Dir             string `toml:"dir,omitempty"`
	} `toml:"cache"`
	Search struct {
		Delay     string `toml:"delay"`
		MinLength *int   `toml:"min_length"`
	} `toml:"search"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			URL:     "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			StaleAfter:      30 * time.Second,
			IdleEviction:    5 * time.Minute,
			JanitorInterval: time.Minute,
		},
		Search: SearchConfig{
			Delay:     300 * time.Millisecond,
			MinLength: 2,
		},
		Log:    LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads the TOML file at path (the default location when empty) over
// the defaults, then applies environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.readFile(resolved); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var raw fileConfig
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&c.API.URL, raw.API.URL)
	setString(&c.API.CredentialFile, raw.API.CredentialFile)
	setString(&c.Cache.Dir, raw.Cache.Dir)
	setString(&c.Log.Level, raw.Log.Level)
	setString(&c.Log.Format, raw.Log.Format)
	setString(&c.Server.Addr, raw.Server.Addr)
	if raw.Search.MinLength != nil {
		c.Search.MinLength = *raw.Search.MinLength
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"api.timeout", raw.API.Timeout, &c.API.Timeout},
		{"cache.stale_after", raw.Cache.StaleAfter, &c.Cache.StaleAfter},
		{"cache.idle_eviction", raw.Cache.IdleEviction, &c.Cache.IdleEviction},
		{"cache.janitor_interval", raw.Cache.JanitorInterval, &c.Cache.JanitorInterval},
		{"search.delay", raw.Search.Delay, &c.Search.Delay},
	}
	for _, d := range durations {
		s := strings.TrimSpace(d.raw)
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Save writes the file settings of c to path, the default location when
// empty, and returns the path written. Secrets and the token are not saved.
func (c *Config) Save(path string) (string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", err
	}

	var raw fileConfig
	raw.API.URL = c.API.URL
	raw.API.Timeout = c.API.Timeout.String()
	raw.API.CredentialFile = c.API.CredentialFile
	raw.Cache.StaleAfter = c.Cache.StaleAfter.String()
	raw.Cache.IdleEviction = c.Cache.IdleEviction.String()
	raw.Cache.JanitorInterval = c.Cache.JanitorInterval.String()
	raw.Cache.Dir = c.Cache.Dir
	raw.Search.Delay = c.Search.Delay.String()
	minLength := c.Search.MinLength
	raw.Search.MinLength = &minLength
	raw.Log.Level = c.Log.Level
	raw.Log.Format = c.Log.Format
	raw.Server.Addr = c.Server.Addr

	data, err := toml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return resolved, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API URL %q", c.API.URL)
	}
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"CELLAR_API_TIMEOUT", c.API.Timeout},
		{"CELLAR_STALE_AFTER", c.Cache.StaleAfter},
		{"CELLAR_IDLE_EVICT", c.Cache.IdleEviction},
		{"CELLAR_JANITOR_INTERVAL", c.Cache.JanitorInterval},
		{"CELLAR_SEARCH_DELAY", c.Search.Delay},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.v)
		}
	}
	if c.Search.MinLength < 0 {
		return fmt.Errorf("CELLAR_SEARCH_MIN_LENGTH must not be negative, got %d", c.Search.MinLength)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	trimmed := strings.TrimSpace(path)
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
