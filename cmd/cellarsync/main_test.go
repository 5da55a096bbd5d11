package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/internal/commands"
	"github.com/briangreenhill/cellarsync/internal/devapi"
)

func setupCLI(t *testing.T) {
	t.Helper()
	repo := devapi.NewMemoryRepository()
	if err := devapi.Seed(context.Background(), repo, devapi.DemoLots()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ts := httptest.NewServer(devapi.NewServer(devapi.ServerOptions{Repo: repo, Logger: zerolog.Nop()}))
	t.Cleanup(ts.Close)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CELLAR_API_URL", ts.URL)
	t.Setenv("CELLAR_TOKEN", "")
	t.Setenv("CELLAR_CREDENTIAL_FILE", filepath.Join(home, "token.json"))
	t.Setenv("CELLAR_CACHE_DIR", filepath.Join(home, "http"))
	t.Setenv("LOG_LEVEL", "disabled")
}

func TestRunCLI(t *testing.T) {
	setupCLI(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"no args prints usage", nil, "Usage: cellarsync", false},
		{"help", []string{"help"}, "Commands:", false},
		{"version", []string{"--version"}, version, false},
		{"stats", []string{"stats"}, "27 in 5 lots", false},
		{"inventory", []string{"inventory", "-cellar", "2"}, "Felton Road Pinot Noir", false},
		{"unknown command", []string{"cellar-door"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := runCLI(context.Background(), tt.args, strings.NewReader(""), &stdout, &stderr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("runCLI(%v) expected error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("runCLI(%v) failed: %v", tt.args, err)
			}
			if !strings.Contains(stdout.String(), tt.want) {
				t.Errorf("runCLI(%v) output %q does not contain %q", tt.args, stdout.String(), tt.want)
			}
		})
	}
}

func TestRunCLIUsageErrors(t *testing.T) {
	setupCLI(t)
	var stdout, stderr bytes.Buffer
	err := runCLI(context.Background(), []string{"consume"}, strings.NewReader(""), &stdout, &stderr)
	if !errors.Is(err, commands.ErrUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestRunCLIBadConfig(t *testing.T) {
	setupCLI(t)
	t.Setenv("CELLAR_API_URL", "not a url")
	var stdout, stderr bytes.Buffer
	if err := runCLI(context.Background(), []string{"stats"}, strings.NewReader(""), &stdout, &stderr); err == nil {
		t.Error("expected an invalid API URL to fail")
	}
}

func TestRunCLISetup(t *testing.T) {
	setupCLI(t)
	home := t.TempDir()
	path := filepath.Join(home, "cellarsync.toml")

	in := strings.NewReader("https://cellar.example.com\n\n1m\n\n3\n")
	var stdout, stderr bytes.Buffer
	if err := runCLI(context.Background(), []string{"-config", path, "setup"}, in, &stdout, &stderr); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Configuration saved to "+path) {
		t.Errorf("unexpected output %q", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"https://cellar.example.com", "1m0s", "min_length = 3"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("config file missing %q:\n%s", want, data)
		}
	}
}

func TestRunCLISetupRepairsBrokenConfig(t *testing.T) {
	setupCLI(t)
	t.Setenv("CELLAR_API_URL", "")
	os.Unsetenv("CELLAR_API_URL")
	path := filepath.Join(t.TempDir(), "cellarsync.toml")
	if err := os.WriteFile(path, []byte("[api]\nurl = \"cellar.local\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	err := runCLI(context.Background(), []string{"-config", path, "stats"}, strings.NewReader(""), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "invalid API URL") {
		t.Fatalf("expected invalid API URL, got %v", err)
	}

	in := strings.NewReader("http://cellar.local:8080\n")
	if err := runCLI(context.Background(), []string{"-config", path, "setup"}, in, &stdout, &stderr); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "http://cellar.local:8080") {
		t.Errorf("config file not repaired:\n%s", data)
	}
}
