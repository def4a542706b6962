package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envMap(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cigate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{"HOME": "/home/ci"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.Dir != "/home/ci/.local/state/cigate" {
		t.Errorf("state dir = %q", cfg.State.Dir)
	}
	if cfg.Workspace.Driver != DriverAuto {
		t.Errorf("driver = %q, want auto", cfg.Workspace.Driver)
	}
	if cfg.StepTimeout() != 0 {
		t.Errorf("step timeout = %s, want none", cfg.StepTimeout())
	}
	if cfg.LedgerPath() != "/home/ci/.local/state/cigate/ledger.jsonl" {
		t.Errorf("ledger path = %q", cfg.LedgerPath())
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
pipeline: ${REPO:-/srv/repo}/.cigate.yaml
workspace:
  driver: docker
  image: rust:1.80
state:
  dir: /var/lib/cigate
server:
  listen: 127.0.0.1:9000
  queue_size: 4
defaults:
  step_timeout: 20m
`)

	cfg, err := Load("", envMap(map[string]string{
		"CIGATE_CONFIG":     path,
		"CIGATE_LISTEN":     ":7000",
		"CIGATE_COLOR":      "never",
		"CIGATE_LOG_FORMAT": "json",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.LogLevel = "debug"
	want.Color = "never"
	want.LogFormat = "json"
	want.Pipeline = "/srv/repo/.cigate.yaml"
	want.Workspace.Driver = DriverDocker
	want.Workspace.Image = "rust:1.80"
	want.State.Dir = "/var/lib/cigate"
	want.Server.Listen = ":7000"
	want.Server.QueueSize = 4
	want.Defaults.StepTimeout = "20m"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.StepTimeout() != 20*time.Minute {
		t.Errorf("StepTimeout() = %s", cfg.StepTimeout())
	}
}

func TestLoadExplicitPathWins(t *testing.T) {
	explicit := writeConfig(t, "log_level: warn\n")
	cfg, err := Load(explicit, envMap(map[string]string{"CIGATE_CONFIG": "/does/not/exist.yaml", "HOME": "/h"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml", envMap(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Color = "rainbow"
	cfg.LogFormat = "xml"
	cfg.Workspace.Driver = "vm"
	cfg.Server.QueueSize = 0
	cfg.Defaults.StepTimeout = "soon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "log_format", "color", "workspace.driver", "queue_size", "step_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestWebhookSecret(t *testing.T) {
	cfg := Default()
	if got := cfg.WebhookSecret(envMap(nil)); got != nil {
		t.Errorf("secret = %q, want none", got)
	}
	got := cfg.WebhookSecret(envMap(map[string]string{"CIGATE_WEBHOOK_SECRET": "s3cret"}))
	if string(got) != "s3cret" {
		t.Errorf("secret = %q, want s3cret", got)
	}
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		driver string
		image  string
		want   string
	}{
		{DriverAuto, "rust:latest", DriverDocker},
		{DriverAuto, "", DriverLocal},
		{DriverLocal, "rust:latest", DriverLocal},
		{DriverDocker, "", DriverDocker},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Workspace.Driver = tt.driver
		if got := cfg.DriverFor(tt.image); got != tt.want {
			t.Errorf("DriverFor(%q) with %s = %q, want %q", tt.image, tt.driver, got, tt.want)
		}
	}
}
