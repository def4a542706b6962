// Package config loads cigate configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the CIGATE_CONFIG environment variable. Without either, built-in
// defaults are used. A few variables (CIGATE_LOG_LEVEL, CIGATE_LISTEN,
// CIGATE_COLOR) override the file so a deployment can adjust them without
// editing it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverAuto   = "auto"
	DriverLocal  = "local"
	DriverDocker = "docker"
)

// Config is the configuration for every cigate command.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// Color is auto, always or never.
	Color string `yaml:"color"`

	// Pipeline is the path of the pipeline definition. Empty selects the
	// built-in Rust pipeline.
	Pipeline string `yaml:"pipeline"`

	Workspace WorkspaceConfig `yaml:"workspace"`
	State     StateConfig     `yaml:"state"`
	Server    ServerConfig    `yaml:"server"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// WorkspaceConfig selects where runs execute.
type WorkspaceConfig struct {
	// Driver is "local" (temporary directory per run), "docker"
	// (container per run) or "auto": docker for pipelines that declare an
	// image, local otherwise.
	Driver string `yaml:"driver"`

	// Root is the parent directory of local workspaces. Empty means the
	// system temporary directory.
	Root string `yaml:"root"`

	// Image is the container image for the docker driver. A pipeline's
	// own image takes precedence.
	Image string `yaml:"image"`

	// Shell runs step scripts in the local driver.
	Shell string `yaml:"shell"`
}

// StateConfig locates persistent state: logs, history, ledger and keys.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// ServerConfig configures "cigate serve".
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// WebhookSecretEnv names the environment variable holding the webhook
	// HMAC secret. The secret itself never lives in the file.
	WebhookSecretEnv string `yaml:"webhook_secret_env"`

	// QueueSize bounds the number of runs waiting for the worker.
	QueueSize int `yaml:"queue_size"`
}

// DefaultsConfig holds defaults applied to every pipeline.
type DefaultsConfig struct {
	// StepTimeout applies to steps without their own timeout. Empty means
	// no limit.
	StepTimeout string `yaml:"step_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Color:     "auto",
		Workspace: WorkspaceConfig{
			Driver: DriverAuto,
			Image:  "rust:latest",
			Shell:  "/bin/sh",
		},
		State: StateConfig{
			Dir: "${HOME}/.local/state/cigate",
		},
		Server: ServerConfig{
			Listen:           ":8080",
			WebhookSecretEnv: "CIGATE_WEBHOOK_SECRET",
			QueueSize:        16,
		},
	}
}

// Load reads the file at path, or at $CIGATE_CONFIG when path is empty,
// applies environment overrides and validates the result. getenv is
// usually os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getenv("CIGATE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnvironment(getenv)
	cfg.expandVariables(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironment(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("CIGATE_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("CIGATE_LOG_FORMAT")); v != "" {
		c.LogFormat = v
	}
	if v := strings.TrimSpace(getenv("CIGATE_LISTEN")); v != "" {
		c.Server.Listen = v
	}
	if v := strings.TrimSpace(getenv("CIGATE_COLOR")); v != "" {
		c.Color = v
	}
}

func (c *Config) expandVariables(getenv func(string) string) {
	c.State.Dir = expandVars(c.State.Dir, getenv)
	c.Workspace.Root = expandVars(c.Workspace.Root, getenv)
	c.Pipeline = expandVars(c.Pipeline, getenv)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, getenv func(string) string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := getenv(parts[1]); value != "" {
			return value
		}
		if parts[1] == "HOME" {
			if home, err := os.UserHomeDir(); err == nil {
				return home
			}
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level: %q", c.LogLevel))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log_format: %q (want text or json)", c.LogFormat))
	}

	switch c.Color {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("invalid color: %q (want auto, always or never)", c.Color))
	}

	switch c.Workspace.Driver {
	case DriverLocal, DriverAuto:
		if c.Workspace.Shell == "" {
			errs = append(errs, errors.New("workspace.shell is required for the local driver"))
		}
	case DriverDocker:
	default:
		errs = append(errs, fmt.Errorf("invalid workspace.driver: %q (want auto, local or docker)", c.Workspace.Driver))
	}

	if c.State.Dir == "" {
		errs = append(errs, errors.New("state.dir is required"))
	}
	if c.Server.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("server.queue_size must be at least 1, got %d", c.Server.QueueSize))
	}
	if c.Defaults.StepTimeout != "" {
		if d, err := time.ParseDuration(c.Defaults.StepTimeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid defaults.step_timeout: %q", c.Defaults.StepTimeout))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DriverFor resolves the driver for a pipeline declaring image.
func (c *Config) DriverFor(image string) string {
	if c.Workspace.Driver != DriverAuto {
		return c.Workspace.Driver
	}
	if strings.TrimSpace(image) != "" {
		return DriverDocker
	}
	return DriverLocal
}

// StepTimeout returns the default step timeout, zero when unset.
func (c *Config) StepTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Defaults.StepTimeout)
	return d
}

// WebhookSecret returns the configured webhook secret, if any.
func (c *Config) WebhookSecret(getenv func(string) string) []byte {
	if c.Server.WebhookSecretEnv == "" {
		return nil
	}
	secret := getenv(c.Server.WebhookSecretEnv)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

func (c *Config) LogsDir() string        { return filepath.Join(c.State.Dir, "logs") }
func (c *Config) HistoryPath() string    { return filepath.Join(c.State.Dir, "history.db") }
func (c *Config) LedgerPath() string     { return filepath.Join(c.State.Dir, "ledger.jsonl") }
func (c *Config) PublicKeyPath() string  { return filepath.Join(c.State.Dir, "keys", "ledger.pub") }
func (c *Config) PrivateKeyPath() string { return filepath.Join(c.State.Dir, "keys", "ledger.key") }
