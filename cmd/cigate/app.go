package main

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"

	"cigate/internal/config"
	"cigate/internal/core"
	"cigate/internal/environment"
	"cigate/internal/history"
	"cigate/internal/ledger"
	"cigate/internal/security"
	"cigate/internal/storage"
)

// loadPipeline reads path, or the configured pipeline, or the built-in
// one, and rejects definitions with structural issues.
func loadPipeline(cfg *config.Config, path string) (*core.Pipeline, error) {
	if path == "" {
		path = cfg.Pipeline
	}
	var (
		p   *core.Pipeline
		err error
	)
	if path == "" {
		p = core.DefaultPipeline()
	} else if p, err = core.LoadPipeline(path); err != nil {
		return nil, err
	}
	if issues := core.Validate(p); len(issues) > 0 {
		return nil, fmt.Errorf("invalid pipeline %q:\n  %s", p.Name, strings.Join(issues, "\n  "))
	}
	return p, nil
}

// newProvisioner returns the configured environment driver and a
// function releasing whatever it holds.
func newProvisioner(cfg *config.Config, p *core.Pipeline) (environment.Provisioner, func(), error) {
	driver := cfg.DriverFor(p.Image)
	slog.Debug("workspace driver selected", "driver", driver, "image", p.Image)
	switch driver {
	case config.DriverDocker:
		docker, err := environment.NewDockerClient()
		if err != nil {
			return nil, nil, err
		}
		img := p.Image
		if img == "" {
			img = cfg.Workspace.Image
		}
		return &environment.DockerProvisioner{
			Client: docker,
			Image:  img,
			Logger: slog.Default().With("driver", "docker"),
		}, func() { _ = docker.Close() }, nil
	case config.DriverLocal:
		return &environment.LocalProvisioner{
			Root:  cfg.Workspace.Root,
			Shell: cfg.Workspace.Shell,
		}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown workspace driver %q", driver)
	}
}

// state holds the persistent collaborators of a runner.
type state struct {
	logs    *storage.LogStorage
	history *history.Store
	ledger  *ledger.Ledger
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
}

func openState(cfg *config.Config) (*state, error) {
	st := &state{logs: storage.NewLogStorage(cfg.LogsDir())}

	var err error
	if st.history, err = history.Open(cfg.HistoryPath()); err != nil {
		return nil, err
	}
	if st.ledger, err = ledger.Open(cfg.LedgerPath()); err != nil {
		_ = st.history.Close()
		return nil, err
	}

	var created bool
	st.pub, st.priv, created, err = security.EnsureKeyPair(cfg.PublicKeyPath(), cfg.PrivateKeyPath())
	if err != nil {
		_ = st.history.Close()
		return nil, fmt.Errorf("ledger signing key: %w", err)
	}
	if created {
		slog.Info("generated ledger signing key", "public_key", cfg.PublicKeyPath())
	}
	return st, nil
}

func (st *state) Close() error {
	return st.history.Close()
}

// newRunner wires a runner over provisioner and the persistent state.
func newRunner(cfg *config.Config, provisioner environment.Provisioner, st *state) *core.Runner {
	r := core.NewRunner(provisioner)
	r.Executor.DefaultTimeout = cfg.StepTimeout()
	r.Logs = st.logs
	r.Ledger = st.ledger
	r.SigningKey = st.priv
	r.PublicKey = st.pub
	r.Recorder = st.history
	return r
}

// withHistory opens the history store for the duration of fn.
func withHistory(cfg *config.Config, fn func(*history.Store) error) error {
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
