package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Exec waits for output pipes after the shell
// has been killed.
const waitDelay = 5 * time.Second

// LocalProvisioner hands out a fresh temporary directory per run on the
// host. Commands inherit the host environment except for the home, temp
// and toolchain directories, which point into the run's directory so
// nothing a step installs or configures outlives the run.
type LocalProvisioner struct {
	// Root is the parent directory for workspaces. Empty means the
	// system temporary directory.
	Root string

	// Shell defaults to "sh", resolved through PATH.
	Shell string
}

func (p *LocalProvisioner) Provision(ctx context.Context, runID string) (Environment, error) {
	if p.Root != "" {
		if err := os.MkdirAll(p.Root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	base, err := os.MkdirTemp(p.Root, "cigate-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	env := &localEnvironment{
		base:  base,
		dir:   filepath.Join(base, "workspace"),
		shell: p.Shell,
	}
	if env.shell == "" {
		env.shell = "sh"
	}

	home := filepath.Join(base, "home")
	tmp := filepath.Join(base, "tmp")
	for _, dir := range []string{env.dir, home, tmp} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			_ = os.RemoveAll(base)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	env.isolated = map[string]string{
		"HOME":            home,
		"TMPDIR":          tmp,
		"XDG_CONFIG_HOME": filepath.Join(home, ".config"),
		"XDG_CACHE_HOME":  filepath.Join(home, ".cache"),
		"XDG_DATA_HOME":   filepath.Join(home, ".local", "share"),
		"CARGO_HOME":      filepath.Join(home, ".cargo"),
		"RUSTUP_HOME":     filepath.Join(home, ".rustup"),
	}
	return env, nil
}

type localEnvironment struct {
	base  string
	dir   string
	shell string

	// isolated replaces host variables that locate per-user state.
	isolated map[string]string
}

func (e *localEnvironment) Workdir() string { return e.dir }

// Exec runs the script in its own process group so cancellation kills
// the shell and every child it spawned.
func (e *localEnvironment) Exec(ctx context.Context, command Command) (int, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", command.Script)
	cmd.Dir = e.dir
	cmd.Stdout = writerOrDiscard(command.Stdout)
	cmd.Stderr = writerOrDiscard(command.Stderr)
	cmd.Env = mergeEnv(mergeEnv(os.Environ(), e.isolated), command.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

func (e *localEnvironment) Close(context.Context) error {
	if err := os.RemoveAll(e.base); err != nil {
		return fmt.Errorf("remove workspace %s: %w", e.base, err)
	}
	return nil
}
