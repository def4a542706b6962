// Package environment provisions the isolated workspace a pipeline run
// executes in. Every run gets its own environment; nothing is shared
// between runs and the environment is discarded when the run ends.
package environment

import (
	"context"
	"io"
	"sort"
	"strings"
)

// Command is one shell invocation inside an environment.
type Command struct {
	// Script is passed to "sh -c".
	Script string

	// Env holds variables set on top of the environment's base
	// variables. Later layers have already been merged by the caller.
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// Environment is a provisioned workspace.
type Environment interface {
	// Exec runs the command to completion and returns its exit code. A
	// non-nil error means the command could not be run or was cancelled;
	// the exit code is then -1.
	Exec(ctx context.Context, command Command) (int, error)

	// Workdir is the directory commands start in, as seen from inside
	// the environment.
	Workdir() string

	// Close discards the environment and everything in it.
	Close(ctx context.Context) error
}

// Provisioner creates fresh environments.
type Provisioner interface {
	Provision(ctx context.Context, runID string) (Environment, error)
}

// envList renders variables as sorted KEY=VALUE pairs.
func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+vars[key])
	}
	return out
}

// mergeEnv drops base entries that vars overrides and appends vars.
func mergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, overridden := vars[key]; overridden {
			continue
		}
		out = append(out, entry)
	}
	return append(out, envList(vars)...)
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
