package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cigate/internal/environment"
)

// fakeProvisioner hands out scripted environments and records what ran.
type fakeProvisioner struct {
	mu sync.Mutex

	// exitCodes maps a substring of a step script to the exit code the
	// step returns. Unlisted steps exit 0.
	exitCodes    map[string]int
	provisionErr error

	provisioned int
	envs        []*fakeEnvironment
}

func (p *fakeProvisioner) Provision(_ context.Context, runID string) (environment.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioned++
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	env := &fakeEnvironment{runID: runID, exitCodes: p.exitCodes}
	p.envs = append(p.envs, env)
	return env, nil
}

func (p *fakeProvisioner) lastEnv() *fakeEnvironment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		return nil
	}
	return p.envs[len(p.envs)-1]
}

type fakeEnvironment struct {
	mu        sync.Mutex
	runID     string
	exitCodes map[string]int
	scripts   []string
	envs      []map[string]string
	closed    bool
}

func (e *fakeEnvironment) Exec(ctx context.Context, command environment.Command) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return -1, errors.New("environment closed")
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	e.scripts = append(e.scripts, command.Script)
	e.envs = append(e.envs, command.Env)

	line, _, _ := strings.Cut(command.Script, "\n")
	if command.Stdout != nil {
		fmt.Fprintf(command.Stdout, "$ %s\n", line)
	}
	for match, code := range e.exitCodes {
		if strings.Contains(command.Script, match) {
			if command.Stderr != nil {
				io.WriteString(command.Stderr, "error: "+match+"\n")
			}
			return code, nil
		}
	}
	return 0, nil
}

func (e *fakeEnvironment) Workdir() string { return "/workspace" }

func (e *fakeEnvironment) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEnvironment) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.scripts...)
}
