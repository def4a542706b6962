package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cigate/internal/trigger"
)

// eventFlags describe a triggering event on the command line.
type eventFlags struct {
	kind    string
	branch  string
	ref     string
	base    string
	head    string
	commit  string
	repo    string
	fromEnv bool
}

func (f *eventFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.kind, "event", "", "Event kind: push or pull_request")
	flags.StringVar(&f.branch, "branch", "", "Pushed branch (push) or destination branch (pull_request)")
	flags.StringVar(&f.ref, "ref", "", "Git ref of the event, e.g. refs/heads/main")
	flags.StringVar(&f.base, "base", "", "Destination branch of a pull request")
	flags.StringVar(&f.head, "head", "", "Source branch of a pull request")
	flags.StringVar(&f.commit, "commit", "", "Commit to check out")
	flags.StringVar(&f.repo, "repo", "", "Repository URL or path (default: current directory)")
	flags.BoolVar(&f.fromEnv, "from-env", false, "Read the event from GITHUB_* environment variables")
}

// event builds the trigger event. Explicit flags override values read
// from the environment.
func (f *eventFlags) event(getenv func(string) string) (trigger.Event, error) {
	var ev trigger.Event
	if f.fromEnv {
		var err error
		ev, err = trigger.FromEnvironment(getenv)
		if err != nil {
			return trigger.Event{}, err
		}
	}

	if f.kind != "" {
		kind, err := trigger.ParseKind(f.kind)
		if err != nil {
			return trigger.Event{}, err
		}
		ev.Kind = kind
	}
	if ev.Kind == "" {
		return trigger.Event{}, fmt.Errorf("--event is required (push or pull_request)")
	}

	if f.branch != "" {
		switch ev.Kind {
		case trigger.KindPush:
			ev.Ref = "refs/heads/" + strings.TrimPrefix(f.branch, "refs/heads/")
		case trigger.KindPullRequest:
			ev.BaseRef = f.branch
		}
	}
	setIf(&ev.Ref, f.ref)
	setIf(&ev.BaseRef, f.base)
	setIf(&ev.HeadRef, f.head)
	setIf(&ev.Commit, f.commit)
	setIf(&ev.Repository, f.repo)

	if ev.Repository == "" && !f.fromEnv {
		wd, err := os.Getwd()
		if err != nil {
			return trigger.Event{}, fmt.Errorf("resolve working directory: %w", err)
		}
		ev.Repository = filepath.Clean(wd)
	}
	return ev, nil
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
