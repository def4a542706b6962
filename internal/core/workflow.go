package core

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/nektos/act/pkg/model"
)

// ParseWorkflow imports a single-job GitHub Actions workflow. Only push
// and pull_request triggers are kept, and only their branch filters;
// actions/checkout maps to the built-in checkout action.
func ParseWorkflow(r io.Reader) (*Pipeline, error) {
	wf, err := model.ReadWorkflow(r, false)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if len(wf.Jobs) != 1 {
		return nil, fmt.Errorf("parsing workflow: expected exactly one job, found %d", len(wf.Jobs))
	}

	var job *model.Job
	for _, j := range wf.Jobs {
		job = j
	}
	if job == nil {
		return nil, fmt.Errorf("parsing workflow: job is empty")
	}

	triggers, err := workflowTriggers(wf)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	pipeline := &Pipeline{
		Name:   wf.Name,
		On:     triggers,
		Env:    mergeVars(wf.Env, job.Environment()),
		RunsOn: strings.Join(job.RunsOn(), ","),
	}

	for _, s := range job.Steps {
		if s == nil {
			continue
		}
		step := Step{
			Name: s.Name,
			Run:  s.Run,
			Uses: s.Uses,
			Env:  s.Environment(),
		}
		if strings.HasPrefix(s.Uses, "actions/checkout@") || s.Uses == "actions/checkout" {
			step.Uses = ActionCheckout
		}
		if minutes := strings.TrimSpace(s.TimeoutMinutes); minutes != "" {
			step.Timeout = minutes + "m"
		}
		if len(step.Env) == 0 {
			step.Env = nil
		}
		pipeline.Steps = append(pipeline.Steps, step)
	}
	return pipeline, nil
}

// defaultPullRequestTypes are the activity types a pull_request trigger
// reacts to when the workflow names none.
var defaultPullRequestTypes = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

func workflowTriggers(wf *model.Workflow) (Triggers, error) {
	var triggers Triggers
	for _, event := range wf.On() {
		switch event {
		case "push", "pull_request":
			branches, err := workflowBranches(event, wf.OnEvent(event))
			if err != nil {
				return Triggers{}, err
			}
			if event == "push" {
				triggers.Push = &BranchFilter{Branches: branches}
			} else {
				triggers.PullRequest = &BranchFilter{Branches: branches}
			}
		}
	}
	return triggers, nil
}

// workflowBranches extracts the branch patterns of one trigger. Filters
// that cannot be expressed as a plain branch list are rejected instead of
// widening the trigger.
func workflowBranches(event string, raw interface{}) ([]string, error) {
	config, ok := raw.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	var branches []string
	for key, val := range config {
		switch strings.ToLower(key) {
		case "branches":
			patterns, err := stringList(val)
			if err != nil {
				return nil, fmt.Errorf("on.%s.branches: %w", event, err)
			}
			for _, pattern := range patterns {
				if strings.HasPrefix(pattern, "!") {
					return nil, fmt.Errorf("on.%s.branches: negated pattern %q is not supported", event, pattern)
				}
				branches = append(branches, pattern)
			}
		case "types":
			if event != "pull_request" {
				return nil, fmt.Errorf("on.%s: unsupported filter %q", event, key)
			}
			types, err := stringList(val)
			if err != nil {
				return nil, fmt.Errorf("on.%s.types: %w", event, err)
			}
			for _, t := range types {
				if !defaultPullRequestTypes[t] {
					return nil, fmt.Errorf("on.%s.types: activity type %q is not supported", event, t)
				}
			}
		default:
			// branches-ignore, tags, tags-ignore, paths, paths-ignore
			return nil, fmt.Errorf("on.%s: unsupported filter %q", event, key)
		}
	}
	sort.Strings(branches)
	return branches, nil
}

func stringList(val interface{}) ([]string, error) {
	var out []string
	switch v := val.(type) {
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("expected a list, got %T", val)
	}
	return out, nil
}

// mergeVars layers maps left to right; later maps win.
func mergeVars(layers ...map[string]string) map[string]string {
	var out map[string]string
	for _, layer := range layers {
		for k, v := range layer {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}
