package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a pipeline for structural issues. An empty list means
// the pipeline is valid.
func Validate(p *Pipeline) []string {
	var issues []string

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, "name is required")
	}
	if len(p.Steps) == 0 {
		issues = append(issues, "pipeline has no steps (at least one step is required)")
	}

	issues = append(issues, validateEnv(p.Env, "env")...)
	for _, filter := range []*BranchFilter{p.On.Push, p.On.PullRequest} {
		if filter == nil {
			continue
		}
		for _, pattern := range filter.Branches {
			if strings.TrimSpace(pattern) == "" {
				issues = append(issues, "on: empty branch pattern")
			}
		}
	}

	for index, step := range p.Steps {
		prefix := fmt.Sprintf("steps[%d]", index)
		issues = append(issues, validateStep(step, prefix)...)
	}
	return issues
}

func validateStep(step Step, prefix string) []string {
	var issues []string

	if step.Name != "" {
		prefix = fmt.Sprintf("%s %q", prefix, step.Name)
	}

	hasRun := strings.TrimSpace(step.Run) != ""
	hasUses := strings.TrimSpace(step.Uses) != ""
	switch {
	case hasRun && hasUses:
		issues = append(issues, fmt.Sprintf("%s: run and uses are mutually exclusive", prefix))
	case !hasRun && !hasUses:
		issues = append(issues, fmt.Sprintf("%s: one of run or uses is required", prefix))
	case hasUses && step.Uses != ActionCheckout:
		issues = append(issues, fmt.Sprintf("%s: unknown action %q (only %q is built in)", prefix, step.Uses, ActionCheckout))
	}

	if step.Timeout != "" {
		timeout, err := time.ParseDuration(step.Timeout)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid timeout %q: %v", prefix, step.Timeout, err))
		} else if timeout <= 0 {
			issues = append(issues, fmt.Sprintf("%s: timeout must be positive", prefix))
		}
	}

	issues = append(issues, validateEnv(step.Env, prefix+": env")...)
	return issues
}

func validateEnv(env map[string]string, prefix string) []string {
	var issues []string
	for name := range env {
		if !envNamePattern.MatchString(name) {
			issues = append(issues, fmt.Sprintf("%s: invalid variable name %q", prefix, name))
		}
	}
	return issues
}
