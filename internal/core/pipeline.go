package core

import (
	"strings"

	"cigate/internal/trigger"
)

// ActionCheckout is the only built-in action a step may use.
const ActionCheckout = "checkout"

// Pipeline is a statically declared, ordered list of steps plus the rules
// deciding which events start a run of it.
type Pipeline struct {
	Name   string            `yaml:"name" json:"name"`
	On     Triggers          `yaml:"on" json:"on"`
	Env    map[string]string `yaml:"env,omitempty" json:"env,omitempty"` // set for every step of a run
	Image  string            `yaml:"image,omitempty" json:"image,omitempty"`
	RunsOn string            `yaml:"runs_on,omitempty" json:"runs_on,omitempty"`
	Steps  []Step            `yaml:"steps" json:"steps"`
}

// Triggers lists the event kinds a pipeline reacts to. A nil entry means
// the kind is not a trigger.
type Triggers struct {
	Push        *BranchFilter `yaml:"push,omitempty" json:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty" json:"pull_request,omitempty"`
}

// BranchFilter restricts a trigger to target branches matching any
// pattern. No patterns means every branch.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// Step is one unit of work. Exactly one of Run and Uses is set.
type Step struct {
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Run     string            `yaml:"run,omitempty" json:"run,omitempty"`
	Uses    string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DisplayName returns the explicit name, or one derived from the action.
func (s Step) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	if s.Uses != "" {
		return s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + strings.TrimSpace(line)
}

// Rules converts the declared triggers into trigger rules. A pipeline that
// declares no triggers gets the default rules.
func (p *Pipeline) Rules() []trigger.Rule {
	var rules []trigger.Rule
	if p.On.Push != nil {
		rules = append(rules, trigger.Rule{Kind: trigger.KindPush, Branches: p.On.Push.Branches})
	}
	if p.On.PullRequest != nil {
		rules = append(rules, trigger.Rule{Kind: trigger.KindPullRequest, Branches: p.On.PullRequest.Branches})
	}
	if len(rules) == 0 {
		return trigger.DefaultRules()
	}
	return rules
}
