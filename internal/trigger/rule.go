package trigger

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule matches events of one kind whose target branch matches any of the
// branch patterns. Patterns use doublestar glob syntax ("main",
// "release/**"). An empty pattern list matches every branch.
type Rule struct {
	Kind     Kind     `yaml:"kind" json:"kind"`
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// DefaultRules returns push→main and pull_request→main.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindPush, Branches: []string{"main"}},
		{Kind: KindPullRequest, Branches: []string{"main"}},
	}
}

// Matches reports whether the event satisfies the rule. Events without a
// target branch never match.
func (r Rule) Matches(event Event) bool {
	if r.Kind != event.Kind {
		return false
	}
	branch := event.TargetBranch()
	if branch == "" {
		return false
	}
	return matchesBranchPatternList(r.Branches, branch)
}

// Match reports whether at least one rule accepts the event.
func Match(rules []Rule, event Event) bool {
	for _, rule := range rules {
		if rule.Matches(event) {
			return true
		}
	}
	return false
}

func matchesBranchPatternList(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	candidates := []string{branch}
	if !strings.HasPrefix(branch, "refs/heads/") {
		candidates = append(candidates, "refs/heads/"+branch)
	}

	for _, candidate := range candidates {
		for _, pattern := range patterns {
			norm := strings.TrimSpace(pattern)
			if norm == "" {
				continue
			}
			matched, err := doublestar.Match(norm, candidate)
			if err != nil {
				continue
			}
			if matched {
				return true
			}
		}
	}
	return false
}
