// Package trigger decides whether an incoming event starts a pipeline run.
//
// An event is reduced to its kind (push or pull request) and the branch it
// targets: the pushed branch for a push, the destination branch for a pull
// request. Rules are plain predicates over that pair; they carry no state
// and are evaluated fresh for every event.
package trigger

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the event category that can start a run.
type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
)

// ParseKind accepts the canonical kind names plus the spellings people
// tend to type on a command line.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "push":
		return KindPush, nil
	case "pull_request", "pull-request", "pullrequest", "pr":
		return KindPullRequest, nil
	case "":
		return "", errors.New("event kind is required")
	default:
		return "", fmt.Errorf("unsupported event kind %q", raw)
	}
}

// Event is the triggering event handed to the runner.
type Event struct {
	Kind Kind `json:"kind"`

	// Ref is the pushed git ref, e.g. "refs/heads/main". A bare branch
	// name is accepted too.
	Ref string `json:"ref,omitempty"`

	// BaseRef is the destination branch of a pull request.
	BaseRef string `json:"base_ref,omitempty"`

	// HeadRef is the source branch of a pull request.
	HeadRef string `json:"head_ref,omitempty"`

	// Commit is the SHA the run checks out.
	Commit string `json:"commit,omitempty"`

	// Repository is a clone URL or a local path.
	Repository string `json:"repository,omitempty"`

	// DeliveryID identifies the webhook delivery, when there was one.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// TargetBranch returns the branch the event is aimed at, or "" when the
// event has none (a tag push, or a pull request with no base).
func (e Event) TargetBranch() string {
	switch e.Kind {
	case KindPush:
		branch, _ := splitRef(e.Ref)
		return branch
	case KindPullRequest:
		branch, _ := splitRef(e.BaseRef)
		return branch
	}
	return ""
}

// CheckoutRef is the revision a checkout should fetch: the commit when
// known, otherwise the ref that triggered the event.
func (e Event) CheckoutRef() string {
	if e.Commit != "" {
		return e.Commit
	}
	if e.Kind == KindPullRequest && e.HeadRef != "" {
		return e.HeadRef
	}
	return e.Ref
}

func (e Event) String() string {
	branch := e.TargetBranch()
	if branch == "" {
		branch = "<none>"
	}
	switch e.Kind {
	case KindPush:
		return "push to " + branch
	case KindPullRequest:
		return "pull_request into " + branch
	}
	return string(e.Kind) + " on " + branch
}

// FromEnvironment builds an event from the variables a GitHub-compatible
// runner exports. getenv is usually os.Getenv.
func FromEnvironment(getenv func(string) string) (Event, error) {
	name := strings.TrimSpace(getenv("GITHUB_EVENT_NAME"))
	if name == "" {
		return Event{}, errors.New("GITHUB_EVENT_NAME is not set")
	}
	kind, err := ParseKind(name)
	if err != nil {
		return Event{}, err
	}

	event := Event{
		Kind:    kind,
		Ref:     strings.TrimSpace(getenv("GITHUB_REF")),
		BaseRef: strings.TrimSpace(getenv("GITHUB_BASE_REF")),
		HeadRef: strings.TrimSpace(getenv("GITHUB_HEAD_REF")),
		Commit:  strings.TrimSpace(getenv("GITHUB_SHA")),
	}

	server := strings.TrimRight(strings.TrimSpace(getenv("GITHUB_SERVER_URL")), "/")
	repository := strings.TrimSpace(getenv("GITHUB_REPOSITORY"))
	if server != "" && repository != "" {
		event.Repository = server + "/" + repository + ".git"
	}
	return event, nil
}

func splitRef(ref string) (branch string, tag string) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "refs/heads/") {
		return strings.TrimPrefix(ref, "refs/heads/"), ""
	}
	if strings.HasPrefix(ref, "refs/tags/") {
		return "", strings.TrimPrefix(ref, "refs/tags/")
	}
	return ref, ""
}
