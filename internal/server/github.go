package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"cigate/internal/trigger"
)

const zeroSHA = "0000000000000000000000000000000000000000"

type githubRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

type githubPushEvent struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
}

type githubBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Base githubBranch `json:"base"`
		Head githubBranch `json:"head"`
	} `json:"pull_request"`
	Repository githubRepository `json:"repository"`
}

// pullRequestActions are the pull_request actions that change the code
// under review.
var pullRequestActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// translateGitHubEvent converts a webhook payload into a trigger event.
// It returns nil for deliveries that can never start a run.
func translateGitHubEvent(eventType, deliveryID string, body []byte) (*trigger.Event, error) {
	switch eventType {
	case "push":
		var payload githubPushEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode push payload: %w", err)
		}
		if payload.Deleted || payload.After == zeroSHA {
			return nil, nil
		}
		return &trigger.Event{
			Kind:       trigger.KindPush,
			Ref:        payload.Ref,
			Commit:     payload.After,
			Repository: payload.Repository.CloneURL,
			DeliveryID: deliveryID,
		}, nil

	case "pull_request":
		var payload githubPullRequestEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode pull_request payload: %w", err)
		}
		if !pullRequestActions[strings.ToLower(payload.Action)] {
			return nil, nil
		}
		return &trigger.Event{
			Kind:       trigger.KindPullRequest,
			Ref:        fmt.Sprintf("refs/pull/%d/head", payload.Number),
			BaseRef:    payload.PullRequest.Base.Ref,
			HeadRef:    payload.PullRequest.Head.Ref,
			Commit:     payload.PullRequest.Head.SHA,
			Repository: payload.Repository.CloneURL,
			DeliveryID: deliveryID,
		}, nil
	}
	return nil, nil
}
