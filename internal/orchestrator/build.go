// Package orchestrator runs the per-build state machine: source acquisition,
// project detection, the build step pipeline, artifact collection, and
// deployment. One orchestrator instance exclusively owns one build.
package orchestrator

import (
	"time"

	"github.com/kilocode/backplane/internal/secrets"
)

// Status is the build lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed || s == StatusCancelled
}

// SourceKind discriminates build sources.
type SourceKind string

const (
	SourceGit     SourceKind = "git"
	SourceArchive SourceKind = "archive"
)

// GitSource locates a repository to clone. AccessToken is cleared from
// persisted state the moment a run starts and on every terminal transition.
type GitSource struct {
	Provider    string `json:"provider"`
	RepoSource  string `json:"repoSource"`
	Branch      string `json:"branch,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// Source is the tagged union of build sources.
type Source struct {
	Kind SourceKind `json:"kind"`
	Git  *GitSource `json:"git,omitempty"`
}

// Build is the persisted record of one deployment job.
type Build struct {
	BuildID     string                 `json:"buildId"`
	Slug        string                 `json:"slug"`
	Source      Source                 `json:"source"`
	EnvVars     []secrets.SealedEnvVar `json:"envVars,omitempty"`
	Status      Status                 `json:"status"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	ProjectType string                 `json:"projectType,omitempty"`
}

// StatusInfo is the public subset returned by the status endpoint.
type StatusInfo struct {
	Status      Status     `json:"status"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ProjectType string     `json:"projectType,omitempty"`
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason"`
	Status    Status `json:"status,omitempty"`
}

// Cancel reasons.
const (
	CancelReasonCancelled       = "cancelled"
	CancelReasonNotFound        = "not_found"
	CancelReasonAlreadyFinished = "already_finished"
)

// validTransition encodes the forward-only state machine.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusBuilding:
		return from == StatusQueued
	case StatusDeploying:
		return from == StatusBuilding
	case StatusDeployed:
		return from == StatusDeploying
	case StatusFailed:
		return from == StatusQueued || from == StatusBuilding || from == StatusDeploying
	case StatusCancelled:
		return from == StatusQueued || from == StatusBuilding
	default:
		return false
	}
}
