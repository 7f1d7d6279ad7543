// Package buildsvc defines the abstraction for remote build backends
// that host agents.  Each backend (AWS CodeBuild, local Docker)
// implements the Service interface so the launcher remains
// backend-agnostic.
package buildsvc

import (
	"context"

	"github.com/terrpan/codebuild-agents/internal/bootstrap"
)

// Status is a remote build's lifecycle status.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusFault      Status = "FAULT"
	StatusStopped    Status = "STOPPED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// TerminalStatuses returns the statuses from which a build makes no
// further progress.  A build in any of these states can no longer
// produce an agent connection.
func TerminalStatuses() []Status {
	return []Status{
		StatusFailed,
		StatusFault,
		StatusStopped,
		StatusSucceeded,
		StatusTimedOut,
	}
}

// StartSpec describes the single build started to host one agent.
type StartSpec struct {
	// Project is the build project name.
	Project string

	// Image is the container image that runs the agent.
	Image string

	// EnvironmentType is the backend environment type override.
	EnvironmentType string

	// ComputeType is the backend compute type override.
	ComputeType string

	// BuildSpec is the buildspec payload override.
	BuildSpec string

	// Env is the ordered set of bootstrap parameters handed to the
	// build as plaintext environment variables.
	Env []bootstrap.Parameter
}

// Service is the contract every remote build backend must satisfy.
//
// Each build hosts exactly one agent for the agent's whole life; the
// launcher starts a build, waits for its agent to connect, and stops
// the build if the agent never does.  Implementations must be safe for
// concurrent use by multiple simultaneous launches.
type Service interface {
	// StartBuild starts a build carrying the given spec and returns
	// the backend's build identifier.
	StartBuild(ctx context.Context, spec StartSpec) (id string, err error)

	// StopBuild stops the build identified by id.  It must be safe to
	// call on a build that already finished or was already stopped.
	StopBuild(ctx context.Context, id string) error

	// BuildStatus queries the build's current status and reports
	// whether it is one of the statuses in filter.  When the status is
	// not in filter the returned ok is false and status is the build's
	// current status anyway, for logging.
	BuildStatus(ctx context.Context, id string, filter []Status) (status Status, ok bool, err error)
}
