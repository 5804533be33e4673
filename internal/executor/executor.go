// Package executor defines the request/result types shared by every code
// execution backend, plus the error kinds the sandbox engine reports.
package executor

import (
	"context"
	"errors"
	"time"
)

// ExecutionRequest represents one code-run job.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input"`

	// Owner scopes the workspace directory of the run. It is filled in from
	// the authenticated caller, never from the request body.
	Owner string `json:"-"`
}

// ExecutionResult represents the output and status of the code execution.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	Output        string        `json:"output"`
	Error         string        `json:"error"`
	ExecutionTime time.Duration `json:"executionTime"`
	ExitCode      int           `json:"exitCode"`
}

// Executor represents the core interface for running code in an isolated environment.
//
// Implementations return an error only for caller mistakes (for example an
// unsupported language). Everything that goes wrong while building or running
// the code is reported inside the result with Success set to false.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExitCodeUnavailable is reported when no process exit status exists:
// timeouts, launch failures and host faults.
const ExitCodeUnavailable = -1

var (
	// ErrUnsupportedLanguage is a caller error; it is reported, never retried.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrWorkspaceProvisioning means no base directory could host a workspace.
	ErrWorkspaceProvisioning = errors.New("workspace provisioning failed")

	// ErrLaunchFailed means the container runtime could not start the sandbox
	// (binary missing, daemon unreachable, image unavailable).
	ErrLaunchFailed = errors.New("sandbox launch failed")
)
