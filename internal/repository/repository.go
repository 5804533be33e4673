// Package repository declares the storage interfaces the services depend on.
// The sqlite subpackage implements them.
package repository

import (
	"context"

	"github.com/sakif/coderunner/internal/model"
)

// ListOptions pages through a listing. Zero values pick the defaults.
type ListOptions struct {
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps the options to a sane page.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

type UserRepository interface {
	// CreateUser inserts a local account. A taken username yields
	// apperror.ErrConflict.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// UpsertGitHubUser inserts or refreshes an account keyed by GitHubID.
	UpsertGitHubUser(ctx context.Context, user *model.User) error
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	// ListExecutions returns the user's runs, newest first.
	ListExecutions(ctx context.Context, userID string, opts ListOptions) ([]model.Execution, error)
}
