package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

// fakeUserRepo is an in-memory repository.UserRepository.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User
	nextID int

	// non-nil errors simulate database failures
	upsertErr  error
	getByIDErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (f *fakeUserRepo) newID() string {
	f.nextID++
	return fmt.Sprintf("user-%d", f.nextID)
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.IsLocal() && user.IsLocal() && u.Username == user.Username {
			return apperror.Conflict("user", user.Username)
		}
	}
	user.ID = f.newID()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getByIDErr != nil {
		return nil, f.getByIDErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.IsLocal() && u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", username)
}

func (f *fakeUserRepo) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, u := range f.users {
		if u.GitHubID == user.GitHubID {
			u.Username, u.Email, u.AvatarURL = user.Username, user.Email, user.AvatarURL
			*user = *u
			return nil
		}
	}
	user.ID = f.newID()
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

// fakeExecutionRepo is an in-memory repository.ExecutionRepository.
type fakeExecutionRepo struct {
	mu        sync.Mutex
	rows      []model.Execution
	createErr error
}

func (f *fakeExecutionRepo) CreateExecution(ctx context.Context, e *model.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	e.ID = fmt.Sprintf("exec-%d", len(f.rows)+1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	f.rows = append(f.rows, *e)
	return nil
}

func (f *fakeExecutionRepo) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.rows {
		if e.ID == id {
			copied := e
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("execution", id)
}

func (f *fakeExecutionRepo) ListExecutions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts = opts.Normalize()
	var out []model.Execution
	for _, e := range f.rows {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset >= len(out) {
		return []model.Execution{}, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
