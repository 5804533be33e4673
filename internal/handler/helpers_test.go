package handler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/repository/sqlite"
	"github.com/sakif/coderunner/internal/service"
)

// MockExecutor returns a canned result without touching Docker.
type MockExecutor struct {
	mu          sync.Mutex
	CapturedReq executor.ExecutionRequest
	Calls       int
	ReturnRes   *executor.ExecutionResult
	ReturnErr   error
}

func (m *MockExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CapturedReq = req
	m.Calls++
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return m.ReturnRes, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	tokens, err := auth.NewTokenService("handler-test-secret-0123", time.Hour)
	require.NoError(t, err)
	return tokens
}

func newTestAuthService(t *testing.T, db *sqlite.DB) *service.AuthService {
	t.Helper()
	return service.NewAuthService(db, newTestTokens(t), auth.NewPasswordServiceForTest(bcrypt.MinCost), testLogger())
}
