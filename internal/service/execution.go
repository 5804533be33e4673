package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/pipeline"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

// ExecutionConfig bounds what a single caller may submit and how many runs
// the host takes on at once.
type ExecutionConfig struct {
	MaxCodeBytes  int
	MaxInputBytes int
	// MaxConcurrent caps in-flight runs; zero means no cap.
	MaxConcurrent int
	// QueueTimeout is how long a request waits for a free slot before it
	// is turned away.
	QueueTimeout time.Duration
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxCodeBytes:  64 << 10,
		MaxInputBytes: 1 << 20,
		MaxConcurrent: 8,
		QueueTimeout:  10 * time.Second,
	}
}

// ExecutionService validates run requests, admits them to the executor and
// keeps the audit log.
type ExecutionService struct {
	exec    executor.Executor
	history repository.ExecutionRepository // nil disables the audit log
	slots   *semaphore.Weighted
	config  ExecutionConfig
	logger  *slog.Logger
}

func NewExecutionService(
	exec executor.Executor,
	history repository.ExecutionRepository,
	cfg ExecutionConfig,
	logger *slog.Logger,
) *ExecutionService {
	d := DefaultExecutionConfig()
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = d.MaxCodeBytes
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = d.MaxInputBytes
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = d.QueueTimeout
	}

	s := &ExecutionService{
		exec:    exec,
		history: history,
		config:  cfg,
		logger:  logger,
	}
	if cfg.MaxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s
}

// Run executes req on behalf of userID. The returned record is nil when the
// audit log is disabled or could not be written; neither fails the run.
func (s *ExecutionService) Run(ctx context.Context, userID string, req executor.ExecutionRequest) (*executor.ExecutionResult, *model.Execution, error) {
	if err := s.validate(req); err != nil {
		return nil, nil, err
	}
	req.Owner = userID

	if s.slots != nil {
		release, err := s.acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		defer release()
	}

	result, err := s.exec.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, executor.ErrUnsupportedLanguage) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("service/execution: %w", err)
	}

	s.logger.Info("code executed",
		slog.String("userID", userID),
		slog.String("language", req.Language),
		slog.Bool("success", result.Success),
		slog.Int("exitCode", result.ExitCode),
		slog.Duration("elapsed", result.ExecutionTime),
	)

	return result, s.record(ctx, userID, req, result), nil
}

// List returns the caller's history, newest first.
func (s *ExecutionService) List(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Execution, error) {
	if s.history == nil {
		return []model.Execution{}, nil
	}
	list, err := s.history.ListExecutions(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/execution: listing for %s: %w", userID, err)
	}
	return list, nil
}

// Get returns one of the caller's runs. Another user's run reports not
// found, so ids cannot be probed.
func (s *ExecutionService) Get(ctx context.Context, userID, id string) (*model.Execution, error) {
	if s.history == nil {
		return nil, apperror.NotFound("execution", id)
	}
	e, err := s.history.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/execution: getting %s: %w", id, err)
	}
	if e.UserID != userID {
		return nil, apperror.NotFound("execution", id)
	}
	return e, nil
}

func (s *ExecutionService) validate(req executor.ExecutionRequest) error {
	if strings.TrimSpace(req.Language) == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return apperror.ValidationFailed("code", "code cannot be empty")
	}
	if len(req.Code) > s.config.MaxCodeBytes {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be at most %d bytes", s.config.MaxCodeBytes))
	}
	if len(req.Input) > s.config.MaxInputBytes {
		return apperror.ValidationFailed("input",
			fmt.Sprintf("input must be at most %d bytes", s.config.MaxInputBytes))
	}
	return nil
}

func (s *ExecutionService) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.config.QueueTimeout)
	defer cancel()

	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("service/execution: waiting for a slot: %w", ctx.Err())
		}
		s.logger.Warn("execution queue full", slog.Duration("waited", s.config.QueueTimeout))
		return nil, apperror.Unavailable("too many executions in progress, try again later")
	}
	return func() { s.slots.Release(1) }, nil
}

func (s *ExecutionService) record(ctx context.Context, userID string, req executor.ExecutionRequest, result *executor.ExecutionResult) *model.Execution {
	if s.history == nil {
		return nil
	}

	e := &model.Execution{
		UserID:     userID,
		Language:   canonicalLanguage(req.Language),
		Success:    result.Success,
		ExitCode:   result.ExitCode,
		DurationMS: result.ExecutionTime.Milliseconds(),
		CodeBytes:  len(req.Code),
		Error:      summarize(result.Error),
	}

	// The run already happened; a client that hung up still gets audited.
	if err := s.history.CreateExecution(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return e
}

// canonicalLanguage files aliases such as py or c++ under one name.
func canonicalLanguage(id string) string {
	if lang, ok := pipeline.Normalize(id); ok {
		return string(lang)
	}
	return strings.ToLower(strings.TrimSpace(id))
}

const maxSummary = 200

// summarize keeps the first non-empty line of an error, trimmed.
func summarize(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxSummary {
			line = strings.ToValidUTF8(line[:maxSummary], "")
		}
		return line
	}
	return ""
}
