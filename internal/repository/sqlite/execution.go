package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const executionColumns = `id, user_id, language, success, exit_code, duration_ms, code_bytes, error, created_at`

// CreateExecution records a run. ID and CreatedAt are filled in.
func (db *DB) CreateExecution(ctx context.Context, exec *model.Execution) error {
	exec.ID = xid.New().String()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.UserID,
		exec.Language,
		exec.Success,
		exec.ExitCode,
		exec.DurationMS,
		exec.CodeBytes,
		exec.Error,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

func (db *DB) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var e model.Execution
	err := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	).Scan(
		&e.ID,
		&e.UserID,
		&e.Language,
		&e.Success,
		&e.ExitCode,
		&e.DurationMS,
		&e.CodeBytes,
		&e.Error,
		&e.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return &e, nil
}

func (db *DB) ListExecutions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Execution, error) {
	opts = opts.Normalize()

	// xids sort by creation time, which breaks ties within one timestamp.
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+executionColumns+`
		 FROM executions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID,
		opts.Limit,
		opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	executions := make([]model.Execution, 0, opts.Limit)
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Language,
			&e.Success,
			&e.ExitCode,
			&e.DurationMS,
			&e.CodeBytes,
			&e.Error,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return executions, nil
}
