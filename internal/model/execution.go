package model

import "time"

// Execution is one audit-log entry for a code run. The source, stdin and
// output are not stored.
type Execution struct {
	ID         string    `json:"id"         db:"id"`
	UserID     string    `json:"userId"     db:"user_id"`
	Language   string    `json:"language"   db:"language"`
	Success    bool      `json:"success"    db:"success"`
	ExitCode   int       `json:"exitCode"   db:"exit_code"`
	DurationMS int64     `json:"durationMs" db:"duration_ms"`
	CodeBytes  int       `json:"codeBytes"  db:"code_bytes"`
	Error      string    `json:"error,omitempty" db:"error"` // first line of the failure, if any
	CreatedAt  time.Time `json:"createdAt"  db:"created_at"`
}
