// Package supervisor launches the container-runtime process, captures its
// output and enforces a hard wall-clock timeout on it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// State is how a supervised run ended.
type State int

const (
	// Completed means the process exited on its own before the deadline.
	Completed State = iota
	// TimedOut means the deadline fired and the process tree was killed.
	TimedOut
	// LaunchFailed means the runtime never got the workload running.
	LaunchFailed
	// Cancelled means the caller's context ended first.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case LaunchFailed:
		return "launch_failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultTimeout     = 30 * time.Second
	DefaultOutputLimit = 1 << 20

	// TruncationMarker is appended to a stream that exceeded its limit.
	TruncationMarker = "\n[output truncated]\n"

	defaultWaitDelay   = 2 * time.Second
	defaultReapTimeout = 15 * time.Second
)

// Command describes one process to supervise.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	// Env replaces the process environment when non-nil.
	Env []string

	Timeout     time.Duration
	OutputLimit int

	// LaunchFailureCodes are exit codes the runtime uses for "could not start
	// the workload" (docker run uses 125). They map to LaunchFailed.
	LaunchFailureCodes []int
	// LaunchFailurePrefixes narrows LaunchFailureCodes: when set, the code
	// only counts as a launch failure if stderr starts with one of them. The
	// workload can exit with the same code, and then its output is its own.
	LaunchFailurePrefixes []string

	// Reap runs after the process tree has been killed on timeout or
	// cancellation. It removes whatever the killed process had started outside
	// its own tree, such as the container itself.
	Reap func(ctx context.Context) error
}

// Outcome is the result of Run.
type Outcome struct {
	State    State
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	// Err describes launch failures and kill or reap problems.
	Err error
}

// Supervisor runs commands. It holds no per-run state and is safe for
// concurrent use.
type Supervisor struct {
	logger      *slog.Logger
	waitDelay   time.Duration
	reapTimeout time.Duration
}

// New creates a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:      logger,
		waitDelay:   defaultWaitDelay,
		reapTimeout: defaultReapTimeout,
	}
}

// Run starts c and blocks until it exits, the timeout fires or ctx ends.
// Every path returns only after the process has been reaped.
func (s *Supervisor) Run(ctx context.Context, c Command) Outcome {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := c.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds how long Wait keeps copying output after the process is gone.
	cmd.WaitDelay = s.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{
			State:    LaunchFailed,
			ExitCode: -1,
			Elapsed:  time.Since(start),
			Err:      fmt.Errorf("supervisor: starting %s: %w", c.Binary, err),
		}
	}
	h := &handle{cmd: cmd}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return s.exited(c, cmd, waitErr, stdout, stderr, time.Since(start))

	case <-timer.C:
		err := s.terminate(h, c, done)
		s.logger.Warn("process timed out",
			slog.String("binary", c.Binary),
			slog.Int("pid", h.pid()),
			slog.Duration("timeout", timeout),
		)
		return Outcome{
			State:    TimedOut,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Elapsed:  time.Since(start),
			Err:      err,
		}

	case <-ctx.Done():
		err := s.terminate(h, c, done)
		return Outcome{
			State:    Cancelled,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Elapsed:  time.Since(start),
			Err:      errors.Join(ctx.Err(), err),
		}
	}
}

func (s *Supervisor) exited(c Command, cmd *exec.Cmd, waitErr error, stdout, stderr *cappedBuffer, elapsed time.Duration) Outcome {
	out := Outcome{
		State:    Completed,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Elapsed:  elapsed,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// A descendant kept the output pipes open after the process exited.
		s.logger.Debug("output pipes outlived process", slog.String("binary", c.Binary))
	default:
		out.Err = fmt.Errorf("supervisor: waiting for %s: %w", c.Binary, waitErr)
	}

	if c.launchFailed(out.ExitCode, out.Stderr) {
		out.State = LaunchFailed
		out.Err = fmt.Errorf("supervisor: %s exited with code %d", c.Binary, out.ExitCode)
	}
	return out
}

func (c Command) launchFailed(exitCode int, stderr string) bool {
	if !slices.Contains(c.LaunchFailureCodes, exitCode) {
		return false
	}
	if len(c.LaunchFailurePrefixes) == 0 {
		return true
	}
	return slices.ContainsFunc(c.LaunchFailurePrefixes, func(p string) bool {
		return strings.HasPrefix(stderr, p)
	})
}

// terminate kills the process tree, waits for Wait to return and then runs
// the Reap hook.
func (s *Supervisor) terminate(h *handle, c Command, done <-chan error) error {
	var errs []error
	if err := h.kill(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: killing process group: %w", err))
	}

	select {
	case <-done:
	case <-time.After(s.waitDelay + time.Second):
		errs = append(errs, fmt.Errorf("supervisor: %s did not exit after kill", c.Binary))
	}

	if c.Reap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.reapTimeout)
		defer cancel()
		if err := c.Reap(ctx); err != nil {
			s.logger.Error("failed to reap sandbox", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("supervisor: reaping: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handle is a started process. kill is idempotent.
type handle struct {
	cmd     *exec.Cmd
	once    sync.Once
	killErr error
}

func (h *handle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *handle) kill() error {
	h.once.Do(func() {
		h.killErr = killProcessGroup(h.cmd.Process)
	})
	return h.killErr
}
