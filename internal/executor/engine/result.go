package engine

import (
	"fmt"
	"time"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/supervisor"
)

// Messages reported to callers. They never carry host paths or internals.
const (
	msgLaunchFailed = "The sandbox could not be started. Please try again later."
	msgHostFault    = "An internal error occurred while preparing the execution environment."
	msgCancelled    = "Execution was cancelled."
)

// TimeoutMessage is the error text of a run that hit the wall-clock limit.
func TimeoutMessage(timeout time.Duration) string {
	secs := timeout.Seconds()
	if secs == float64(int64(secs)) {
		unit := "seconds"
		if secs == 1 {
			unit = "second"
		}
		return fmt.Sprintf("Execution timeout after %d %s", int64(secs), unit)
	}
	return fmt.Sprintf("Execution timeout after %s", timeout)
}

// assemble turns a supervisor outcome into the caller-facing result.
func assemble(o supervisor.Outcome, timeout time.Duration) *executor.ExecutionResult {
	switch o.State {
	case supervisor.Completed:
		return &executor.ExecutionResult{
			Success:       o.ExitCode == 0,
			Output:        o.Stdout,
			Error:         o.Stderr,
			ExecutionTime: o.Elapsed,
			ExitCode:      o.ExitCode,
		}
	case supervisor.TimedOut:
		return &executor.ExecutionResult{
			Success:       false,
			Error:         TimeoutMessage(timeout),
			ExecutionTime: timeout,
			ExitCode:      executor.ExitCodeUnavailable,
		}
	case supervisor.Cancelled:
		return &executor.ExecutionResult{
			Success:       false,
			Error:         msgCancelled,
			ExecutionTime: o.Elapsed,
			ExitCode:      executor.ExitCodeUnavailable,
		}
	default:
		return failed(msgLaunchFailed, o.Elapsed)
	}
}

// failed builds the result for launch failures and host faults.
func failed(message string, elapsed time.Duration) *executor.ExecutionResult {
	return &executor.ExecutionResult{
		Success:       false,
		Error:         message,
		ExecutionTime: elapsed,
		ExitCode:      executor.ExitCodeUnavailable,
	}
}
