// Package engine runs untrusted Java, Python and C++ programs in disposable,
// network-isolated containers.
//
// Every run goes lookup → provision → execute → collect → cleanup. Runs are
// independent; the only shared state is the workspace manager's inventory of
// directories still waiting to be deleted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/pipeline"
	"github.com/sakif/coderunner/internal/executor/shellarg"
	"github.com/sakif/coderunner/internal/executor/supervisor"
	"github.com/sakif/coderunner/internal/executor/workspace"
)

// runtimeErrorExitCode is what docker run exits with when the daemon could not
// create or start the container.
const runtimeErrorExitCode = 125

// runtimeErrorPrefixes are how the docker CLI starts its own error output. A
// program inside the container that exits 125 writes none of these first.
var runtimeErrorPrefixes = []string{
	"docker: ",
	"Unable to find image",
	"Error response from daemon",
}

// ContainerRuntime is the part of the container runtime reachable through its
// API rather than the CLI.
type ContainerRuntime interface {
	// RemoveContainer force-removes a container by name. A missing container
	// is not an error.
	RemoveContainer(ctx context.Context, name string) error
	// RemoveOrphans removes containers carrying label that are older than
	// olderThan, and reports how many were removed.
	RemoveOrphans(ctx context.Context, label string, olderThan time.Duration) (int, error)
}

// Engine implements executor.Executor.
type Engine struct {
	cfg        Config
	binary     string
	registry   *pipeline.Registry
	workspaces *workspace.Manager
	supervisor *supervisor.Supervisor
	runtime    ContainerRuntime
	logger     *slog.Logger
	sweeper    *sweeper
}

var _ executor.Executor = (*Engine)(nil)

// New creates an Engine. The container runtime binary must be on PATH; that is
// the only configuration problem treated as fatal. rt may be nil, in which
// case timed-out containers are removed through the CLI and orphans are not
// swept.
func New(cfg Config, registry *pipeline.Registry, rt ContainerRuntime, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = pipeline.Default()
	}

	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("engine: container runtime %q not found: %w", cfg.Binary, err)
	}

	e := &Engine{
		cfg:        cfg,
		binary:     binary,
		registry:   registry,
		workspaces: workspace.NewManager(cfg.Workspace, logger),
		supervisor: supervisor.New(logger),
		runtime:    rt,
		logger:     logger,
	}

	if cfg.SweepInterval > 0 {
		e.sweeper = newSweeper(e, cfg.SweepInterval)
		e.sweeper.Start()
	}

	logger.Info("execution engine ready",
		slog.String("runtime", binary),
		slog.Duration("timeout", cfg.Timeout),
		slog.Any("languages", registry.Languages()),
	)
	return e, nil
}

// Registry returns the pipeline registry the engine dispatches on.
func (e *Engine) Registry() *pipeline.Registry {
	return e.registry
}

// Workspaces exposes the workspace manager, mainly for inspection.
func (e *Engine) Workspaces() *workspace.Manager {
	return e.workspaces
}

// Close stops the background sweeper and makes a final cleanup pass. In-flight
// executions must have finished.
func (e *Engine) Close() error {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	return e.workspaces.Close()
}

// ExecuteJava compiles and runs a Java program whose entry point is class Main.
func (e *Engine) ExecuteJava(ctx context.Context, code, input string) (*executor.ExecutionResult, error) {
	return e.Execute(ctx, executor.ExecutionRequest{Language: string(pipeline.Java), Code: code, Input: input})
}

// ExecutePython runs a Python 3 program.
func (e *Engine) ExecutePython(ctx context.Context, code, input string) (*executor.ExecutionResult, error) {
	return e.Execute(ctx, executor.ExecutionRequest{Language: string(pipeline.Python), Code: code, Input: input})
}

// ExecuteCpp compiles and runs a C++ program.
func (e *Engine) ExecuteCpp(ctx context.Context, code, input string) (*executor.ExecutionResult, error) {
	return e.Execute(ctx, executor.ExecutionRequest{Language: string(pipeline.Cpp), Code: code, Input: input})
}

// Execute runs req in a fresh sandbox. The only error returned is for an
// unsupported language, detected before anything is created on the host.
// Every other failure comes back as a result with Success false, and the
// workspace is gone by the time Execute returns.
func (e *Engine) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	spec, err := e.registry.Lookup(req.Language)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, spec, req), nil
}

func (e *Engine) run(ctx context.Context, spec pipeline.Spec, req executor.ExecutionRequest) (res *executor.ExecutionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = failed(msgHostFault, time.Since(start))
		}
	}()

	ws, err := e.workspaces.Provision(req.Owner)
	if err != nil {
		e.logger.Error("failed to provision workspace", slog.String("error", err.Error()))
		return failed(msgHostFault, time.Since(start))
	}
	defer e.workspaces.Destroy(ws)

	if err := e.prepare(ws, spec, req); err != nil {
		e.logger.Error("failed to write workspace files",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
		return failed(msgHostFault, time.Since(start))
	}

	name := e.containerName(ws)
	args, err := e.runArgs(spec, ws, name)
	if err != nil {
		e.logger.Error("failed to build runtime arguments",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
		return failed(msgHostFault, time.Since(start))
	}

	e.logger.Debug("starting sandbox",
		slog.String("language", string(spec.Language)),
		slog.String("workspace", ws.ID),
		slog.String("command", shellarg.Join(append([]string{e.cfg.Binary}, args...))),
	)

	outcome := e.supervisor.Run(ctx, supervisor.Command{
		Binary:                e.binary,
		Args:                  args,
		Timeout:               e.cfg.Timeout,
		OutputLimit:           e.cfg.OutputLimit,
		LaunchFailureCodes:    []int{runtimeErrorExitCode},
		LaunchFailurePrefixes: runtimeErrorPrefixes,
		Reap:                  e.reaper(name),
	})

	attrs := []any{
		slog.String("language", string(spec.Language)),
		slog.String("workspace", ws.ID),
		slog.String("state", outcome.State.String()),
		slog.Int("exitCode", outcome.ExitCode),
		slog.Duration("elapsed", outcome.Elapsed),
	}
	switch outcome.State {
	case supervisor.LaunchFailed:
		attrs = append(attrs, slog.String("stderr", firstLine(outcome.Stderr)))
		if outcome.Err != nil {
			attrs = append(attrs, slog.String("error", outcome.Err.Error()))
		}
		e.logger.Error("sandbox launch failed", attrs...)
	case supervisor.TimedOut, supervisor.Cancelled:
		if outcome.Err != nil {
			attrs = append(attrs, slog.String("error", outcome.Err.Error()))
		}
		e.logger.Warn("execution stopped", attrs...)
	default:
		e.logger.Info("execution finished", attrs...)
	}

	return assemble(outcome, e.cfg.Timeout)
}

func (e *Engine) prepare(ws *workspace.Workspace, spec pipeline.Spec, req executor.ExecutionRequest) error {
	if err := e.workspaces.MaterializeSource(ws, spec.SourceFile, req.Code); err != nil {
		return err
	}
	return e.workspaces.Materialize(ws, spec.InputFile, req.Input)
}

func (e *Engine) containerName(ws *workspace.Workspace) string {
	return e.cfg.NamePrefix + "-" + ws.ID
}

// runArgs builds the argv of the runtime CLI:
//
//	run --rm --name N --label L --network none [limits] -v MOUNT IMAGE SHELL -c "cd DIR && COMMAND"
func (e *Engine) runArgs(spec pipeline.Spec, ws *workspace.Workspace, name string) ([]string, error) {
	mount, err := shellarg.FormatBindMount(ws.MountPath, e.cfg.ContainerDir, e.cfg.MountMode)
	if err != nil {
		return nil, fmt.Errorf("engine: bind mount: %w", err)
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", e.cfg.Label,
		"--network", e.cfg.Network,
	}
	if e.cfg.Memory != "" {
		args = append(args, "--memory", e.cfg.Memory)
	}
	if e.cfg.CPUs != "" {
		args = append(args, "--cpus", e.cfg.CPUs)
	}
	if e.cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprint(e.cfg.PidsLimit))
	}
	if e.cfg.User != "" {
		args = append(args, "--user", e.cfg.User)
	}
	args = append(args,
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		"-v", mount,
		spec.Image,
		spec.Shell, "-c", shellarg.Script(e.cfg.ContainerDir, spec.Command),
	)
	return args, nil
}

// reaper returns the hook that removes the container once the CLI process
// has been killed. Killing the CLI does not stop the container it started.
func (e *Engine) reaper(name string) func(ctx context.Context) error {
	if e.runtime != nil {
		return func(ctx context.Context) error {
			return e.runtime.RemoveContainer(ctx, name)
		}
	}
	return func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, e.binary, "rm", "-f", name).CombinedOutput()
		if err != nil && !strings.Contains(string(out), "No such container") {
			return errors.Join(err, errors.New(strings.TrimSpace(string(out))))
		}
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
