//go:build !windows

package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/engine"
	"github.com/sakif/coderunner/internal/executor/pipeline"
)

// fakeRuntime stands in for the docker CLI: it parses the run arguments the
// engine builds and executes the in-container script on the host, with the
// bind-mounted directory as working directory. Every invocation's image is
// appended to invocations.log next to the script.
const fakeRuntime = `#!/bin/sh
log="$(dirname "$0")/invocations.log"
case "$1" in
  rm) echo "rm $3" >> "$log"; exit 0 ;;
  run) shift ;;
  *) echo "unknown command: $1" >&2; exit 125 ;;
esac
mount=""
while [ $# -gt 0 ]; do
  case "$1" in
    --rm) shift ;;
    --name|--label|--network|--memory|--cpus|--pids-limit|--user|-e) shift 2 ;;
    -v) mount="$2"; shift 2 ;;
    *) break ;;
  esac
done
image="$1"
echo "run $image" >> "$log"
case "$image" in
  missing/*) echo "Unable to find image '$image' locally" >&2; exit 125 ;;
esac
host="${mount%%:*}"
rest="${mount#*:}"
target="${rest%%:*}"
script="$4"
cd "$host" || exit 125
exec sh -c "${script#cd $target && }"
`

type fakeContainerRuntime struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeContainerRuntime) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeContainerRuntime) RemoveOrphans(ctx context.Context, label string, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeContainerRuntime) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type harness struct {
	engine *engine.Engine
	rt     *fakeContainerRuntime
	binDir string
	wsBase string
}

func testRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	r, err := pipeline.New(
		pipeline.Spec{Language: pipeline.Python, Image: "fake/python", SourceFile: "main.py", Command: "sh main.py < input.txt"},
		pipeline.Spec{Language: pipeline.Java, Image: "fake/java", SourceFile: "Main.java", Command: "cp Main.java Main.class && sh Main.class < input.txt"},
		pipeline.Spec{Language: pipeline.Cpp, Image: "fake/cpp", SourceFile: "main.cpp", Command: "cp main.cpp main && sh ./main < input.txt"},
	)
	require.NoError(t, err)
	return r
}

func newHarness(t *testing.T, mutate func(*engine.Config), registry *pipeline.Registry) *harness {
	t.Helper()

	binDir := t.TempDir()
	binary := filepath.Join(binDir, "docker")
	require.NoError(t, os.WriteFile(binary, []byte(fakeRuntime), 0o755))

	wsBase := filepath.Join(t.TempDir(), "workspaces")

	cfg := engine.DefaultConfig()
	cfg.Binary = binary
	cfg.Timeout = 5 * time.Second
	cfg.SweepInterval = 0
	cfg.Workspace.FallbackDir = wsBase
	if mutate != nil {
		mutate(&cfg)
	}
	if registry == nil {
		registry = testRegistry(t)
	}

	rt := &fakeContainerRuntime{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(cfg, registry, rt, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &harness{engine: e, rt: rt, binDir: binDir, wsBase: wsBase}
}

func (h *harness) invocations(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.binDir, "invocations.log"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

// assertNoWorkspaces checks that no workspace directory is left under any
// owner directory.
func (h *harness) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	owners, err := os.ReadDir(h.wsBase)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	for _, o := range owners {
		entries, err := os.ReadDir(filepath.Join(h.wsBase, o.Name()))
		require.NoError(t, err)
		assert.Empty(t, entries, "workspaces left under owner %s", o.Name())
	}
	assert.Equal(t, 0, h.engine.Workspaces().Inventory().Len())
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.ExecutePython(context.Background(), "echo hello", "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Output)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, res.ExecutionTime, time.Duration(0))
	h.assertNoWorkspaces(t)
}

func TestExecuteRuntimeFailure(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.ExecutePython(context.Background(), "echo partial; echo boom >&2; exit 3", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, "boom\n", res.Error)
	assert.Equal(t, 3, res.ExitCode)
	h.assertNoWorkspaces(t)
}

func TestExecuteSuccessMatchesExitCode(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, code := range []int{0, 1, 2, 42} {
		res, err := h.engine.ExecutePython(context.Background(), fmt.Sprintf("exit %d", code), "")
		require.NoError(t, err)
		assert.Equal(t, code, res.ExitCode)
		assert.Equal(t, code == 0, res.Success, "exit %d", code)
	}
}

func TestExecuteDispatchesByLanguage(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	res, err := h.engine.ExecuteJava(ctx, "echo java", "")
	require.NoError(t, err)
	assert.Equal(t, "java\n", res.Output)

	res, err = h.engine.ExecuteCpp(ctx, "echo cpp", "")
	require.NoError(t, err)
	assert.Equal(t, "cpp\n", res.Output)

	res, err = h.engine.Execute(ctx, executor.ExecutionRequest{Language: "Python3", Code: "echo py"})
	require.NoError(t, err)
	assert.Equal(t, "py\n", res.Output)

	assert.Equal(t, []string{"run fake/java", "run fake/cpp", "run fake/python"}, h.invocations(t))
	// Build artifacts are removed with the workspace.
	h.assertNoWorkspaces(t)
}

func TestExecuteUnsupportedLanguageSpawnsNothing(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.Execute(context.Background(), executor.ExecutionRequest{Language: "rust", Code: "fn main() {}"})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, executor.ErrUnsupportedLanguage)
	assert.Empty(t, h.invocations(t))
	assert.NoDirExists(t, h.wsBase, "no workspace may be provisioned")
}

func TestExecuteStdinIsVerbatim(t *testing.T) {
	h := newHarness(t, nil, nil)

	input := "; rm -rf / && echo pwned\n$(whoami) `id` $HOME\n'single' \"double\" \\ | > <\n"
	res, err := h.engine.ExecutePython(context.Background(), "cat", input)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, input, res.Output)
}

func TestExecuteStripsSourceBOM(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.ExecutePython(context.Background(), "\uFEFFecho ok", "")
	require.NoError(t, err)

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "ok\n", res.Output)
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.Timeout = 500 * time.Millisecond }, nil)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	res, err := h.engine.ExecutePython(context.Background(),
		fmt.Sprintf("sleep 60 & echo $! > %s; wait", pidFile), "")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, engine.TimeoutMessage(500*time.Millisecond), res.Error)
	assert.Contains(t, res.Error, "timeout")
	assert.Empty(t, res.Output)
	assert.Equal(t, executor.ExitCodeUnavailable, res.ExitCode)
	assert.Equal(t, 500*time.Millisecond, res.ExecutionTime)
	h.assertNoWorkspaces(t)

	removed := h.rt.Removed()
	require.Len(t, removed, 1)
	assert.True(t, strings.HasPrefix(removed[0], "coderunner-"), removed[0])

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 3*time.Second, 20*time.Millisecond)
}

func TestExecuteTimeoutReapsThroughCLIWithoutRuntime(t *testing.T) {
	binDir := t.TempDir()
	binary := filepath.Join(binDir, "docker")
	require.NoError(t, os.WriteFile(binary, []byte(fakeRuntime), 0o755))

	cfg := engine.DefaultConfig()
	cfg.Binary = binary
	cfg.Timeout = 200 * time.Millisecond
	cfg.SweepInterval = 0
	cfg.Workspace.FallbackDir = filepath.Join(t.TempDir(), "ws")

	e, err := engine.New(cfg, testRegistry(t), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer e.Close()

	res, err := e.ExecutePython(context.Background(), "sleep 60", "")
	require.NoError(t, err)
	assert.False(t, res.Success)

	raw, err := os.ReadFile(filepath.Join(binDir, "invocations.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "run fake/python", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "rm coderunner-"), lines[1])
}

func TestExecuteCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := h.engine.ExecutePython(ctx, "sleep 60", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, executor.ExitCodeUnavailable, res.ExitCode)
	assert.Len(t, h.rt.Removed(), 1)
	h.assertNoWorkspaces(t)
}

func TestExecuteLaunchFailure(t *testing.T) {
	registry, err := pipeline.New(pipeline.Spec{
		Language: pipeline.Python, Image: "missing/python", SourceFile: "main.py", Command: "sh main.py",
	})
	require.NoError(t, err)
	h := newHarness(t, nil, registry)

	res, err := h.engine.ExecutePython(context.Background(), "echo never", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.NotContains(t, res.Error, "missing/python", "runtime details are not exposed")
	assert.NotContains(t, res.Error, h.wsBase)
	assert.Equal(t, executor.ExitCodeUnavailable, res.ExitCode)
	h.assertNoWorkspaces(t)
}

func TestExecuteProgramExiting125IsNotLaunchFailure(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.ExecutePython(context.Background(), "echo partial; echo boom >&2; exit 125", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 125, res.ExitCode)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, "boom\n", res.Error)
	h.assertNoWorkspaces(t)
}

func TestExecuteProvisioningFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	h := newHarness(t, func(c *engine.Config) {
		c.Workspace.SharedDir = filepath.Join(blocker, "shared")
		c.Workspace.FallbackDir = filepath.Join(blocker, "fallback")
	}, nil)

	res, err := h.engine.ExecutePython(context.Background(), "echo never", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "internal error")
	assert.NotContains(t, res.Error, blocker)
	assert.Equal(t, executor.ExitCodeUnavailable, res.ExitCode)
	assert.Empty(t, h.invocations(t))
}

func TestExecuteConcurrentRunsAreIsolated(t *testing.T) {
	h := newHarness(t, nil, nil)

	const n = 12
	var wg sync.WaitGroup
	results := make([]*executor.ExecutionResult, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := "touch marker; ls | sort | tr '\\n' ' '; cat"
			results[i], errs[i] = h.engine.Execute(context.Background(), executor.ExecutionRequest{
				Language: "python",
				Code:     code,
				Input:    fmt.Sprintf("run-%d", i),
				Owner:    "owner-" + strconv.Itoa(i%3),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].Success, results[i].Error)
		// Each run sees only its own files and its own stdin.
		assert.Equal(t, fmt.Sprintf("input.txt main.py marker run-%d", i), results[i].Output)
	}
	h.assertNoWorkspaces(t)
}

func TestNewRequiresRuntimeBinary(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Binary = filepath.Join(t.TempDir(), "no-such-runtime")

	_, err := engine.New(cfg, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestCloseRemovesWorkspaceBase(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.engine.ExecutePython(context.Background(), "echo hi", "")
	require.NoError(t, err)
	require.DirExists(t, h.wsBase)

	require.NoError(t, h.engine.Close())
	assert.NoDirExists(t, h.wsBase)
}

func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		_, perr := os.Stat("/proc/self")
		return perr != nil
	}
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}
