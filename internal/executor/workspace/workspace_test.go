package workspace_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, cfg workspace.Config) *workspace.Manager {
	t.Helper()
	if cfg.FallbackDir == "" {
		cfg.FallbackDir = filepath.Join(t.TempDir(), "fallback")
	}
	return workspace.NewManager(cfg, quietLogger())
}

func TestProvisionPrefersSharedDir(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared")
	m := newManager(t, workspace.Config{SharedDir: shared, HostDir: "/srv/host-shared"})

	ws, err := m.Provision("user-1")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(shared, "user-1", ws.ID), ws.Path)
	assert.Equal(t, filepath.Join("/srv/host-shared", "user-1", ws.ID), ws.MountPath)
	assert.DirExists(t, ws.Path)
	assert.Equal(t, 1, m.Inventory().Len())
}

func TestProvisionFallsBackWhenSharedDirUnusable(t *testing.T) {
	// A regular file where the shared directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	fallback := filepath.Join(t.TempDir(), "fallback")

	m := newManager(t, workspace.Config{SharedDir: blocker, FallbackDir: fallback})

	ws, err := m.Provision("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fallback, workspace.AnonymousOwner, ws.ID), ws.Path)
	assert.Equal(t, ws.Path, ws.MountPath)
}

func TestProvisionFailsWhenAllBasesUnusable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := newManager(t, workspace.Config{
		SharedDir:   filepath.Join(blocker, "shared"),
		FallbackDir: filepath.Join(blocker, "fallback"),
	})

	ws, err := m.Provision("user-1")
	assert.Nil(t, ws)
	assert.ErrorIs(t, err, executor.ErrWorkspaceProvisioning)
	assert.Equal(t, 0, m.Inventory().Len())
}

func TestProvisionUniquePaths(t *testing.T) {
	m := newManager(t, workspace.Config{})

	const n = 50
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Provision("same-owner")
			if assert.NoError(t, err) {
				paths <- ws.Path
			}
		}()
	}
	wg.Wait()
	close(paths)

	seen := make(map[string]bool)
	for p := range paths {
		assert.False(t, seen[p], "duplicate workspace path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, m.Inventory().Len())
}

func TestMaterialize(t *testing.T) {
	m := newManager(t, workspace.Config{})
	ws, err := m.Provision("u")
	require.NoError(t, err)

	require.NoError(t, m.MaterializeSource(ws, "Main.java", "\uFEFFclass Main {}"))
	require.NoError(t, m.Materialize(ws, "input.txt", "\uFEFFkept; rm -rf /"))

	src, err := os.ReadFile(filepath.Join(ws.Path, "Main.java"))
	require.NoError(t, err)
	assert.Equal(t, "class Main {}", string(src))

	in, err := os.ReadFile(filepath.Join(ws.Path, "input.txt"))
	require.NoError(t, err)
	assert.Equal(t, "\uFEFFkept; rm -rf /", string(in), "stdin is written verbatim")

	assert.Equal(t, []string{"Main.java", "input.txt"}, ws.Files)
}

func TestMaterializeRejectsUnsafeNames(t *testing.T) {
	m := newManager(t, workspace.Config{})
	ws, err := m.Provision("u")
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../escape.txt", "sub/file.txt", `sub\file.txt`, "c:file"} {
		assert.Error(t, m.Materialize(ws, name, "x"), name)
	}

	require.NoError(t, m.Materialize(ws, "main.py", "a"))
	assert.Error(t, m.Materialize(ws, "main.py", "b"), "existing files are never overwritten")
}

func TestStripBOM(t *testing.T) {
	assert.Equal(t, "abc", workspace.StripBOM("\uFEFFabc"))
	assert.Equal(t, "\uFEFFabc", workspace.StripBOM("\uFEFF\uFEFFabc"), "only one mark is removed")
	assert.Equal(t, "abc\uFEFF", workspace.StripBOM("abc\uFEFF"))
	assert.Equal(t, "", workspace.StripBOM(""))
}

func TestDestroyRemovesEverything(t *testing.T) {
	m := newManager(t, workspace.Config{})
	ws, err := m.Provision("u")
	require.NoError(t, err)

	require.NoError(t, m.MaterializeSource(ws, "main.cpp", "int main(){}"))
	// Files produced inside the sandbox are not in ws.Files.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Path, "out", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "out", "deep", "main"), []byte{0x7f}, 0o755))

	m.Destroy(ws)

	assert.NoDirExists(t, ws.Path)
	assert.Equal(t, 0, m.Inventory().Len())

	// Idempotent.
	m.Destroy(ws)
	m.Destroy(nil)
}

func TestDestroyFailureIsTrackedAndSwept(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs POSIX permissions enforced for the current user")
	}

	m := newManager(t, workspace.Config{})
	ws, err := m.Provision("u")
	require.NoError(t, err)

	locked := filepath.Join(ws.Path, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "f"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	m.Destroy(ws)

	assert.DirExists(t, ws.Path)
	assert.Equal(t, []string{ws.Path}, m.Inventory().Released())

	assert.Equal(t, 1, m.Sweep(), "still locked")

	require.NoError(t, os.Chmod(locked, 0o755))
	assert.Equal(t, 0, m.Sweep())
	assert.NoDirExists(t, ws.Path)
	assert.Equal(t, 0, m.Inventory().Len())
}

func TestSweepLeavesActiveWorkspaces(t *testing.T) {
	m := newManager(t, workspace.Config{})
	ws, err := m.Provision("u")
	require.NoError(t, err)

	assert.Equal(t, 0, m.Sweep())
	assert.DirExists(t, ws.Path, "an in-flight workspace must not be swept")
}

func TestCloseRemovesEverythingAndEmptyDirs(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "fallback")
	m := newManager(t, workspace.Config{FallbackDir: fallback})

	for _, owner := range []string{"a", "b"} {
		_, err := m.Provision(owner)
		require.NoError(t, err)
	}

	require.NoError(t, m.Close())
	assert.NoDirExists(t, fallback)
	assert.Equal(t, 0, m.Inventory().Len())
}

func TestSanitizeOwner(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", workspace.AnonymousOwner},
		{"cv37rs3pp9olc6atsptg", "cv37rs3pp9olc6atsptg"},
		{"../../etc", "etc"},
		{"alice.smith", "alice_smith"},
		{"///", workspace.AnonymousOwner},
		{"user-42_x", "user-42_x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, workspace.SanitizeOwner(tt.in), tt.in)
	}

	long := workspace.SanitizeOwner(string(make([]byte, 200)))
	assert.Equal(t, workspace.AnonymousOwner, long)

	assert.LessOrEqual(t, len(workspace.SanitizeOwner(stringOf('a', 200))), 64)
}

func stringOf(r byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = r
	}
	return string(b)
}
