// Package workspace provisions the per-run directory that is bind-mounted into
// the sandbox, writes the program's files into it, and removes it afterwards.
//
// Layout: <base>/<owner>/<uuid>. The base is the configured shared directory
// when it is usable, otherwise a directory under the process temp dir. The
// uuid is random (v4), so one run cannot guess another run's path.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sakif/coderunner/internal/executor"
)

// AnonymousOwner scopes workspaces of unauthenticated callers.
const AnonymousOwner = "anonymous"

const (
	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o644
	maxOwnerLen                 = 64
	utf8BOM                     = "\uFEFF"
)

// Config controls where workspaces are created.
type Config struct {
	// SharedDir is the preferred base: a path the container runtime can
	// bind-mount (for example a volume shared with the Docker host).
	SharedDir string
	// HostDir is SharedDir as seen by the runtime daemon, for when this
	// process runs inside a container itself. Empty means same as SharedDir.
	HostDir string
	// FallbackDir is used when SharedDir is empty or unusable.
	// Defaults to $TMPDIR/code_executor.
	FallbackDir string
	// DirMode is applied to every workspace directory. Defaults to 0755.
	DirMode os.FileMode
}

// DefaultConfig uses only the process-local temp directory.
func DefaultConfig() Config {
	return Config{
		FallbackDir: filepath.Join(os.TempDir(), "code_executor"),
		DirMode:     defaultDirMode,
	}
}

// Workspace is the ephemeral directory of one execution. It is owned by that
// execution alone and must not be shared.
type Workspace struct {
	ID    string
	Owner string
	// Path is where this process reads and writes the files.
	Path string
	// MountPath is the same directory as the runtime daemon sees it.
	MountPath string
	// Files lists the names materialized so far.
	Files []string
}

// Manager provisions and destroys workspaces.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	inventory *Inventory
}

// NewManager creates a Manager. Nothing touches the disk until Provision.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.FallbackDir == "" {
		cfg.FallbackDir = DefaultConfig().FallbackDir
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = defaultDirMode
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		inventory: NewInventory(),
	}
}

// Inventory exposes the set of workspaces not yet confirmed deleted.
func (m *Manager) Inventory() *Inventory {
	return m.inventory
}

type base struct {
	dir     string
	hostDir string
	shared  bool
}

func (m *Manager) bases() []base {
	var out []base
	if m.cfg.SharedDir != "" {
		host := m.cfg.HostDir
		if host == "" {
			host = m.cfg.SharedDir
		}
		out = append(out, base{dir: m.cfg.SharedDir, hostDir: host, shared: true})
	}
	out = append(out, base{dir: m.cfg.FallbackDir, hostDir: m.cfg.FallbackDir})
	return out
}

// Provision creates a fresh workspace for owner. If the shared directory is
// unusable it falls back to the local temp directory once and logs the
// degradation; only when both fail does it return an error wrapping
// executor.ErrWorkspaceProvisioning.
func (m *Manager) Provision(owner string) (*Workspace, error) {
	owner = SanitizeOwner(owner)
	id := uuid.NewString()

	var errs []error
	for _, b := range m.bases() {
		dir := filepath.Join(b.dir, owner, id)
		if err := m.mkdir(dir); err != nil {
			errs = append(errs, err)
			if b.shared {
				m.logger.Warn("shared workspace directory unavailable, falling back to local temp directory",
					slog.String("sharedDir", b.dir),
					slog.String("fallbackDir", m.cfg.FallbackDir),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		ws := &Workspace{
			ID:        id,
			Owner:     owner,
			Path:      dir,
			MountPath: filepath.Join(b.hostDir, owner, id),
		}
		m.inventory.Track(dir)
		return ws, nil
	}

	return nil, fmt.Errorf("workspace: %w: %w", executor.ErrWorkspaceProvisioning, errors.Join(errs...))
}

func (m *Manager) mkdir(dir string) error {
	if err := os.MkdirAll(dir, m.cfg.DirMode); err != nil {
		return err
	}
	// MkdirAll is subject to the umask; the mount needs the exact mode.
	return os.Chmod(dir, m.cfg.DirMode)
}

// Materialize writes content verbatim as ws/name. The file must not exist yet.
func (m *Manager) Materialize(ws *Workspace, name, content string) error {
	if !isBareFilename(name) {
		return fmt.Errorf("workspace: %q is not a bare filename", name)
	}

	path := filepath.Join(ws.Path, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
	if err != nil {
		return fmt.Errorf("workspace: creating %s: %w", name, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("workspace: writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("workspace: closing %s: %w", name, err)
	}

	ws.Files = append(ws.Files, name)
	return nil
}

// MaterializeSource writes program source. A leading byte-order mark is
// removed first: javac rejects it as an illegal character.
func (m *Manager) MaterializeSource(ws *Workspace, name, code string) error {
	return m.Materialize(ws, name, StripBOM(code))
}

// StripBOM removes one leading UTF-8 byte-order mark.
func StripBOM(s string) string {
	return strings.TrimPrefix(s, utf8BOM)
}

// Destroy removes ws from disk. It never fails: every file is deleted
// individually with errors ignored, then the tree is removed. If anything is
// left behind the workspace stays in the inventory for a later Sweep.
func (m *Manager) Destroy(ws *Workspace) {
	if ws == nil || ws.Path == "" {
		return
	}

	if err := removeTree(ws.Path); err != nil {
		m.inventory.Release(ws.Path)
		m.logger.Warn("workspace cleanup deferred",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.inventory.Forget(ws.Path)
}

// Sweep retries the deletion of released workspaces and returns how many are
// still on disk.
func (m *Manager) Sweep() int {
	return m.sweep(m.inventory.Released())
}

func (m *Manager) sweep(paths []string) int {
	remaining := 0
	for _, p := range paths {
		if err := removeTree(p); err != nil {
			remaining++
			m.logger.Debug("workspace still pending cleanup",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.inventory.Forget(p)
	}
	return remaining
}

// Close is the shutdown-time sweep. It retries every tracked workspace,
// active or not, then removes owner directories and the fallback base if they
// are empty. Callers must have stopped all executions first.
func (m *Manager) Close() error {
	if remaining := m.sweep(m.inventory.All()); remaining > 0 {
		m.logger.Warn("workspaces left on disk at shutdown", slog.Int("count", remaining))
	}

	for _, b := range m.bases() {
		entries, err := os.ReadDir(b.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				// Succeeds only for empty owner directories.
				_ = os.Remove(filepath.Join(b.dir, e.Name()))
			}
		}
		if !b.shared {
			_ = os.Remove(b.dir)
		}
	}
	return nil
}

func removeTree(root string) error {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			_ = os.Remove(path)
		}
		return nil
	})

	if err := os.RemoveAll(root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, err := os.Lstat(root); err == nil {
		return fmt.Errorf("workspace: %s still exists", root)
	}
	return nil
}

// SanitizeOwner turns an arbitrary caller id into a single safe path segment.
func SanitizeOwner(owner string) string {
	var b strings.Builder
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxOwnerLen {
			break
		}
	}

	s := strings.Trim(b.String(), "_")
	if s == "" {
		return AnonymousOwner
	}
	return s
}

func isBareFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\:`) && filepath.Base(name) == name
}
