package engine

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sakif/coderunner/internal/executor/shellarg"
	"github.com/sakif/coderunner/internal/executor/supervisor"
	"github.com/sakif/coderunner/internal/executor/workspace"
)

// ManagedLabel marks every container the engine starts, so orphans left by a
// crashed process can be found later.
const ManagedLabel = "coderunner.managed=true"

// Config holds the configuration for sandboxed execution.
type Config struct {
	// Binary is the container runtime CLI, resolved on PATH at startup.
	Binary string
	// Timeout is the hard wall-clock limit of one run, build included.
	Timeout time.Duration
	// ContainerDir is where the workspace is mounted inside the container.
	ContainerDir string
	// MountMode is the bind-mount mode: "rw" (compilers write next to the
	// source) or "ro".
	MountMode string

	// Network is passed to --network. "none" isolates the sandbox.
	Network string
	// Memory is passed to --memory, e.g. "256m". Empty means no limit.
	Memory string
	// CPUs is passed to --cpus, e.g. "1". Empty means no limit.
	CPUs string
	// PidsLimit is passed to --pids-limit. Zero means no limit.
	PidsLimit int
	// User is passed to --user. Defaults to the uid:gid of this process so
	// everything the sandbox writes into the workspace stays deletable.
	User string

	// NamePrefix prefixes container names: <prefix>-<workspace id>.
	NamePrefix string
	// Label is attached to every container (see ManagedLabel).
	Label string

	// OutputLimit caps each captured stream, in bytes.
	OutputLimit int

	// SweepInterval is how often deferred workspace deletions and orphaned
	// containers are retried. Zero disables the background sweeper.
	SweepInterval time.Duration
	// OrphanGrace is added to Timeout before a labelled container counts as
	// orphaned.
	OrphanGrace time.Duration

	Workspace workspace.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Binary:        "docker",
		Timeout:       supervisor.DefaultTimeout,
		ContainerDir:  "/app",
		MountMode:     shellarg.ModeReadWrite,
		Network:       "none",
		Memory:        "256m",
		CPUs:          "1",
		PidsLimit:     128,
		User:          defaultUser(),
		NamePrefix:    "coderunner",
		Label:         ManagedLabel,
		OutputLimit:   supervisor.DefaultOutputLimit,
		SweepInterval: time.Minute,
		OrphanGrace:   30 * time.Second,
		Workspace:     workspace.DefaultConfig(),
	}
}

func defaultUser() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ContainerDir == "" {
		c.ContainerDir = d.ContainerDir
	}
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.NamePrefix == "" {
		c.NamePrefix = d.NamePrefix
	}
	if c.Label == "" {
		c.Label = d.Label
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = d.OutputLimit
	}
	return c
}
