// Command coderunner runs untrusted Java, Python and C++ programs in
// throwaway containers, behind an HTTP API, an MCP tool or a one-shot CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/executor/docker"
	"github.com/sakif/coderunner/internal/executor/engine"
	"github.com/sakif/coderunner/internal/executor/pipeline"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "coderunner",
	Short: "Sandboxed code execution for Java, Python and C++",
	Long: `coderunner compiles and runs untrusted programs inside short-lived
Docker containers with no network, capped memory and a hard timeout.

Settings come from coderunner.yaml (working directory or ~/.coderunner)
and CODERUNNER_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (default: ./coderunner.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if !errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitStatus(err))
	}
}

// setup loads the configuration and installs the process logger. Logs go to
// stderr so stdout stays free for program output and the MCP transport.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// sandbox bundles the engine with the optional Docker API runtime.
type sandbox struct {
	engine   *engine.Engine
	runtime  *docker.Runtime // nil when the daemon API is unreachable
	registry *pipeline.Registry
}

// newSandbox builds the execution engine. The Docker API is optional: without
// it runs still work through the CLI, but images are not prewarmed and
// orphaned containers are not swept.
func newSandbox(ctx context.Context, cfg *config.Config, logger *slog.Logger, prewarm bool) (*sandbox, error) {
	registry := pipeline.Default()
	if cfg.Sandbox.PipelinesFile != "" {
		r, err := pipeline.LoadFile(cfg.Sandbox.PipelinesFile)
		if err != nil {
			return nil, err
		}
		registry = r
	}

	sb := &sandbox{registry: registry}

	// engine.New must see a nil interface, not a nil *docker.Runtime.
	var rt engine.ContainerRuntime
	if r, err := docker.New(cfg.DockerClient(), logger); err != nil {
		logger.Warn("docker API unavailable, falling back to the CLI only", slog.String("error", err.Error()))
	} else if err := r.Ping(ctx); err != nil {
		logger.Warn("docker daemon not answering, falling back to the CLI only", slog.String("error", err.Error()))
		_ = r.Close()
	} else {
		sb.runtime = r
		rt = r
		if prewarm {
			if err := r.EnsureImages(ctx, registry.Images()); err != nil {
				logger.Error("failed to prewarm images", slog.String("error", err.Error()))
			}
		}
	}

	e, err := engine.New(cfg.Engine(), registry, rt, logger)
	if err != nil {
		sb.closeRuntime()
		return nil, err
	}
	sb.engine = e
	return sb, nil
}

func (sb *sandbox) languages() []string {
	langs := sb.registry.Languages()
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = string(l)
	}
	return names
}

func (sb *sandbox) closeRuntime() {
	if sb.runtime != nil {
		_ = sb.runtime.Close()
	}
}

func (sb *sandbox) Close() error {
	err := sb.engine.Close()
	sb.closeRuntime()
	return err
}
