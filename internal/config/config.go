// Package config loads settings from defaults, an optional coderunner.yaml
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sakif/coderunner/internal/executor/docker"
	"github.com/sakif/coderunner/internal/executor/engine"
	"github.com/sakif/coderunner/internal/executor/workspace"
	"github.com/sakif/coderunner/internal/server"
	"github.com/sakif/coderunner/internal/service"
)

// EnvPrefix prefixes every environment override: server.port is read from
// CODERUNNER_SERVER_PORT.
const EnvPrefix = "CODERUNNER"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	DBPath          string        `mapstructure:"db_path"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	SecureCookies   bool          `mapstructure:"secure_cookies"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GitHubConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	CallbackURL  string `mapstructure:"callback_url"`
}

type SandboxConfig struct {
	Binary        string        `mapstructure:"binary"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ContainerDir  string        `mapstructure:"container_dir"`
	MountMode     string        `mapstructure:"mount_mode"`
	Network       string        `mapstructure:"network"`
	Memory        string        `mapstructure:"memory"`
	CPUs          string        `mapstructure:"cpus"`
	PidsLimit     int           `mapstructure:"pids_limit"`
	User          string        `mapstructure:"user"`
	NamePrefix    string        `mapstructure:"name_prefix"`
	OutputLimit   int           `mapstructure:"output_limit"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OrphanGrace   time.Duration `mapstructure:"orphan_grace"`
	// PipelinesFile overrides images and commands per language.
	PipelinesFile string `mapstructure:"pipelines_file"`
}

type WorkspaceConfig struct {
	SharedDir   string `mapstructure:"shared_dir"`
	HostDir     string `mapstructure:"host_dir"`
	FallbackDir string `mapstructure:"fallback_dir"`
}

type DockerConfig struct {
	Host            string        `mapstructure:"host"`
	PullImages      bool          `mapstructure:"pull_images"`
	PullTimeout     time.Duration `mapstructure:"pull_timeout"`
	PullConcurrency int           `mapstructure:"pull_concurrency"`
}

type ExecutionConfig struct {
	MaxCodeBytes  int           `mapstructure:"max_code_bytes"`
	MaxInputBytes int           `mapstructure:"max_input_bytes"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads the configuration. An explicit path must exist; otherwise
// coderunner.yaml is looked up in the working directory and
// $HOME/.coderunner and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderunner")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	e := engine.DefaultConfig()
	d := docker.DefaultConfig()
	x := service.DefaultExecutionConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.db_path", "data/coderunner.db")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.secure_cookies", false)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", time.Duration(0))

	v.SetDefault("github.client_id", "")
	v.SetDefault("github.client_secret", "")
	v.SetDefault("github.callback_url", "http://localhost:8080/auth/github/callback")

	v.SetDefault("sandbox.binary", e.Binary)
	v.SetDefault("sandbox.timeout", e.Timeout)
	v.SetDefault("sandbox.container_dir", e.ContainerDir)
	v.SetDefault("sandbox.mount_mode", e.MountMode)
	v.SetDefault("sandbox.network", e.Network)
	v.SetDefault("sandbox.memory", e.Memory)
	v.SetDefault("sandbox.cpus", e.CPUs)
	v.SetDefault("sandbox.pids_limit", e.PidsLimit)
	v.SetDefault("sandbox.user", e.User)
	v.SetDefault("sandbox.name_prefix", e.NamePrefix)
	v.SetDefault("sandbox.output_limit", e.OutputLimit)
	v.SetDefault("sandbox.sweep_interval", e.SweepInterval)
	v.SetDefault("sandbox.orphan_grace", e.OrphanGrace)
	v.SetDefault("sandbox.pipelines_file", "")

	v.SetDefault("workspace.shared_dir", e.Workspace.SharedDir)
	v.SetDefault("workspace.host_dir", e.Workspace.HostDir)
	v.SetDefault("workspace.fallback_dir", e.Workspace.FallbackDir)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.pull_images", d.PullImages)
	v.SetDefault("docker.pull_timeout", d.PullTimeout)
	v.SetDefault("docker.pull_concurrency", d.PullConcurrency)

	v.SetDefault("execution.max_code_bytes", x.MaxCodeBytes)
	v.SetDefault("execution.max_input_bytes", x.MaxInputBytes)
	v.SetDefault("execution.max_concurrent", x.MaxConcurrent)
	v.SetDefault("execution.queue_timeout", x.QueueTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindLegacyEnv keeps the short variable names earlier deployments used.
// The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"server.port":          "PORT",
		"server.db_path":       "DB_PATH",
		"server.jwt_secret":    "JWT_SECRET",
		"github.client_id":     "GITHUB_CLIENT_ID",
		"github.client_secret": "GITHUB_CLIENT_SECRET",
		"github.callback_url":  "GITHUB_CALLBACK_URL",
	}
	for key, name := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return fmt.Errorf("config: binding %s: %w", name, err)
		}
	}
	return nil
}

// Validate rejects settings that would only fail later, at the first run.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 16 {
		return errors.New("config: server.jwt_secret must be at least 16 characters")
	}
	if c.Sandbox.Timeout <= 0 {
		return errors.New("config: sandbox.timeout must be positive")
	}
	switch c.Sandbox.MountMode {
	case "rw", "ro":
	default:
		return fmt.Errorf("config: sandbox.mount_mode must be rw or ro, got %q", c.Sandbox.MountMode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Engine builds the sandbox engine settings.
func (c *Config) Engine() engine.Config {
	ws := workspace.DefaultConfig()
	ws.SharedDir = c.Workspace.SharedDir
	ws.HostDir = c.Workspace.HostDir
	if c.Workspace.FallbackDir != "" {
		ws.FallbackDir = c.Workspace.FallbackDir
	}

	return engine.Config{
		Binary:        c.Sandbox.Binary,
		Timeout:       c.Sandbox.Timeout,
		ContainerDir:  c.Sandbox.ContainerDir,
		MountMode:     c.Sandbox.MountMode,
		Network:       c.Sandbox.Network,
		Memory:        c.Sandbox.Memory,
		CPUs:          c.Sandbox.CPUs,
		PidsLimit:     c.Sandbox.PidsLimit,
		User:          c.Sandbox.User,
		NamePrefix:    c.Sandbox.NamePrefix,
		Label:         engine.ManagedLabel,
		OutputLimit:   c.Sandbox.OutputLimit,
		SweepInterval: c.Sandbox.SweepInterval,
		OrphanGrace:   c.Sandbox.OrphanGrace,
		Workspace:     ws,
	}
}

// DockerClient builds the Docker API client settings.
func (c *Config) DockerClient() docker.Config {
	d := docker.DefaultConfig()
	d.Host = c.Docker.Host
	d.PullImages = c.Docker.PullImages
	d.PullTimeout = c.Docker.PullTimeout
	d.PullConcurrency = c.Docker.PullConcurrency
	return d
}

// HTTPServer builds the HTTP server settings. Unset write and shutdown
// timeouts are derived from the sandbox timeout so a slow run is never cut
// off mid-response.
func (c *Config) HTTPServer() server.Config {
	write := c.Server.WriteTimeout
	if write <= 0 {
		write = c.Sandbox.Timeout + c.Execution.QueueTimeout + 30*time.Second
	}
	shutdown := c.Server.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = c.Sandbox.Timeout + 15*time.Second
	}

	return server.Config{
		Port:               c.Server.Port,
		DBPath:             c.Server.DBPath,
		JWTSecret:          c.Server.JWTSecret,
		TokenTTL:           c.Server.TokenTTL,
		GitHubClientID:     c.GitHub.ClientID,
		GitHubClientSecret: c.GitHub.ClientSecret,
		GitHubCallbackURL:  c.GitHub.CallbackURL,
		AllowedOrigins:     c.Server.AllowedOrigins,
		SecureCookies:      c.Server.SecureCookies,
		ReadTimeout:        c.Server.ReadTimeout,
		WriteTimeout:       write,
		ShutdownTimeout:    shutdown,
		Execution: service.ExecutionConfig{
			MaxCodeBytes:  c.Execution.MaxCodeBytes,
			MaxInputBytes: c.Execution.MaxInputBytes,
			MaxConcurrent: c.Execution.MaxConcurrent,
			QueueTimeout:  c.Execution.QueueTimeout,
		},
	}
}

// NewLogger builds the process logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
