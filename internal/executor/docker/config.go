package docker

import (
	"time"
)

// Config holds the configuration for talking to the Docker daemon.
type Config struct {
	// Host overrides DOCKER_HOST. Empty uses the environment.
	Host string
	// PullImages pulls missing pipeline images at startup so the first run of
	// each language does not spend its timeout downloading.
	PullImages bool
	// PullTimeout bounds the whole prewarm.
	PullTimeout time.Duration
	// PullConcurrency is how many images are pulled at once.
	PullConcurrency int
	// RequestTimeout bounds single API calls such as ping.
	RequestTimeout time.Duration
}

// DefaultConfig provides sensible defaults for a local daemon.
func DefaultConfig() Config {
	return Config{
		PullImages: true,
		// Compiler images are large.
		PullTimeout:     10 * time.Minute,
		PullConcurrency: 3,
		RequestTimeout:  5 * time.Second,
	}
}
