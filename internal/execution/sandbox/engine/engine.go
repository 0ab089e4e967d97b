// Package engine runs one RunSpec inside an isolated container.
package engine

import (
	"context"
	"time"

	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
//
// Run returns an error only when the sandbox itself fails. Program faults and
// deadline expiry after the container started are reported through the
// RunResult.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	// EnsureImage makes image available locally. It is not bounded by ctx's
	// deadline, so callers can prepare images before starting a run timer.
	EnsureImage(ctx context.Context, image string) error
	Ping(ctx context.Context) error
}

// Config controls sandbox engine behavior.
type Config struct {
	// User is passed to the container as uid:gid. Empty means the current process user.
	User string
	// PullImages allows missing images to be pulled on first use.
	PullImages bool
	// PullTimeout bounds one image pull independently of any run deadline.
	PullTimeout time.Duration
	// DrainTimeout bounds how long output is collected after the container exits.
	DrainTimeout time.Duration
	// RemoveTimeout bounds the forced cleanup of a container.
	RemoveTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 10 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 10 * time.Minute
	}
}
