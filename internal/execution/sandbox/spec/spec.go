// Package spec describes one container run and the resource limits applied to it.
package spec

import "time"

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	MemoryMB    int64
	NanoCPUs    int64
	PIDs        int64
	OutputBytes int64
	TmpfsMB     int64
}

// DefaultLimits is the per-container ceiling used when nothing is configured.
func DefaultLimits() ResourceLimit {
	return ResourceLimit{
		MemoryMB:    256,
		NanoCPUs:    500_000_000,
		PIDs:        64,
		OutputBytes: 1 << 20,
		TmpfsMB:     64,
	}
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is everything the engine needs to run one container.
// Cmd is passed to the runtime as an argument vector, never through a shell.
type RunSpec struct {
	Name       string
	Phase      string
	Image      string
	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	BindMounts []MountSpec
	Limits     ResourceLimit
	// Timeout is informational; the caller's context deadline is authoritative.
	Timeout time.Duration
}

const (
	PhaseCompile = "compile"
	PhaseRun     = "run"
)
