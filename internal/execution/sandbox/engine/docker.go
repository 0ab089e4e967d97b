package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/spec"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker client used by the engine.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
}

var _ dockerAPI = (*client.Client)(nil)

// DockerEngine runs every RunSpec in a fresh container.
type DockerEngine struct {
	api    dockerAPI
	cfg    Config
	images sync.Map
}

// NewDockerEngine connects to the daemon described by the DOCKER_* environment.
func NewDockerEngine(cfg Config) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "create docker client failed")
	}
	return newDockerEngine(cli, cfg), nil
}

func newDockerEngine(api dockerAPI, cfg Config) *DockerEngine {
	cfg.setDefaults()
	if cfg.User == "" {
		cfg.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	return &DockerEngine{api: api, cfg: cfg}
}

// Ping checks that the daemon answers.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return appErr.Wrapf(err, appErr.SandboxUnavailable, "docker daemon is unreachable")
	}
	return nil
}

// EnsureImage makes sure an image is present locally, pulling it when allowed.
// The pull detaches from ctx's deadline and cancellation and runs under
// PullTimeout instead.
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, ok := e.images.Load(ref); ok {
		return nil
	}
	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PullTimeout)
	defer cancel()

	_, _, err := e.api.ImageInspectWithRaw(pullCtx, ref)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err) && e.cfg.PullImages:
		logger.Info(ctx, "pulling sandbox image", zap.String("image", ref))
		reader, pullErr := e.api.ImagePull(pullCtx, ref, image.PullOptions{})
		if pullErr != nil {
			return appErr.Wrapf(pullErr, appErr.SandboxUnavailable, "pull image %s failed", ref)
		}
		_, copyErr := io.Copy(io.Discard, reader)
		_ = reader.Close()
		if copyErr == nil {
			copyErr = pullCtx.Err()
		}
		if copyErr != nil {
			return appErr.Wrapf(copyErr, appErr.SandboxUnavailable, "pull image %s failed", ref)
		}
	case errdefs.IsNotFound(err):
		return appErr.Newf(appErr.SandboxUnavailable, "sandbox image %s is not present", ref)
	default:
		return appErr.Wrapf(err, appErr.SandboxUnavailable, "inspect image %s failed", ref)
	}
	e.images.Store(ref, struct{}{})
	return nil
}

// Run creates, starts and waits for one container. A deadline on ctx that
// expires after the container started kills it and yields TimedOut with all
// output discarded. Anything failing before that is SandboxUnavailable.
func (e *DockerEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
	if len(rs.Cmd) == 0 {
		return result.RunResult{}, appErr.ValidationError("cmd", "required")
	}
	if err := e.EnsureImage(ctx, rs.Image); err != nil {
		return result.RunResult{}, err
	}

	cfg, hostCfg := buildContainerConfig(rs, e.cfg.User)
	created, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, rs.Name)
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create %s container failed", rs.Phase)
	}
	defer e.remove(ctx, created.ID)

	withStdin := rs.StdinPath != ""
	attach, err := e.api.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  withStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "attach %s container failed", rs.Phase)
	}
	defer attach.Close()

	waitCh, waitErrCh := e.api.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	start := time.Now()
	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		e.kill(ctx, created.ID)
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "start %s container failed", rs.Phase)
	}

	if withStdin {
		go feedStdin(attach, rs.StdinPath)
	}

	stdout := newCappedBuffer(rs.Limits.OutputBytes)
	stderr := newCappedBuffer(rs.Limits.OutputBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	var exitCode int
	select {
	case resp := <-waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return result.RunResult{}, appErr.Newf(appErr.SandboxUnavailable, "wait %s container failed: %s", rs.Phase, resp.Error.Message)
		}
		exitCode = int(resp.StatusCode)
	case err := <-waitErrCh:
		if ctx.Err() == nil {
			return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "wait %s container failed", rs.Phase)
		}
		return e.abandon(ctx, created.ID, start)
	case <-ctx.Done():
		return e.abandon(ctx, created.ID, start)
	}
	elapsed := time.Since(start)

	select {
	case <-copyDone:
	case <-time.After(e.cfg.DrainTimeout):
		logger.Warn(ctx, "sandbox output drain timed out", zap.String("container", created.ID))
	}

	return result.RunResult{
		ExitCode:        exitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
		TimeMs:          elapsed.Milliseconds(),
	}, nil
}

// abandon kills a container whose context ended. Deadline expiry is a
// timeout; caller cancellation is returned as an error.
func (e *DockerEngine) abandon(ctx context.Context, id string, start time.Time) (result.RunResult, error) {
	e.kill(ctx, id)
	if timedOut(ctx) {
		return result.RunResult{TimedOut: true, TimeMs: time.Since(start).Milliseconds()}, nil
	}
	return result.RunResult{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "sandbox run canceled")
}

func (e *DockerEngine) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RemoveTimeout)
	defer cancel()
	if err := e.api.ContainerKill(killCtx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		logger.Warn(ctx, "kill sandbox container failed", zap.String("container", id), zap.Error(err))
	}
}

func (e *DockerEngine) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RemoveTimeout)
	defer cancel()
	if err := e.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "remove sandbox container failed", zap.String("container", id), zap.Error(err))
	}
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func feedStdin(attach types.HijackedResponse, path string) {
	defer func() {
		_ = attach.CloseWrite()
	}()
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()
	// The program may exit without draining stdin; a broken pipe here is expected.
	_, _ = io.Copy(attach.Conn, file)
}

func buildContainerConfig(rs spec.RunSpec, user string) (*container.Config, *container.HostConfig) {
	withStdin := rs.StdinPath != ""
	cfg := &container.Config{
		Image:           rs.Image,
		Cmd:             rs.Cmd,
		Env:             rs.Env,
		WorkingDir:      rs.WorkDir,
		User:            user,
		AttachStdin:     withStdin,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       withStdin,
		StdinOnce:       withStdin,
		Tty:             false,
		NetworkDisabled: true,
		Labels: map[string]string{
			"codegrade.phase": rs.Phase,
		},
	}

	mounts := make([]mount.Mount, 0, len(rs.BindMounts))
	for _, m := range rs.BindMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	limits := rs.Limits
	memory := limits.MemoryMB << 20
	pids := limits.PIDs
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   limits.NanoCPUs,
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if limits.TmpfsMB > 0 {
		hostCfg.Tmpfs = map[string]string{
			"/tmp": fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", limits.TmpfsMB),
		}
	}
	return cfg, hostCfg
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
