package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codegrade/internal/execution/sandbox/spec"
	appErr "codegrade/pkg/errors"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDocker struct {
	mu sync.Mutex

	stdout     string
	stderr     string
	exitCode   int64
	hang       bool
	stdinBytes int

	createErr  error
	inspectErr error
	// pullBlocks makes ImagePull wait for its context to end.
	pullBlocks bool

	server  net.Conn
	exited  chan struct{}
	stdinCh chan string

	configs []*container.Config
	hosts   []*container.HostConfig
	pulled  []string
	killed  []string
	removed []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{exited: make(chan struct{}), stdinCh: make(chan string, 1)}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.configs = append(f.configs, cfg)
	f.hosts = append(f.hosts, host)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	f.server = server
	f.mu.Unlock()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	if f.hang {
		return nil
	}
	go func() {
		if f.stdinBytes > 0 {
			buf := make([]byte, f.stdinBytes)
			_, _ = io.ReadFull(f.server, buf)
			f.stdinCh <- string(buf)
		}
		if f.stdout != "" {
			_, _ = stdcopy.NewStdWriter(f.server, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			_, _ = stdcopy.NewStdWriter(f.server, stdcopy.Stderr).Write([]byte(f.stderr))
		}
		_ = f.server.Close()
		close(f.exited)
	}()
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	ch := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		select {
		case <-f.exited:
			ch <- container.WaitResponse{StatusCode: f.exitCode}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return ch, errCh
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.inspectErr
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if f.pullBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func testSpec(stdinPath string) spec.RunSpec {
	return spec.RunSpec{
		Name:      "test-run",
		Phase:     spec.PhaseRun,
		Image:     "python:3.11-alpine",
		WorkDir:   "/sandbox",
		Cmd:       []string{"python3", "-u", "/sandbox/main.py"},
		StdinPath: stdinPath,
		BindMounts: []spec.MountSpec{{
			Source: "/tmp/scratch",
			Target: "/sandbox",
		}},
		Limits: spec.DefaultLimits(),
	}
}

func TestDockerEngineRunCollectsOutput(t *testing.T) {
	fake := newFakeDocker()
	fake.stdout = "42\n"
	fake.stderr = "warning\n"
	fake.stdinBytes = 3

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(inputPath, []byte("42\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	eng := newDockerEngine(fake, Config{User: "1000:1000"})
	res, err := eng.Run(context.Background(), testSpec(inputPath))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.TimedOut {
		t.Fatalf("unexpected timeout")
	}
	if res.Stdout != "42\n" || res.Stderr != "warning\n" {
		t.Fatalf("unexpected output: %q / %q", res.Stdout, res.Stderr)
	}
	select {
	case got := <-fake.stdinCh:
		if got != "42\n" {
			t.Fatalf("expected stdin 42, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("stdin was not streamed")
	}
	if len(fake.removed) != 1 {
		t.Fatalf("expected container removal, got %v", fake.removed)
	}
	if !fake.configs[0].OpenStdin || fake.configs[0].User != "1000:1000" {
		t.Fatalf("unexpected container config: %+v", fake.configs[0])
	}
}

func TestDockerEngineRunReportsExitCode(t *testing.T) {
	fake := newFakeDocker()
	fake.stderr = "Traceback: boom\n"
	fake.exitCode = 1

	eng := newDockerEngine(fake, Config{})
	res, err := eng.Run(context.Background(), testSpec(""))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", res.ExitCode)
	}
	if fake.configs[0].OpenStdin {
		t.Fatalf("stdin must stay closed without input")
	}
}

func TestDockerEngineRunTimesOut(t *testing.T) {
	fake := newFakeDocker()
	fake.hang = true
	fake.stdout = "partial"

	eng := newDockerEngine(fake, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := eng.Run(ctx, testSpec(""))
	if err != nil {
		t.Fatalf("expected timeout result, got error %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timed out result")
	}
	if res.Stdout != "" {
		t.Fatalf("expected stdout to be discarded, got %q", res.Stdout)
	}
	if len(fake.killed) != 1 || len(fake.removed) != 1 {
		t.Fatalf("expected kill and remove, got %v / %v", fake.killed, fake.removed)
	}
}

func TestDockerEngineCreateFailureIsInfra(t *testing.T) {
	fake := newFakeDocker()
	fake.createErr = errors.New("Cannot connect to the Docker daemon")

	eng := newDockerEngine(fake, Config{})
	_, err := eng.Run(context.Background(), testSpec(""))
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
}

func TestDockerEngineSlowPullIsInfraNotTimeout(t *testing.T) {
	fake := newFakeDocker()
	fake.inspectErr = errdefs.NotFound(errors.New("no such image"))
	fake.pullBlocks = true

	eng := newDockerEngine(fake, Config{PullImages: true, PullTimeout: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := eng.Run(ctx, testSpec(""))
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got res=%+v err=%v", res, err)
	}
	if res.TimedOut {
		t.Fatalf("a container that never started must not time out")
	}
	if fake.createdCount() != 0 {
		t.Fatalf("expected no container, got %d", fake.createdCount())
	}
}

func TestDockerEngineCreateAfterDeadlineIsInfra(t *testing.T) {
	fake := newFakeDocker()
	fake.createErr = context.DeadlineExceeded

	eng := newDockerEngine(fake, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	res, err := eng.Run(ctx, testSpec(""))
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
	if res.TimedOut {
		t.Fatalf("expected no timeout result for a failed create")
	}
}

func TestEnsureImage(t *testing.T) {
	t.Run("missing without pull", func(t *testing.T) {
		fake := newFakeDocker()
		fake.inspectErr = errdefs.NotFound(errors.New("no such image"))
		eng := newDockerEngine(fake, Config{})
		err := eng.EnsureImage(context.Background(), "gcc:latest")
		if !appErr.Is(err, appErr.SandboxUnavailable) {
			t.Fatalf("expected SandboxUnavailable, got %v", err)
		}
	})

	t.Run("missing with pull", func(t *testing.T) {
		fake := newFakeDocker()
		fake.inspectErr = errdefs.NotFound(errors.New("no such image"))
		eng := newDockerEngine(fake, Config{PullImages: true})
		if err := eng.EnsureImage(context.Background(), "gcc:latest"); err != nil {
			t.Fatalf("ensure image: %v", err)
		}
		if err := eng.EnsureImage(context.Background(), "gcc:latest"); err != nil {
			t.Fatalf("ensure image again: %v", err)
		}
		if len(fake.pulled) != 1 {
			t.Fatalf("expected one pull, got %v", fake.pulled)
		}
	})

	t.Run("pull ignores caller cancellation", func(t *testing.T) {
		fake := newFakeDocker()
		fake.inspectErr = errdefs.NotFound(errors.New("no such image"))
		eng := newDockerEngine(fake, Config{PullImages: true})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := eng.EnsureImage(ctx, "openjdk:17-jdk-slim"); err != nil {
			t.Fatalf("ensure image: %v", err)
		}
		if len(fake.pulled) != 1 {
			t.Fatalf("expected one pull, got %v", fake.pulled)
		}
	})
}

func TestBuildContainerConfigIsLockedDown(t *testing.T) {
	t.Parallel()

	cfg, host := buildContainerConfig(testSpec("/tmp/scratch/input.txt"), "1000:1000")
	if !cfg.NetworkDisabled || host.NetworkMode != "none" {
		t.Fatalf("network must be disabled")
	}
	if host.Resources.Memory != 256<<20 || host.Resources.MemorySwap != 256<<20 {
		t.Fatalf("unexpected memory limits: %d / %d", host.Resources.Memory, host.Resources.MemorySwap)
	}
	if host.Resources.NanoCPUs != 500_000_000 {
		t.Fatalf("expected half a cpu, got %d", host.Resources.NanoCPUs)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != 64 {
		t.Fatalf("expected pids limit 64")
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Fatalf("expected all capabilities dropped, got %v", host.CapDrop)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Target != "/sandbox" || host.Mounts[0].Source != "/tmp/scratch" {
		t.Fatalf("unexpected mounts: %+v", host.Mounts)
	}
	if len(cfg.Cmd) != 3 || cfg.Cmd[0] != "python3" {
		t.Fatalf("unexpected cmd: %v", cfg.Cmd)
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	t.Parallel()

	buf := newCappedBuffer(4)
	n, err := buf.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("expected full write ack, got %d %v", n, err)
	}
	_, _ = buf.Write([]byte("gh"))
	if buf.String() != "abcd" {
		t.Fatalf("expected abcd, got %q", buf.String())
	}
	if !buf.Truncated() {
		t.Fatalf("expected truncated flag")
	}
}
