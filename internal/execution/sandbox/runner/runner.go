// Package runner builds and executes one sandboxed invocation per request.
package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"codegrade/internal/execution/language"
	"codegrade/internal/execution/sandbox/engine"
	"codegrade/internal/execution/sandbox/observer"
	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/spec"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

const containerWorkDir = "/sandbox"

// Request describes one invocation.
type Request struct {
	Language   string
	SourceCode string
	Stdin      string
	// Timeout overrides the language default when positive.
	Timeout time.Duration
}

// Config controls where scratch files live and how containers are limited.
type Config struct {
	WorkRoot string
	Limits   spec.ResourceLimit
}

// Runner implements compile and run workflows for supported languages.
type Runner struct {
	eng     engine.Engine
	langs   *language.Registry
	cfg     Config
	metrics observer.MetricsRecorder
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine, langs *language.Registry, cfg Config) *Runner {
	return NewRunnerWithObserver(eng, langs, cfg, observer.NoopMetricsRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, langs *language.Registry, cfg Config, metrics observer.MetricsRecorder) *Runner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.Limits == (spec.ResourceLimit{}) {
		cfg.Limits = spec.DefaultLimits()
	}
	return &Runner{eng: eng, langs: langs, cfg: cfg, metrics: metrics}
}

// Run materializes the source, compiles it when the language requires it and
// executes it with the given stdin under one wall-clock deadline.
//
// Program faults (compile errors, non-zero exits, timeouts) are reported in the
// Outcome with SucceededToRun=true. A returned error means the request was
// invalid, the sandbox itself failed or ctx ended first; the Outcome then
// carries SucceededToRun=false.
func (r *Runner) Run(ctx context.Context, req Request) (result.Outcome, error) {
	lang, err := r.langs.Resolve(req.Language)
	if err != nil {
		return result.Outcome{}, err
	}
	if ctx.Err() != nil {
		err := interrupted(ctx)
		return systemOutcome(err), err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = lang.Timeout
	}

	// Pulls are not part of the program's time budget.
	if err := r.eng.EnsureImage(ctx, lang.Image); err != nil {
		logger.Warn(ctx, "sandbox image unavailable", zap.String("language", string(lang.ID)), zap.Error(err))
		return systemOutcome(err), err
	}

	ws, err := newWorkspace(r.cfg.WorkRoot, lang, req.SourceCode, req.Stdin)
	if err != nil {
		return systemOutcome(err), appErr.Wrapf(err, appErr.SandboxUnavailable, "prepare scratch directory failed")
	}
	defer ws.cleanup(ctx)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	var outcome result.Outcome
	done := false
	if lang.Compiled() {
		outcome, done, err = r.compile(runCtx, lang, ws, timeout)
	}
	if !done && err == nil {
		outcome, err = r.execute(runCtx, lang, ws, timeout)
	}
	outcome.ElapsedMillis = time.Since(start).Milliseconds()

	// A deadline or cancellation inherited from ctx is not the program's fault.
	if ctx.Err() != nil && (err != nil || outcome.Status == result.StatusTimeout) {
		err = interrupted(ctx)
		logger.Warn(ctx, "sandbox run interrupted", zap.String("language", string(lang.ID)), zap.Error(err))
		return systemOutcome(err), err
	}
	if err == nil {
		r.metrics.ObserveRun(ctx, string(lang.ID), string(outcome.Status), outcome.ElapsedMillis)
	}
	return outcome, err
}

// compile reports done=true when the invocation must stop after this phase.
func (r *Runner) compile(ctx context.Context, lang language.Spec, ws *workspace, timeout time.Duration) (result.Outcome, bool, error) {
	argv, err := lang.CompileArgv(containerWorkDir)
	if err != nil {
		return result.Outcome{}, true, err
	}
	res, err := r.eng.Run(ctx, r.runSpec(lang, ws, spec.PhaseCompile, argv, "", timeout))
	if err != nil {
		r.metrics.ObserveCompile(ctx, string(lang.ID), false, res.TimeMs)
		logger.Warn(ctx, "sandbox compile failed", zap.String("language", string(lang.ID)), zap.Error(err))
		return systemOutcome(err), true, err
	}
	ok := !res.TimedOut && res.ExitCode == 0
	r.metrics.ObserveCompile(ctx, string(lang.ID), ok, res.TimeMs)
	switch {
	case res.TimedOut:
		return timeoutOutcome(timeout), true, nil
	case res.ExitCode != 0:
		output := compilerOutput(res)
		return result.Outcome{
			SucceededToRun: true,
			Status:         result.StatusCompileError,
			Stderr:         output,
			ExitCode:       res.ExitCode,
			Error:          "compilation failed: " + strings.TrimSpace(output),
		}, true, nil
	}
	return result.Outcome{}, false, nil
}

func (r *Runner) execute(ctx context.Context, lang language.Spec, ws *workspace, timeout time.Duration) (result.Outcome, error) {
	argv, err := lang.RunArgv(containerWorkDir)
	if err != nil {
		return result.Outcome{}, err
	}
	res, err := r.eng.Run(ctx, r.runSpec(lang, ws, spec.PhaseRun, argv, ws.inputPath, timeout))
	if err != nil {
		logger.Warn(ctx, "sandbox run failed", zap.String("language", string(lang.ID)), zap.Error(err))
		return systemOutcome(err), err
	}
	if res.TimedOut {
		return timeoutOutcome(timeout), nil
	}
	if res.OutputTruncated {
		logger.Debug(ctx, "sandbox output truncated", zap.String("language", string(lang.ID)))
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("process exited with code %d", res.ExitCode)
		}
		return result.Outcome{
			SucceededToRun: true,
			Status:         result.StatusRuntimeError,
			Stdout:         res.Stdout,
			Stderr:         res.Stderr,
			ExitCode:       res.ExitCode,
			Error:          msg,
		}, nil
	}
	return result.Outcome{
		SucceededToRun: true,
		Status:         result.StatusOK,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
	}, nil
}

func (r *Runner) runSpec(lang language.Spec, ws *workspace, phase string, argv []string, stdinPath string, timeout time.Duration) spec.RunSpec {
	return spec.RunSpec{
		Name:      "codegrade-" + ws.name + "-" + phase,
		Phase:     phase,
		Image:     lang.Image,
		WorkDir:   containerWorkDir,
		Cmd:       argv,
		Env:       lang.Env,
		StdinPath: stdinPath,
		BindMounts: []spec.MountSpec{{
			Source: ws.root,
			Target: containerWorkDir,
			// Only the compile phase writes build artifacts.
			ReadOnly: phase == spec.PhaseRun,
		}},
		Limits:  r.cfg.Limits,
		Timeout: timeout,
	}
}

func compilerOutput(res result.RunResult) string {
	if strings.TrimSpace(res.Stderr) != "" {
		return res.Stderr
	}
	return res.Stdout
}

func timeoutOutcome(timeout time.Duration) result.Outcome {
	return result.Outcome{
		SucceededToRun: true,
		Status:         result.StatusTimeout,
		ExitCode:       -1,
		Error:          fmt.Sprintf("time limit exceeded (%s)", timeout),
	}
}

// interrupted reports that ctx ended before the program finished on its own.
func interrupted(ctx context.Context) *appErr.Error {
	return appErr.Wrapf(ctx.Err(), appErr.Timeout, "sandbox run interrupted: %v", ctx.Err())
}

func systemOutcome(err error) result.Outcome {
	return result.Outcome{
		SucceededToRun: false,
		Status:         result.StatusSystemError,
		ExitCode:       -1,
		Error:          err.Error(),
	}
}
