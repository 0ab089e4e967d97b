// Package result defines the outcome types shared by every language.
package result

import appErr "codegrade/pkg/errors"

// Status tags how a single execution ended.
type Status string

const (
	StatusOK           Status = "ok"
	StatusCompileError Status = "compile_error"
	StatusRuntimeError Status = "runtime_error"
	StatusTimeout      Status = "timeout"
	StatusSystemError  Status = "system_error"
)

// Code maps a failed status onto its error code. StatusOK maps to Success.
func (s Status) Code() appErr.ErrorCode {
	switch s {
	case StatusOK:
		return appErr.Success
	case StatusCompileError:
		return appErr.CompilationError
	case StatusRuntimeError:
		return appErr.RuntimeError
	case StatusTimeout:
		return appErr.TimeLimitExceeded
	default:
		return appErr.SandboxUnavailable
	}
}

// RunResult is what the engine reports for one container.
type RunResult struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	TimedOut        bool
	OutputTruncated bool
	TimeMs          int64
}

// Outcome is the result of one sandboxed invocation (compile plus run).
// SucceededToRun is false only when the sandbox itself could not run the program.
type Outcome struct {
	SucceededToRun bool   `json:"succeeded_to_run"`
	Status         Status `json:"status"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	ExitCode       int    `json:"exit_code"`
	Error          string `json:"error,omitempty"`
	ElapsedMillis  int64  `json:"elapsed_millis"`
}

// OK reports whether the program ran to a clean exit.
func (o Outcome) OK() bool {
	return o.SucceededToRun && o.Status == StatusOK
}
