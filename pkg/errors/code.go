package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission validation errors
// 13100-13199: Execution & sandbox errors
// 13200-13299: Dispatch & queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Storage errors (10200-10299)
	StorageError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Submission Errors (13000-13099) ==========

	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	TestCasesRequired    ErrorCode = 13006

	// ========== Execution Errors (13100-13199) ==========

	CompilationError   ErrorCode = 13102
	RuntimeError       ErrorCode = 13103
	TimeLimitExceeded  ErrorCode = 13104
	SandboxUnavailable ErrorCode = 13107

	// ========== Dispatch Errors (13200-13299) ==========

	QueueUnavailable ErrorCode = 13200
	JobExpired       ErrorCode = 13201
	JobFailed        ErrorCode = 13202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	StorageError: "Object storage operation failed",

	// Validation
	ValidationFailed: "Validation failed",

	// Submission
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	TestCasesRequired:    "At least one test case is required",

	// Execution
	CompilationError:   "Compilation error",
	RuntimeError:       "Runtime error",
	TimeLimitExceeded:  "Time limit exceeded",
	SandboxUnavailable: "Sandbox runtime is unavailable",

	// Dispatch
	QueueUnavailable: "Job queue is unavailable",
	JobExpired:       "Job expired before it was processed",
	JobFailed:        "Job failed after all attempts",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound:
		return 404
	case c == ServiceUnavailable, c == SandboxUnavailable, c == QueueUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c == CodeTooLarge:
		return 413
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == TestCasesRequired:
		return 400
	default:
		return 500
	}
}

// IsCallerError reports whether the code describes a bad request rather than a system fault.
// Caller errors are deterministic, so they are never retried.
func (c ErrorCode) IsCallerError() bool {
	switch {
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported, c == TestCasesRequired:
		return true
	case c >= 10300 && c < 10400:
		return true
	default:
		return false
	}
}
