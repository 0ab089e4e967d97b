package result

import (
	"testing"

	appErr "codegrade/pkg/errors"
)

func TestStatusCode(t *testing.T) {
	cases := map[Status]appErr.ErrorCode{
		StatusOK:           appErr.Success,
		StatusCompileError: appErr.CompilationError,
		StatusRuntimeError: appErr.RuntimeError,
		StatusTimeout:      appErr.TimeLimitExceeded,
		StatusSystemError:  appErr.SandboxUnavailable,
	}
	for status, want := range cases {
		if got := status.Code(); got != want {
			t.Fatalf("status %s: expected %d, got %d", status, want, got)
		}
	}
}

func TestOutcomeOK(t *testing.T) {
	cases := []struct {
		outcome Outcome
		want    bool
	}{
		{Outcome{SucceededToRun: true, Status: StatusOK}, true},
		{Outcome{SucceededToRun: true, Status: StatusTimeout}, false},
		{Outcome{SucceededToRun: false, Status: StatusOK}, false},
	}
	for _, tc := range cases {
		if got := tc.outcome.OK(); got != tc.want {
			t.Fatalf("%+v: expected %v, got %v", tc.outcome, tc.want, got)
		}
	}
}
