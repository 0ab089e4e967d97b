package evaluator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"codegrade/internal/execution/language"
	"codegrade/internal/execution/model"
	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/runner"
	appErr "codegrade/pkg/errors"
)

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []runner.Request
	run   func(req runner.Request) (result.Outcome, error)
}

func (s *scriptedExecutor) Run(_ context.Context, req runner.Request) (result.Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.run(req)
}

// echoExecutor behaves like a program that prints its stdin doubled.
func echoExecutor() *scriptedExecutor {
	return &scriptedExecutor{run: func(req runner.Request) (result.Outcome, error) {
		return result.Outcome{SucceededToRun: true, Status: result.StatusOK, Stdout: req.Stdin + req.Stdin + "\r\n"}, nil
	}}
}

func newEvaluator(t *testing.T, exec Executor) *Evaluator {
	t.Helper()
	reg, err := language.NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(exec, reg)
}

func TestEvaluatePreservesOrderAndHidden(t *testing.T) {
	exec := echoExecutor()
	ev := newEvaluator(t, exec)

	cases := []model.TestCase{
		{Input: "a", ExpectedOutput: "aa"},
		{Input: "b", ExpectedOutput: "bb", Hidden: true},
		{Input: "c", ExpectedOutput: "wrong"},
	}
	out, err := ev.Evaluate(context.Background(), model.Submission{Language: language.Python, SourceCode: "x"}, cases)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(out.TestResults) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.TestResults))
	}
	for i, r := range out.TestResults {
		if r.Index != i+1 || r.Input != cases[i].Input || r.Hidden != cases[i].Hidden {
			t.Fatalf("result %d out of order or mismatched: %+v", i, r)
		}
	}
	if !out.TestResults[0].Passed || !out.TestResults[1].Passed || out.TestResults[2].Passed {
		t.Fatalf("unexpected verdicts: %+v", out.TestResults)
	}
	if out.TestResults[0].ActualOutput != "aa" {
		t.Fatalf("expected normalized actual output, got %q", out.TestResults[0].ActualOutput)
	}
	if out.Summary.Total != 3 || out.Summary.Passed != 2 || out.Summary.Failed != 1 || out.Summary.Percentage != 67 {
		t.Fatalf("unexpected summary: %+v", out.Summary)
	}
	if out.OverallPassed {
		t.Fatalf("expected overall failure")
	}
	for i, call := range exec.calls {
		if call.Stdin != cases[i].Input {
			t.Fatalf("cases must run serially in order, call %d had stdin %q", i, call.Stdin)
		}
	}
}

func TestEvaluateIsolatesCaseFailures(t *testing.T) {
	exec := &scriptedExecutor{run: func(req runner.Request) (result.Outcome, error) {
		switch req.Stdin {
		case "loop":
			return result.Outcome{SucceededToRun: true, Status: result.StatusTimeout, Error: "time limit exceeded (10s)"}, nil
		case "crash":
			return result.Outcome{SucceededToRun: true, Status: result.StatusRuntimeError, Stdout: "1", Error: "ZeroDivisionError"}, nil
		}
		return result.Outcome{SucceededToRun: true, Status: result.StatusOK, Stdout: "1"}, nil
	}}
	ev := newEvaluator(t, exec)

	out, err := ev.Evaluate(context.Background(), model.Submission{Language: language.Python}, []model.TestCase{
		{Input: "loop", ExpectedOutput: "1"},
		{Input: "crash", ExpectedOutput: "1"},
		{Input: "ok", ExpectedOutput: "1"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.TestResults[0].Passed || !strings.Contains(out.TestResults[0].Error, "time limit") {
		t.Fatalf("expected timeout failure, got %+v", out.TestResults[0])
	}
	if out.TestResults[1].Passed || out.TestResults[1].Error != "ZeroDivisionError" {
		t.Fatalf("runtime error must fail even with matching stdout: %+v", out.TestResults[1])
	}
	if !out.TestResults[2].Passed {
		t.Fatalf("later cases must still run: %+v", out.TestResults[2])
	}
}

func TestEvaluateCompileErrorFailsEveryCase(t *testing.T) {
	exec := &scriptedExecutor{run: func(runner.Request) (result.Outcome, error) {
		return result.Outcome{SucceededToRun: true, Status: result.StatusCompileError, Error: "compilation failed: expected ';'"}, nil
	}}
	ev := newEvaluator(t, exec)

	out, err := ev.Evaluate(context.Background(), model.Submission{Language: language.CPP}, []model.TestCase{
		{Input: "1", ExpectedOutput: ""},
		{Input: "2", ExpectedOutput: ""},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Summary.Passed != 0 || out.Summary.Percentage != 0 {
		t.Fatalf("expected nothing to pass, got %+v", out.Summary)
	}
	for _, r := range out.TestResults {
		if !strings.Contains(r.Error, "expected ';'") {
			t.Fatalf("expected compiler output in error, got %q", r.Error)
		}
	}
}

func TestEvaluateRejectsInvalidInput(t *testing.T) {
	exec := echoExecutor()
	ev := newEvaluator(t, exec)

	_, err := ev.Evaluate(context.Background(), model.Submission{Language: language.Python}, nil)
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams for zero cases, got %v", err)
	}
	_, err = ev.Evaluate(context.Background(), model.Submission{Language: "cobol"}, []model.TestCase{{Input: "1"}})
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("no case may run for invalid input, got %d runs", len(exec.calls))
	}
}

func TestEvaluateAbortsOnSandboxFailure(t *testing.T) {
	exec := &scriptedExecutor{run: func(req runner.Request) (result.Outcome, error) {
		if req.Stdin == "2" {
			return result.Outcome{Status: result.StatusSystemError}, appErr.New(appErr.SandboxUnavailable).WithMessage("daemon down")
		}
		return result.Outcome{SucceededToRun: true, Status: result.StatusOK, Stdout: req.Stdin}, nil
	}}
	ev := newEvaluator(t, exec)

	out, err := ev.Evaluate(context.Background(), model.Submission{Language: language.JavaScript}, []model.TestCase{
		{Input: "1", ExpectedOutput: "1"},
		{Input: "2", ExpectedOutput: "2"},
		{Input: "3", ExpectedOutput: "3"},
	})
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
	if len(out.TestResults) != 0 {
		t.Fatalf("no partial results may be returned, got %d", len(out.TestResults))
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected evaluation to stop at the failing case, got %d runs", len(exec.calls))
	}
}

func TestEvaluateStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &scriptedExecutor{}
	exec.run = func(req runner.Request) (result.Outcome, error) {
		if req.Stdin == "b" {
			cancel()
		}
		return result.Outcome{SucceededToRun: true, Status: result.StatusOK, Stdout: req.Stdin}, nil
	}
	ev := newEvaluator(t, exec)

	cases := []model.TestCase{
		{Input: "a", ExpectedOutput: "a"},
		{Input: "b", ExpectedOutput: "b"},
		{Input: "c", ExpectedOutput: "c"},
		{Input: "d", ExpectedOutput: "d"},
	}
	_, err := ev.Evaluate(ctx, model.Submission{Language: language.Python, SourceCode: "x"}, cases)
	if !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected evaluation to stop after case 2, got %d calls", len(exec.calls))
	}
}
