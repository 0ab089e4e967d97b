// Package evaluator grades a submission against ordered test cases.
package evaluator

import (
	"context"
	"time"

	"codegrade/internal/execution/language"
	"codegrade/internal/execution/model"
	"codegrade/internal/execution/normalize"
	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/runner"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

// Executor runs one sandboxed invocation.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (result.Outcome, error)
}

// Evaluator runs every test case serially and aggregates the verdicts.
type Evaluator struct {
	exec  Executor
	langs *language.Registry
}

// New creates an evaluator.
func New(exec Executor, langs *language.Registry) *Evaluator {
	return &Evaluator{exec: exec, langs: langs}
}

// Evaluate grades sub against cases in order. A failing case never stops the
// ones after it. An infrastructure error on any case, or ctx ending, aborts
// the whole request and no partial evaluation is returned.
func (e *Evaluator) Evaluate(ctx context.Context, sub model.Submission, cases []model.TestCase) (model.Evaluation, error) {
	if len(cases) == 0 {
		return model.Evaluation{}, appErr.New(appErr.InvalidParams).WithMessage("at least one test case is required")
	}
	if _, err := e.langs.Resolve(string(sub.Language)); err != nil {
		return model.Evaluation{}, err
	}

	start := time.Now()
	results := make([]model.TestResult, 0, len(cases))
	for i, tc := range cases {
		if ctx.Err() != nil {
			err := appErr.Wrapf(ctx.Err(), appErr.Timeout, "evaluation interrupted before case %d", i+1)
			logger.Warn(ctx, "evaluation aborted",
				zap.String("language", string(sub.Language)),
				zap.Int("case", i+1),
				zap.Error(err),
			)
			return model.Evaluation{}, err
		}
		res, err := e.evaluateCase(ctx, sub, i+1, tc)
		if err != nil {
			logger.Warn(ctx, "evaluation aborted",
				zap.String("language", string(sub.Language)),
				zap.Int("case", i+1),
				zap.Error(err),
			)
			return model.Evaluation{}, err
		}
		results = append(results, res)
	}

	ev := model.NewEvaluation(results)
	logger.Info(ctx, "evaluation finished",
		zap.String("language", string(sub.Language)),
		zap.Int("total", ev.Summary.Total),
		zap.Int("passed", ev.Summary.Passed),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return ev, nil
}

func (e *Evaluator) evaluateCase(ctx context.Context, sub model.Submission, index int, tc model.TestCase) (model.TestResult, error) {
	res := model.TestResult{
		Index:          index,
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		Hidden:         tc.Hidden,
	}
	outcome, err := e.exec.Run(ctx, runner.Request{
		Language:   string(sub.Language),
		SourceCode: sub.SourceCode,
		Stdin:      tc.Input,
	})
	if err != nil {
		return res, err
	}
	res.ElapsedMillis = outcome.ElapsedMillis
	res.ActualOutput = normalize.Normalize(outcome.Stdout)
	if !outcome.OK() {
		res.Error = outcome.Error
		logger.Debug(ctx, "test case failed",
			zap.Int("case", index),
			zap.String("status", string(outcome.Status)),
			zap.Int("code", int(outcome.Status.Code())),
		)
		return res, nil
	}
	res.Passed = res.ActualOutput == normalize.Normalize(tc.ExpectedOutput)
	return res, nil
}
