package service

import (
	"context"

	"codegrade/internal/execution/repository"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AnswerRequest is one answer in a bulk evaluation.
type AnswerRequest struct {
	AnswerID string `json:"answer_id"`
	EvaluateRequest
}

// AnswerError is the error reported for a single failed answer.
type AnswerError struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// AnswerResult pairs an answer with its outcome. Exactly one of Result and Error is set.
type AnswerResult struct {
	AnswerID string            `json:"answer_id"`
	Result   *EvaluateResponse `json:"result,omitempty"`
	Error    *AnswerError      `json:"error,omitempty"`
}

// BulkEvaluate grades many answers concurrently. Results keep the input order
// and a failing answer never affects the others.
func (s *Service) BulkEvaluate(ctx context.Context, answers []AnswerRequest) ([]AnswerResult, error) {
	if len(answers) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("at least one answer is required")
	}
	if len(answers) > s.maxBulkAnswers {
		return nil, appErr.Newf(appErr.InvalidParams, "at most %d answers per request", s.maxBulkAnswers)
	}

	results := make([]AnswerResult, len(answers))
	records := make([]*repository.ArchiveRecord, len(answers))
	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, answer := range answers {
		g.Go(func() error {
			results[i].AnswerID = answer.AnswerID
			resp, record, err := s.evaluate(ctx, answer.EvaluateRequest)
			if err != nil {
				e := appErr.GetError(err)
				results[i].Error = &AnswerError{Code: e.Code, Message: e.Error()}
				return nil
			}
			results[i].Result = &resp
			records[i] = &record
			return nil
		})
	}
	_ = g.Wait()

	finished := make([]repository.ArchiveRecord, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			finished = append(finished, *rec)
		}
	}
	logger.Info(ctx, "bulk evaluation finished",
		zap.Int("answers", len(answers)),
		zap.Int("evaluated", len(finished)),
	)
	s.record(ctx, finished)
	return results, nil
}
