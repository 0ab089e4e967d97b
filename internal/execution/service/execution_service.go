package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codegrade/internal/execution/language"
	"codegrade/internal/execution/limiter"
	"codegrade/internal/execution/model"
	"codegrade/internal/execution/orchestrator"
	"codegrade/internal/execution/repository"
	"codegrade/internal/execution/sandbox/result"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/contextkey"
	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxCodeLength is the largest accepted source, in characters.
	DefaultMaxCodeLength   = 10000
	defaultRecordTimeout   = 5 * time.Second
	defaultMaxBulkAnswers  = 200
	defaultBulkConcurrency = limiter.DefaultMaxConcurrent
)

// ViewStudent hides the content of hidden test cases in responses.
const ViewStudent = "student"

// Dispatcher is the orchestration surface the service needs.
type Dispatcher interface {
	Evaluate(ctx context.Context, sub model.Submission, cases []model.TestCase) (model.Evaluation, error)
	RunOnce(ctx context.Context, sub model.Submission) (result.Outcome, error)
	State() orchestrator.State
}

// Pinger checks sandbox availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds service dependencies and settings.
type Config struct {
	Dispatcher Dispatcher
	Sandbox    Pinger
	Languages  *language.Registry
	Limiter    *limiter.Limiter
	// Publisher and Archive are optional.
	Publisher repository.EventPublisher
	Archive   repository.SubmissionArchive

	MaxCodeLength   int
	MaxBulkAnswers  int
	BulkConcurrency int
	RecordTimeout   time.Duration
}

// Service validates grading requests and fans them out to the dispatcher.
type Service struct {
	dispatcher      Dispatcher
	sandbox         Pinger
	langs           *language.Registry
	limiter         *limiter.Limiter
	publisher       repository.EventPublisher
	archive         repository.SubmissionArchive
	maxCodeLength   int
	maxBulkAnswers  int
	bulkConcurrency int
	recordTimeout   time.Duration
}

// NewService creates a grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.MaxCodeLength <= 0 {
		cfg.MaxCodeLength = DefaultMaxCodeLength
	}
	if cfg.MaxBulkAnswers <= 0 {
		cfg.MaxBulkAnswers = defaultMaxBulkAnswers
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = defaultBulkConcurrency
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}
	return &Service{
		dispatcher:      cfg.Dispatcher,
		sandbox:         cfg.Sandbox,
		langs:           cfg.Languages,
		limiter:         cfg.Limiter,
		publisher:       cfg.Publisher,
		archive:         cfg.Archive,
		maxCodeLength:   cfg.MaxCodeLength,
		maxBulkAnswers:  cfg.MaxBulkAnswers,
		bulkConcurrency: cfg.BulkConcurrency,
		recordTimeout:   cfg.RecordTimeout,
	}, nil
}

// RunRequest executes code once with optional stdin.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

// TestCaseInput is a test case as submitted by the caller.
type TestCaseInput struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

// EvaluateRequest grades code against test cases.
type EvaluateRequest struct {
	Code       string          `json:"code"`
	Language   string          `json:"language"`
	TestCases  []TestCaseInput `json:"test_cases"`
	TotalMarks int             `json:"total_marks,omitempty"`
	View       string          `json:"view,omitempty"`
}

// EvaluateResponse is the graded result plus marks.
type EvaluateResponse struct {
	EvaluationID string `json:"evaluation_id"`
	model.Evaluation
	Marks      int `json:"marks"`
	TotalMarks int `json:"total_marks"`
}

// Run executes a submission once.
func (s *Service) Run(ctx context.Context, req RunRequest) (result.Outcome, error) {
	sub, err := s.submission(req.Code, req.Language, req.Input)
	if err != nil {
		return result.Outcome{}, err
	}
	ctx = context.WithValue(ctx, contextkey.EvaluationID, uuid.NewString())
	outcome, err := s.dispatcher.RunOnce(ctx, sub)
	if err != nil {
		logger.Warn(ctx, "run failed", zap.String("language", string(sub.Language)), zap.Error(err))
		return result.Outcome{}, err
	}
	return outcome, nil
}

// Evaluate grades a submission, then publishes and archives the result.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	resp, record, err := s.evaluate(ctx, req)
	if err != nil {
		return EvaluateResponse{}, err
	}
	s.record(ctx, []repository.ArchiveRecord{record})
	return resp, nil
}

func (s *Service) evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, repository.ArchiveRecord, error) {
	sub, err := s.submission(req.Code, req.Language, "")
	if err != nil {
		return EvaluateResponse{}, repository.ArchiveRecord{}, err
	}
	if len(req.TestCases) == 0 {
		return EvaluateResponse{}, repository.ArchiveRecord{}, appErr.New(appErr.TestCasesRequired)
	}
	if req.TotalMarks < 0 {
		return EvaluateResponse{}, repository.ArchiveRecord{}, appErr.ValidationError("total_marks", "must not be negative")
	}
	cases := make([]model.TestCase, len(req.TestCases))
	for i, tc := range req.TestCases {
		cases[i] = model.TestCase{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput, Hidden: tc.Hidden}
	}

	id := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.EvaluationID, id)
	eval, err := s.dispatcher.Evaluate(ctx, sub, cases)
	if err != nil {
		logger.Warn(ctx, "evaluation failed", zap.String("language", string(sub.Language)), zap.Error(err))
		return EvaluateResponse{}, repository.ArchiveRecord{}, err
	}
	record := repository.ArchiveRecord{
		ID:         id,
		Language:   sub.Language,
		SourceCode: sub.SourceCode,
		Evaluation: eval,
		CreatedAt:  time.Now(),
	}
	if req.View == ViewStudent {
		eval.TestResults = RedactHidden(eval.TestResults)
	}
	return EvaluateResponse{
		EvaluationID: id,
		Evaluation:   eval,
		Marks:        ComputeMarks(eval.Summary.Percentage, req.TotalMarks),
		TotalMarks:   req.TotalMarks,
	}, record, nil
}

func (s *Service) submission(code, lang, stdin string) (model.Submission, error) {
	if strings.TrimSpace(code) == "" {
		return model.Submission{}, appErr.BadRequest("code is required")
	}
	if strings.TrimSpace(lang) == "" {
		return model.Submission{}, appErr.BadRequest("language is required")
	}
	if n := len([]rune(code)); n > s.maxCodeLength {
		return model.Submission{}, appErr.Newf(appErr.CodeTooLarge, "code exceeds maximum length of %d characters", s.maxCodeLength).
			WithDetail("length", n)
	}
	spec, err := s.langs.Resolve(lang)
	if err != nil {
		return model.Submission{}, err
	}
	return model.Submission{SourceCode: code, Language: spec.ID, Stdin: stdin}, nil
}

// record publishes and archives finished evaluations. Failures are logged only.
func (s *Service) record(ctx context.Context, records []repository.ArchiveRecord) {
	if len(records) == 0 || (s.publisher == nil && s.archive == nil) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
	defer cancel()

	if s.publisher != nil {
		events := make([]repository.EvaluationEvent, len(records))
		for i, rec := range records {
			events[i] = repository.NewEvaluationEvent(rec.ID, rec.Language, rec.Evaluation)
		}
		if err := s.publisher.PublishEvaluations(ctx, events); err != nil {
			logger.Warn(ctx, "publish evaluation events failed", zap.Int("count", len(events)), zap.Error(err))
		}
	}
	if s.archive != nil {
		for _, rec := range records {
			if _, err := s.archive.Store(ctx, rec); err != nil {
				logger.Warn(ctx, "archive submission failed", zap.String("evaluation_id", rec.ID), zap.Error(err))
			}
		}
	}
}
