package model

import "math"

// TestResult is the verdict for one test case. Index is 1-based.
type TestResult struct {
	Index          int    `json:"index"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	ActualOutput   string `json:"actual_output"`
	Hidden         bool   `json:"hidden"`
	Passed         bool   `json:"passed"`
	Error          string `json:"error,omitempty"`
	ElapsedMillis  int64  `json:"elapsed_millis"`
}

// EvaluationSummary aggregates the per-case verdicts.
type EvaluationSummary struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// Evaluation is the full result of grading one submission.
type Evaluation struct {
	TestResults   []TestResult      `json:"test_results"`
	Summary       EvaluationSummary `json:"summary"`
	OverallPassed bool              `json:"overall_passed"`
}

// Summarize derives the summary from results.
func Summarize(results []TestResult) EvaluationSummary {
	s := EvaluationSummary{Total: len(results)}
	for _, r := range results {
		if r.Passed {
			s.Passed++
		}
	}
	s.Failed = s.Total - s.Passed
	if s.Total > 0 {
		s.Percentage = int(math.Round(float64(s.Passed) / float64(s.Total) * 100))
	}
	return s
}

// NewEvaluation builds an Evaluation whose summary and overall flag agree with results.
func NewEvaluation(results []TestResult) Evaluation {
	summary := Summarize(results)
	return Evaluation{
		TestResults:   results,
		Summary:       summary,
		OverallPassed: summary.Total > 0 && summary.Percentage == 100,
	}
}
