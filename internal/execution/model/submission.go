package model

import "codegrade/internal/execution/language"

// Submission is the unit of work handed to the dispatch layer.
type Submission struct {
	SourceCode string      `json:"source_code"`
	Language   language.ID `json:"language"`
	Stdin      string      `json:"stdin,omitempty"`
}

// TestCase is one instructor-defined input/expected pair.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

// EvaluateJob is the queue payload for the "evaluate" job.
type EvaluateJob struct {
	Submission Submission `json:"submission"`
	TestCases  []TestCase `json:"test_cases"`
}

// ExecuteJob is the queue payload for the "execute" job.
type ExecuteJob struct {
	Submission Submission `json:"submission"`
}
