package service

import (
	"math"

	"codegrade/internal/execution/model"
)

// HiddenPlaceholder replaces hidden test content in student views.
const HiddenPlaceholder = "[Hidden Test Case]"

// ComputeMarks converts a pass percentage into marks out of totalMarks.
func ComputeMarks(percentage, totalMarks int) int {
	if totalMarks <= 0 {
		return 0
	}
	marks := int(math.Round(float64(percentage) / 100 * float64(totalMarks)))
	return min(max(marks, 0), totalMarks)
}

// RedactHidden returns a copy of results with hidden case content masked.
func RedactHidden(results []model.TestResult) []model.TestResult {
	if results == nil {
		return nil
	}
	out := make([]model.TestResult, len(results))
	for i, r := range results {
		if r.Hidden {
			r.Input = HiddenPlaceholder
			r.ExpectedOutput = HiddenPlaceholder
			r.ActualOutput = HiddenPlaceholder
		}
		out[i] = r
	}
	return out
}
