package service

import (
	"testing"

	"codegrade/internal/execution/model"
)

func TestComputeMarks(t *testing.T) {
	cases := []struct {
		percentage int
		total      int
		want       int
	}{
		{100, 10, 10},
		{0, 10, 0},
		{67, 10, 7},
		{33, 10, 3},
		{50, 5, 3},
		{25, 2, 1},
		{50, 0, 0},
		{120, 10, 10},
		{-5, 10, 0},
	}
	for _, tc := range cases {
		if got := ComputeMarks(tc.percentage, tc.total); got != tc.want {
			t.Fatalf("ComputeMarks(%d, %d): expected %d, got %d", tc.percentage, tc.total, tc.want, got)
		}
	}
}

func TestRedactHidden(t *testing.T) {
	results := []model.TestResult{
		{Index: 1, Input: "1", ExpectedOutput: "1", ActualOutput: "1", Passed: true},
		{Index: 2, Input: "2", ExpectedOutput: "3", ActualOutput: "4", Hidden: true, Error: "boom"},
	}
	redacted := RedactHidden(results)

	if redacted[0] != results[0] {
		t.Fatalf("expected visible result unchanged, got %+v", redacted[0])
	}
	hidden := redacted[1]
	if hidden.Input != HiddenPlaceholder || hidden.ExpectedOutput != HiddenPlaceholder || hidden.ActualOutput != HiddenPlaceholder {
		t.Fatalf("expected hidden content masked, got %+v", hidden)
	}
	if hidden.Index != 2 || hidden.Passed || hidden.Error != "boom" {
		t.Fatalf("expected verdict fields kept, got %+v", hidden)
	}
	if results[1].Input != "2" {
		t.Fatalf("expected input slice untouched")
	}
	if RedactHidden(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}
