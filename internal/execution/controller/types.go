package controller

import "codegrade/internal/execution/service"

// BulkEvaluateRequest is the body of POST /evaluate/bulk.
type BulkEvaluateRequest struct {
	Answers []service.AnswerRequest `json:"answers"`
}

// BulkEvaluateResponse holds one result per answer, in request order.
type BulkEvaluateResponse struct {
	Results []service.AnswerResult `json:"results"`
}
