package controller

import (
	"context"

	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/service"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ExecutionService is the grading surface the controller exposes.
type ExecutionService interface {
	Run(ctx context.Context, req service.RunRequest) (result.Outcome, error)
	Evaluate(ctx context.Context, req service.EvaluateRequest) (service.EvaluateResponse, error)
	BulkEvaluate(ctx context.Context, answers []service.AnswerRequest) ([]service.AnswerResult, error)
	Health(ctx context.Context) service.HealthReport
}

// ExecutionController handles code execution HTTP endpoints.
type ExecutionController struct {
	svc ExecutionService
}

// NewExecutionController creates a new controller.
func NewExecutionController(svc ExecutionService) *ExecutionController {
	return &ExecutionController{svc: svc}
}

// Register mounts the routes on group.
func (h *ExecutionController) Register(group *gin.RouterGroup) {
	group.GET("/health", h.Health)
	group.POST("/run", h.Run)
	group.POST("/evaluate", h.Evaluate)
	group.POST("/evaluate/bulk", h.BulkEvaluate)
}

// Health reports sandbox availability. An unavailable sandbox answers 503.
func (h *ExecutionController) Health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	if !report.SandboxAvailable {
		response.ErrorWithData(c, appErr.New(appErr.SandboxUnavailable).WithMessage("sandbox is not available"), report)
		return
	}
	response.Success(c, report)
}

// Run executes code once.
func (h *ExecutionController) Run(c *gin.Context) {
	var req service.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	outcome, err := h.svc.Run(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, outcome)
}

// Evaluate grades code against test cases.
func (h *ExecutionController) Evaluate(c *gin.Context) {
	var req service.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if v := c.Query("view"); v != "" {
		req.View = v
	}
	resp, err := h.svc.Evaluate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// BulkEvaluate grades many answers in one call.
func (h *ExecutionController) BulkEvaluate(c *gin.Context) {
	var req BulkEvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if v := c.Query("view"); v != "" {
		for i := range req.Answers {
			req.Answers[i].View = v
		}
	}
	results, err := h.svc.BulkEvaluate(c.Request.Context(), req.Answers)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, BulkEvaluateResponse{Results: results})
}
