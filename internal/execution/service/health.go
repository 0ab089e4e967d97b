package service

import (
	"context"
	"time"

	"codegrade/internal/execution/language"
	"codegrade/internal/execution/orchestrator"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

const healthPingTimeout = 3 * time.Second

// LimiterStats is a snapshot of the admission gate.
type LimiterStats struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

// HealthReport describes whether the service can run code right now.
type HealthReport struct {
	Status             string             `json:"status"`
	SandboxAvailable   bool               `json:"sandbox_available"`
	SandboxError       string             `json:"sandbox_error,omitempty"`
	SupportedLanguages []language.ID      `json:"supported_languages"`
	DispatchMode       orchestrator.State `json:"dispatch_mode"`
	Limiter            *LimiterStats      `json:"limiter,omitempty"`
}

// Health reports sandbox availability, languages and dispatch state.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:             "healthy",
		SupportedLanguages: s.langs.Supported(),
		DispatchMode:       s.dispatcher.State(),
	}
	if s.sandbox != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		defer cancel()
		if err := s.sandbox.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "sandbox health check failed", zap.Error(err))
			report.SandboxError = err.Error()
		} else {
			report.SandboxAvailable = true
		}
	}
	if !report.SandboxAvailable {
		report.Status = "unhealthy"
	}
	if s.limiter != nil {
		report.Limiter = &LimiterStats{
			Capacity: s.limiter.Capacity(),
			InFlight: s.limiter.InFlight(),
			Waiting:  s.limiter.Waiting(),
		}
	}
	return report
}
