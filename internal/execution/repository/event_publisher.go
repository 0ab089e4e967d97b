package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/execution/language"
	"codegrade/internal/execution/model"
	appErr "codegrade/pkg/errors"
)

// EvaluationEventType is published once per finished evaluation.
const EvaluationEventType = "evaluation.completed"

// EvaluationEvent is the payload published when an evaluation finishes.
type EvaluationEvent struct {
	Type          string                  `json:"type"`
	EvaluationID  string                  `json:"evaluation_id"`
	Language      language.ID             `json:"language"`
	Summary       model.EvaluationSummary `json:"summary"`
	OverallPassed bool                    `json:"overall_passed"`
	CreatedAt     int64                   `json:"created_at"`
}

// NewEvaluationEvent builds the event for a finished evaluation.
func NewEvaluationEvent(id string, lang language.ID, eval model.Evaluation) EvaluationEvent {
	return EvaluationEvent{
		Type:          EvaluationEventType,
		EvaluationID:  id,
		Language:      lang,
		Summary:       eval.Summary,
		OverallPassed: eval.OverallPassed,
		CreatedAt:     time.Now().Unix(),
	}
}

// EventPublisher publishes evaluation events for downstream consumers.
type EventPublisher interface {
	PublishEvaluation(ctx context.Context, event EvaluationEvent) error
	PublishEvaluations(ctx context.Context, events []EvaluationEvent) error
}

// MQEventPublisher publishes evaluation events to a message queue topic.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a publisher. A nil producer yields a publisher that drops events.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	return &MQEventPublisher{producer: producer, topic: topic}
}

// PublishEvaluation publishes a single evaluation event.
func (p *MQEventPublisher) PublishEvaluation(ctx context.Context, event EvaluationEvent) error {
	return p.PublishEvaluations(ctx, []EvaluationEvent{event})
}

// PublishEvaluations publishes events in one batch.
func (p *MQEventPublisher) PublishEvaluations(ctx context.Context, events []EvaluationEvent) error {
	if p == nil || p.producer == nil || len(events) == 0 {
		return nil
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("evaluation topic is required")
	}
	messages := make([]*mq.Message, 0, len(events))
	for _, event := range events {
		if event.EvaluationID == "" {
			return appErr.ValidationError("evaluation_id", "required")
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal evaluation event failed: %w", err)
		}
		message := mq.NewMessage(payload)
		message.ID = event.EvaluationID
		message.SetHeader("type", event.Type)
		messages = append(messages, message)
	}
	var err error
	if len(messages) == 1 {
		err = p.producer.Publish(ctx, p.topic, messages[0])
	} else {
		err = p.producer.PublishBatch(ctx, p.topic, messages)
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish evaluation event failed")
	}
	return nil
}
