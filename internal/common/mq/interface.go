package mq

import (
	"context"
	"time"

	appErr "codegrade/pkg/errors"
)

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch publishes multiple messages in a batch
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// Close releases the underlying connection
	Close() error
}

// JobQueue is a request/reply work queue: callers enqueue named jobs and
// await exactly one reply per job, workers run registered handlers.
type JobQueue interface {
	// Enqueue submits a job under the handler name.
	Enqueue(ctx context.Context, name string, message *Message) error

	// Await blocks until the job's reply arrives or ctx ends.
	Await(ctx context.Context, id string) (*Reply, error)

	// Handle registers the handler for a job name. Must be called before Start.
	Handle(name string, handler ReplyHandlerFunc)

	// Start launches the workers
	Start() error

	// Stop gracefully stops the workers
	Stop() error

	// Ping verifies the queue connection is alive
	Ping(ctx context.Context) error

	// Close stops the workers and closes the connection
	Close() error
}

// FetchLimiter gates how many jobs a worker pool pulls at once.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Message represents a message in the queue
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// Retry information
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Expiration is how long after Timestamp the message stays runnable
	Expiration time.Duration `json:"expiration"`
}

// ReplyHandlerFunc processes a job and returns the reply body.
type ReplyHandlerFunc func(ctx context.Context, message *Message) ([]byte, error)

// ReplyStatus is the terminal state of a job.
type ReplyStatus string

const (
	ReplyCompleted ReplyStatus = "completed"
	ReplyFailed    ReplyStatus = "failed"
)

// Reply is the single answer written for a job.
type Reply struct {
	ID         string           `json:"id"`
	Status     ReplyStatus      `json:"status"`
	Body       []byte           `json:"body,omitempty"`
	Code       appErr.ErrorCode `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	FinishedAt time.Time        `json:"finished_at"`
}

// WorkerOptions defines how a job queue consumes work
type WorkerOptions struct {
	// Concurrency sets the number of concurrent workers
	// Default: 1
	Concurrency int

	// RetryDelay is the base of the exponential retry backoff
	// Default: 1 second
	RetryDelay time.Duration

	// MaxRetryDelay caps the retry backoff
	// Default: 1 minute
	MaxRetryDelay time.Duration

	// MessageTTL is applied to messages enqueued without an expiration
	MessageTTL time.Duration

	// ResultTTL is how long an unread reply is kept
	// Default: 10 minutes
	ResultTTL time.Duration

	// PollInterval bounds how long a worker blocks before rechecking for stop
	// Default: 1 second
	PollInterval time.Duration

	// Limiter, when set, gates fetching so workers never hold more jobs than it admits
	Limiter FetchLimiter
}

// SetDefaults sets default values for worker options
func (o *WorkerOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = time.Minute
	}
	if o.ResultTTL == 0 {
		o.ResultTTL = 10 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// ShouldRetry determines if the message should be retried
func (m *Message) ShouldRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// IncrementRetry increments the retry count
func (m *Message) IncrementRetry() {
	m.RetryCount++
}

// Expired reports whether the message outlived its expiration at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}

// Deadline is when the message expires, zero when it never does.
func (m *Message) Deadline() time.Time {
	if m.Expiration <= 0 || m.Timestamp.IsZero() {
		return time.Time{}
	}
	return m.Timestamp.Add(m.Expiration)
}
