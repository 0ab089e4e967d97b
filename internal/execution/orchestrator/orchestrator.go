// Package orchestrator routes execution work through the distributed job
// queue when one is reachable and through the in-process limiter otherwise.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/execution/evaluator"
	"codegrade/internal/execution/language"
	"codegrade/internal/execution/limiter"
	"codegrade/internal/execution/model"
	"codegrade/internal/execution/sandbox/observer"
	"codegrade/internal/execution/sandbox/result"
	"codegrade/internal/execution/sandbox/runner"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the dispatch mode.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateDirectOnly    State = "direct_only"
	StateQueueActive   State = "queue_active"
)

// Job names registered on the queue.
const (
	JobEvaluate = "evaluate"
	JobExecute  = "execute"
)

const (
	defaultJobTimeout     = 120 * time.Second
	defaultAttempts       = 2
	defaultBackoff        = 3 * time.Second
	defaultMaxBackoff     = time.Minute
	defaultConnectTimeout = 5 * time.Second
)

// QueueConnector dials the job queue. It receives the worker options the
// queue must run with.
type QueueConnector func(ctx context.Context, opts mq.WorkerOptions) (mq.JobQueue, error)

// Evaluator grades a submission against test cases.
type Evaluator interface {
	Evaluate(ctx context.Context, sub model.Submission, cases []model.TestCase) (model.Evaluation, error)
}

// Config holds the dispatch settings.
type Config struct {
	// JobTimeout bounds one queued job end to end, including the wait for its reply.
	JobTimeout time.Duration
	// Attempts is the total number of runs a failed job gets.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// WorkerConcurrency defaults to the limiter capacity.
	WorkerConcurrency int
	ResultTTL         time.Duration
	ConnectTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Deps are the collaborators the orchestrator dispatches to.
type Deps struct {
	Runner    evaluator.Executor
	Evaluator Evaluator
	Languages *language.Registry
	Limiter   *limiter.Limiter
	// Connector is nil when no queue endpoint is configured.
	Connector QueueConnector
	Metrics   observer.MetricsRecorder
}

// Orchestrator owns the dispatch state. Create one per process and share it.
type Orchestrator struct {
	cfg       Config
	exec      evaluator.Executor
	eval      Evaluator
	langs     *language.Registry
	limiter   *limiter.Limiter
	connector QueueConnector
	metrics   observer.MetricsRecorder

	once  sync.Once
	mu    sync.RWMutex
	state State
	queue mq.JobQueue
}

// New creates an orchestrator. The queue is not dialed until the first call.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.setDefaults()
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(limiter.DefaultMaxConcurrent)
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = deps.Limiter.Capacity()
	}
	if deps.Metrics == nil {
		deps.Metrics = observer.NoopMetricsRecorder{}
	}
	return &Orchestrator{
		cfg:       cfg,
		exec:      deps.Runner,
		eval:      deps.Evaluator,
		langs:     deps.Languages,
		limiter:   deps.Limiter,
		connector: deps.Connector,
		metrics:   deps.Metrics,
		state:     StateUninitialized,
	}
}

// State reports the current dispatch mode.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Limiter exposes the admission gate for instrumentation.
func (o *Orchestrator) Limiter() *limiter.Limiter {
	return o.limiter
}

// Evaluate grades sub against cases.
func (o *Orchestrator) Evaluate(ctx context.Context, sub model.Submission, cases []model.TestCase) (model.Evaluation, error) {
	if len(cases) == 0 {
		return model.Evaluation{}, appErr.New(appErr.InvalidParams).WithMessage("at least one test case is required")
	}
	if _, err := o.langs.Resolve(string(sub.Language)); err != nil {
		return model.Evaluation{}, err
	}
	payload := model.EvaluateJob{Submission: sub, TestCases: cases}
	return dispatch(ctx, o, JobEvaluate, payload, func(ctx context.Context) (model.Evaluation, error) {
		return o.eval.Evaluate(ctx, sub, cases)
	})
}

// RunOnce executes sub once with its own stdin.
func (o *Orchestrator) RunOnce(ctx context.Context, sub model.Submission) (result.Outcome, error) {
	if _, err := o.langs.Resolve(string(sub.Language)); err != nil {
		return result.Outcome{}, err
	}
	payload := model.ExecuteJob{Submission: sub}
	return dispatch(ctx, o, JobExecute, payload, func(ctx context.Context) (result.Outcome, error) {
		return o.exec.Run(ctx, runRequest(sub))
	})
}

// Close stops the queue workers if the queue is active.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	q := o.queue
	o.queue = nil
	o.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Close()
}

// transportError marks a queue failure that should trigger fallback.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func dispatch[T any](ctx context.Context, o *Orchestrator, job string, payload any, direct func(context.Context) (T, error)) (T, error) {
	o.init(ctx)

	if q := o.activeQueue(); q != nil {
		out, err := viaQueue[T](ctx, o, q, job, payload)
		if err == nil {
			o.metrics.ObserveDispatch(ctx, job, string(StateQueueActive))
			return out, nil
		}
		var te *transportError
		if !errors.As(err, &te) {
			return out, callerError(err)
		}
		o.fallback(ctx, q, te.err)
	}

	o.metrics.ObserveDispatch(ctx, job, string(StateDirectOnly))
	out, err := limiter.Admit(ctx, o.limiter, direct)
	return out, callerError(err)
}

func viaQueue[T any](ctx context.Context, o *Orchestrator, q mq.JobQueue, job string, payload any) (T, error) {
	var out T
	body, err := json.Marshal(payload)
	if err != nil {
		return out, appErr.Wrapf(err, appErr.InvalidParams, "encode %s job failed", job)
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	msg.MaxRetries = o.cfg.Attempts - 1
	msg.Expiration = o.cfg.JobTimeout

	if err := q.Enqueue(ctx, job, msg); err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &transportError{err: err}
	}

	awaitCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()
	reply, err := q.Await(awaitCtx, msg.ID)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &transportError{err: err}
	}

	switch reply.Status {
	case mq.ReplyCompleted:
		if err := json.Unmarshal(reply.Body, &out); err != nil {
			return out, &transportError{err: appErr.Wrapf(err, appErr.QueueUnavailable, "decode %s result failed", job)}
		}
		return out, nil
	case mq.ReplyFailed:
		if isDomainCode(reply.Code) {
			return out, appErr.New(reply.Code).WithMessage(reply.Error)
		}
		return out, &transportError{err: appErr.Newf(appErr.JobFailed, "job %s failed: %s", msg.ID, reply.Error)}
	default:
		return out, &transportError{err: appErr.Newf(appErr.QueueUnavailable, "job %s returned unknown status %q", msg.ID, reply.Status)}
	}
}

// isDomainCode reports whether a failed job carries an error the direct path
// would have returned too.
func isDomainCode(code appErr.ErrorCode) bool {
	switch code {
	case 0, appErr.Success, appErr.InternalServerError, appErr.Timeout,
		appErr.QueueUnavailable, appErr.JobExpired, appErr.JobFailed:
		return false
	}
	return true
}

// callerError gives bare context errors a typed code.
func callerError(err error) error {
	if err == nil {
		return nil
	}
	var typed *appErr.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return appErr.Wrapf(err, appErr.Timeout, "request canceled before completion")
	}
	return err
}

func (o *Orchestrator) activeQueue() mq.JobQueue {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != StateQueueActive {
		return nil
	}
	return o.queue
}

func (o *Orchestrator) init(ctx context.Context) {
	o.once.Do(func() {
		if o.connector == nil {
			o.setState(StateDirectOnly, nil)
			logger.Info(ctx, "no job queue configured, executing directly",
				zap.Int("max_concurrent", o.limiter.Capacity()))
			return
		}

		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ConnectTimeout)
		defer cancel()
		q, err := o.connector(connectCtx, mq.WorkerOptions{
			Concurrency:   o.cfg.WorkerConcurrency,
			RetryDelay:    o.cfg.Backoff,
			MaxRetryDelay: o.cfg.MaxBackoff,
			MessageTTL:    o.cfg.JobTimeout,
			ResultTTL:     o.cfg.ResultTTL,
			Limiter:       o.limiter,
		})
		if err != nil {
			o.setState(StateDirectOnly, nil)
			logger.Warn(ctx, "job queue unreachable, executing directly", zap.Error(err))
			return
		}
		q.Handle(JobEvaluate, o.handleEvaluate)
		q.Handle(JobExecute, o.handleExecute)
		if err := q.Start(); err != nil {
			_ = q.Close()
			o.setState(StateDirectOnly, nil)
			logger.Warn(ctx, "start job queue workers failed, executing directly", zap.Error(err))
			return
		}
		o.setState(StateQueueActive, q)
		logger.Info(ctx, "job queue active", zap.Int("workers", o.cfg.WorkerConcurrency))
	})
}

func (o *Orchestrator) setState(state State, q mq.JobQueue) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
	o.queue = q
}

// fallback switches to direct mode for good. No reconnect is attempted.
func (o *Orchestrator) fallback(ctx context.Context, q mq.JobQueue, cause error) {
	o.mu.Lock()
	if o.state != StateQueueActive || o.queue != q {
		o.mu.Unlock()
		return
	}
	o.state = StateDirectOnly
	o.queue = nil
	o.mu.Unlock()

	logger.Warn(ctx, "job queue failed, falling back to direct execution", zap.Error(cause))
	go func() {
		if err := q.Close(); err != nil {
			logger.Warn(context.Background(), "close job queue failed", zap.Error(err))
		}
	}()
}

// Queue handlers run inside a worker whose fetch already holds a limiter
// slot, so they call the evaluator and runner directly.

func (o *Orchestrator) handleEvaluate(ctx context.Context, msg *mq.Message) ([]byte, error) {
	var job model.EvaluateJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "decode evaluate job failed")
	}
	ev, err := o.eval.Evaluate(ctx, job.Submission, job.TestCases)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

func (o *Orchestrator) handleExecute(ctx context.Context, msg *mq.Message) ([]byte, error) {
	var job model.ExecuteJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "decode execute job failed")
	}
	outcome, err := o.exec.Run(ctx, runRequest(job.Submission))
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome)
}

func runRequest(sub model.Submission) runner.Request {
	return runner.Request{
		Language:   string(sub.Language),
		SourceCode: sub.SourceCode,
		Stdin:      sub.Stdin,
	}
}
