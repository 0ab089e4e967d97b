package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/contextkey"
	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	headerJobName = "x-job-name"

	defaultQueuePrefix = "codegrade:jobs"
	promoteInterval    = 200 * time.Millisecond
	// go-redis rounds blocking timeouts below one second up to one second.
	minBlockTimeout = time.Second
)

// RedisQueueConfig defines configuration for the Redis job queue.
type RedisQueueConfig struct {
	// Prefix namespaces every key the queue touches.
	Prefix  string
	Workers WorkerOptions
}

// RedisQueue implements JobQueue on Redis lists.
//
// Keys:
//
//	<prefix>:wait          list of pending jobs (RPUSH / BLPOP)
//	<prefix>:delayed       sorted set of retries scored by due time in ms
//	<prefix>:reply:<id>    list holding the single reply for a job
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   WorkerOptions

	mu       sync.RWMutex
	handlers map[string]ReplyHandlerFunc
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisQueue creates a job queue over an existing client. The queue owns
// the client from then on and closes it in Close.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultQueuePrefix
	}
	cfg.Workers.SetDefaults()
	return &RedisQueue{
		client:   client,
		prefix:   cfg.Prefix,
		opts:     cfg.Workers,
		handlers: make(map[string]ReplyHandlerFunc),
	}, nil
}

func (q *RedisQueue) waitKey() string    { return q.prefix + ":wait" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) replyKey(id string) string {
	return q.prefix + ":reply:" + id
}

// Enqueue submits a job. A missing ID, timestamp or expiration is filled in.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, message *Message) error {
	if message == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	if name == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job name is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	if message.Expiration == 0 && q.opts.MessageTTL > 0 {
		message.Expiration = q.opts.MessageTTL
	}
	message.SetHeader(headerJobName, name)

	raw, err := json.Marshal(message)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "encode job failed")
	}
	if err := q.client.RPush(ctx, q.waitKey(), raw).Err(); err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "enqueue job failed")
	}
	return nil
}

// Await blocks until the reply for id arrives. It returns ctx.Err() when the
// context ends first.
func (q *RedisQueue) Await(ctx context.Context, id string) (*Reply, error) {
	key := q.replyKey(id)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.BLPop(ctx, minBlockTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "await job %s failed", id)
		}
		var reply Reply
		if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
			return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "decode reply for job %s failed", id)
		}
		return &reply, nil
	}
}

// Handle registers the handler for a job name.
func (q *RedisQueue) Handle(name string, handler ReplyHandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

func (q *RedisQueue) handler(name string) ReplyHandlerFunc {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[name]
}

// Start launches the workers and the delayed-job promoter.
func (q *RedisQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("job queue is closed")
	}
	if q.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.promoteLoop(ctx)
	}()
	q.started = true
	return nil
}

// Stop stops the workers and waits for in-flight jobs to finish.
func (q *RedisQueue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.cancel()
	q.started = false
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Ping verifies the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops the workers and closes the client.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	_ = q.Stop()
	return q.client.Close()
}

func (q *RedisQueue) work(ctx context.Context) {
	limiter := q.opts.Limiter
	for {
		if ctx.Err() != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Acquire(ctx); err != nil {
				return
			}
		}
		res, err := q.client.BLPop(ctx, blockTimeout(q.opts.PollInterval), q.waitKey()).Result()
		if err != nil {
			if limiter != nil {
				limiter.Release()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "fetch job failed", zap.String("queue", q.prefix), zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if ctx.Err() != nil {
			// Popped during shutdown; hand it back for the next worker.
			_ = q.client.LPush(context.Background(), q.waitKey(), res[1]).Err()
			if limiter != nil {
				limiter.Release()
			}
			return
		}
		q.process(ctx, res[1])
		if limiter != nil {
			limiter.Release()
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Error(ctx, "drop undecodable job", zap.String("queue", q.prefix), zap.Error(err))
		return
	}
	// Jobs already fetched run to completion even when the queue is stopping.
	ctx = context.WithValue(context.WithoutCancel(ctx), contextkey.JobID, msg.ID)
	name, _ := msg.GetHeader(headerJobName)

	handler := q.handler(name)
	if handler == nil {
		q.fail(ctx, &msg, appErr.Newf(appErr.JobFailed, "no handler registered for job %q", name))
		return
	}
	if msg.Expired(time.Now()) {
		logger.Warn(ctx, "job expired before running", zap.String("job", name), zap.Int("retry_count", msg.RetryCount))
		q.fail(ctx, &msg, appErr.New(appErr.JobExpired).WithMessagef("job %s expired", msg.ID))
		return
	}

	jobCtx := ctx
	if deadline := msg.Deadline(); !deadline.IsZero() {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	body, err := safeHandle(jobCtx, handler, &msg)
	if err == nil {
		q.reply(ctx, &Reply{ID: msg.ID, Status: ReplyCompleted, Body: body, Attempts: msg.RetryCount + 1})
		return
	}

	if jobCtx.Err() != nil {
		// A retry would start past the deadline and be expired anyway.
		logger.Warn(ctx, "job ran out of time", zap.String("job", name), zap.Error(err))
		q.fail(ctx, &msg, appErr.Wrapf(err, appErr.JobExpired, "job %s expired while running: %v", msg.ID, err))
		return
	}

	code := appErr.GetCode(err)
	if !code.IsCallerError() && msg.ShouldRetry() {
		msg.IncrementRetry()
		delay := ComputeBackoff(msg.RetryCount, q.opts.RetryDelay, q.opts.MaxRetryDelay)
		schedErr := q.schedule(ctx, &msg, delay)
		if schedErr == nil {
			logger.Info(ctx, "job retry scheduled",
				zap.String("job", name),
				zap.Int("retry_count", msg.RetryCount),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			return
		}
		logger.Warn(ctx, "schedule job retry failed", zap.String("job", name), zap.Error(schedErr))
	}
	q.fail(ctx, &msg, err)
}

func safeHandle(ctx context.Context, handler ReplyHandlerFunc, msg *Message) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.InternalServerError, "job handler panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (q *RedisQueue) schedule(ctx context.Context, msg *Message, delay time.Duration) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(raw)}).Err()
}

func (q *RedisQueue) fail(ctx context.Context, msg *Message, err error) {
	q.reply(ctx, &Reply{
		ID:       msg.ID,
		Status:   ReplyFailed,
		Code:     appErr.GetCode(err),
		Error:    err.Error(),
		Attempts: msg.RetryCount + 1,
	})
}

func (q *RedisQueue) reply(ctx context.Context, reply *Reply) {
	reply.FinishedAt = time.Now()
	raw, err := json.Marshal(reply)
	if err != nil {
		logger.Error(ctx, "encode reply failed", zap.Error(err))
		return
	}
	key := q.replyKey(reply.ID)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, q.opts.ResultTTL)
		return nil
	})
	if err != nil {
		logger.Error(ctx, "write reply failed", zap.String("key", key), zap.Error(err))
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promote(ctx, time.Now()); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "promote delayed jobs failed", zap.String("queue", q.prefix), zap.Error(err))
			}
		}
	}
}

// promote moves due retries to the wait list. ZREM decides ownership, so a
// job is promoted once even with several queue instances running.
func (q *RedisQueue) promote(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed != 1 {
			continue
		}
		if err := q.client.RPush(ctx, q.waitKey(), member).Err(); err != nil {
			return fmt.Errorf("requeue delayed job failed: %w", err)
		}
	}
	return nil
}

func blockTimeout(d time.Duration) time.Duration {
	if d < minBlockTimeout {
		return minBlockTimeout
	}
	return d
}
