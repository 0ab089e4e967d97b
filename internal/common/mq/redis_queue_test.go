package mq

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	appErr "codegrade/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts WorkerOptions) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	q, err := NewRedisQueue(client, RedisQueueConfig{Prefix: "test", Workers: opts})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func awaitReply(t *testing.T, q *RedisQueue, id string) *Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := q.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return reply
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, mr := newTestQueue(t, WorkerOptions{Concurrency: 2})
	q.Handle("upper", func(_ context.Context, msg *Message) ([]byte, error) {
		return []byte(strings.ToUpper(string(msg.Body))), nil
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage([]byte("hello"))
	if err := q.Enqueue(context.Background(), "upper", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if msg.ID == "" {
		t.Fatalf("expected enqueue to assign an id")
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Status != ReplyCompleted || string(reply.Body) != "HELLO" || reply.Attempts != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if mr.Exists("test:reply:" + msg.ID) {
		t.Fatalf("reply must be consumed by await")
	}
}

func TestRedisQueueRetriesThenSucceeds(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	var calls atomic.Int32
	q.Handle("flaky", func(context.Context, *Message) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage(nil)
	msg.MaxRetries = 1
	if err := q.Enqueue(context.Background(), "flaky", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Status != ReplyCompleted || reply.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", reply)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls.Load())
	}
}

func TestRedisQueueExhaustedRetriesRelayCode(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	var calls atomic.Int32
	q.Handle("broken", func(context.Context, *Message) ([]byte, error) {
		calls.Add(1)
		return nil, appErr.New(appErr.SandboxUnavailable).WithMessage("docker daemon is unreachable")
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage(nil)
	msg.MaxRetries = 1
	if err := q.Enqueue(context.Background(), "broken", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Status != ReplyFailed || reply.Code != appErr.SandboxUnavailable {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Error != "docker daemon is unreachable" || reply.Attempts != 2 {
		t.Fatalf("unexpected failure detail: %+v", reply)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestRedisQueueDoesNotRetryCallerErrors(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	var calls atomic.Int32
	q.Handle("bad", func(context.Context, *Message) ([]byte, error) {
		calls.Add(1)
		return nil, appErr.New(appErr.LanguageNotSupported)
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage(nil)
	msg.MaxRetries = 3
	if err := q.Enqueue(context.Background(), "bad", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Code != appErr.LanguageNotSupported || calls.Load() != 1 {
		t.Fatalf("expected a single attempt relaying the code, got %+v after %d calls", reply, calls.Load())
	}
}

func TestRedisQueueNeverRunsExpiredJobs(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	var calls atomic.Int32
	q.Handle("late", func(context.Context, *Message) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})

	msg := NewMessage(nil)
	msg.Timestamp = time.Now().Add(-time.Hour)
	msg.Expiration = time.Second
	if err := q.Enqueue(context.Background(), "late", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Status != ReplyFailed || reply.Code != appErr.JobExpired {
		t.Fatalf("expected expired reply, got %+v", reply)
	}
	if calls.Load() != 0 {
		t.Fatalf("expired job must not run")
	}
}

func TestRedisQueueHandlerSeesJobDeadline(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	q.Handle("deadline", func(ctx context.Context, _ *Message) ([]byte, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("no deadline")
		}
		return []byte("ok"), nil
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage(nil)
	msg.Expiration = time.Minute
	if err := q.Enqueue(context.Background(), "deadline", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reply := awaitReply(t, q, msg.ID); reply.Status != ReplyCompleted {
		t.Fatalf("expected handler to run under the job deadline, got %+v", reply)
	}
}

func TestRedisQueueJobOutlivingDeadlineExpiresWithoutRetry(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	var calls atomic.Int32
	q.Handle("slow", func(ctx context.Context, _ *Message) ([]byte, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "sandbox run interrupted")
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage(nil)
	msg.MaxRetries = 1
	msg.Expiration = 50 * time.Millisecond
	if err := q.Enqueue(context.Background(), "slow", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reply := awaitReply(t, q, msg.ID)
	if reply.Status != ReplyFailed || reply.Code != appErr.JobExpired {
		t.Fatalf("expected expired reply, got %+v", reply)
	}
	if calls.Load() != 1 || reply.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d calls and %+v", calls.Load(), reply)
	}
}

func TestRedisQueueUnknownJobFails(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	msg := NewMessage(nil)
	if err := q.Enqueue(context.Background(), "missing", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reply := awaitReply(t, q, msg.ID); reply.Code != appErr.JobFailed {
		t.Fatalf("expected JobFailed, got %+v", reply)
	}
}

func TestRedisQueueAwaitHonorsContext(t *testing.T) {
	q, _ := newTestQueue(t, WorkerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	_, err := q.Await(ctx, "nobody")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRedisQueueEnqueueReportsTransportFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	q, err := NewRedisQueue(client, RedisQueueConfig{Prefix: "test"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	err = q.Enqueue(context.Background(), "any", NewMessage(nil))
	if !appErr.Is(err, appErr.QueueUnavailable) {
		t.Fatalf("expected QueueUnavailable, got %v", err)
	}
}

func TestRedisQueuePromoteMovesDueJobsOnce(t *testing.T) {
	q, mr := newTestQueue(t, WorkerOptions{})
	ctx := context.Background()
	if err := q.schedule(ctx, &Message{ID: "due"}, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.schedule(ctx, &Message{ID: "later"}, time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	now := time.Now().Add(time.Second)
	if err := q.promote(ctx, now); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := q.promote(ctx, now); err != nil {
		t.Fatalf("promote again: %v", err)
	}
	waiting, err := mr.List("test:wait")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 1 || !strings.Contains(waiting[0], `"id":"due"`) {
		t.Fatalf("expected only the due job promoted once, got %v", waiting)
	}
	members, err := mr.ZMembers("test:delayed")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected the later job to stay delayed, got %v %v", members, err)
	}
}
