package orchestrator

import (
	"context"

	"codegrade/internal/common/mq"
)

// RedisConnector dials the Redis job queue described by cfg.
func RedisConnector(cfg *mq.RedisConfig, prefix string) QueueConnector {
	return func(ctx context.Context, opts mq.WorkerOptions) (mq.JobQueue, error) {
		client, err := mq.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		q, err := mq.NewRedisQueue(client, mq.RedisQueueConfig{Prefix: prefix, Workers: opts})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return q, nil
	}
}
