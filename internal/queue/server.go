package queue

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

type ServerConfig struct {
	Concurrency int
	Logger      *slog.Logger
}

// NewServer builds the worker server for the publish and engagement lanes.
// Engagement collection has its own queue so a backlog of polls never
// delays publishing.
func NewServer(redisOpt asynq.RedisConnOpt, cfg ServerConfig) *asynq.Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueuePublish:    6,
				QueueEngagement: 3,
				"default":       1,
			},
			RetryDelayFunc: RetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Warn("task failed",
					"type", task.Type(),
					"retried", retried,
					"max_retry", maxRetry,
					"error", err,
				)
			}),
		},
	)
}
