package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const asynqQueueName = "webhookd"

// AsynqQueue is a Redis-backed durable queue. Tasks are never retried by
// asynq itself; retries are new tasks scheduled by the caller.
type AsynqQueue struct {
	redisOpt    asynq.RedisClientOpt
	client      *asynq.Client
	concurrency int
	logger      *zap.Logger
}

var _ Queue = (*AsynqQueue)(nil)

func NewAsynqQueue(redisURL string, concurrency int, logger *zap.Logger) (*AsynqQueue, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}

	return &AsynqQueue{
		redisOpt:    redisOpt,
		client:      asynq.NewClient(redisOpt),
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Queue(asynqQueueName)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(task.Type, task.Payload), opts...); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *AsynqQueue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	server := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: q.concurrency,
		Queues:      map[string]int{asynqQueueName: 1},
		Logger:      q.logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			q.logger.Error("job failed",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	if err := server.Start(asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		return handler(ctx, Task{Type: task.Type(), Payload: task.Payload()})
	})); err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}

	<-ctx.Done()
	server.Shutdown()
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
