package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWorkers  = 16
	defaultCapacity = 1024
)

// LocalPool is an in-process bounded worker pool with delayed execution.
// Delayed tasks are lost on restart.
type LocalPool struct {
	workers int
	jobs    chan Task
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

var _ Queue = (*LocalPool)(nil)

func NewLocalPool(workers, capacity int, logger *zap.Logger) *LocalPool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LocalPool{
		workers: workers,
		jobs:    make(chan Task, capacity),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (p *LocalPool) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: pool is closed", ErrUnavailable)
	}

	if delay <= 0 {
		select {
		case p.jobs <- task:
			return nil
		default:
			return fmt.Errorf("%w: pool is full", ErrUnavailable)
		}
	}

	time.AfterFunc(delay, func() {
		select {
		case p.jobs <- task:
		case <-p.done:
		}
	})
	return nil
}

func (p *LocalPool) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, handler)
		}()
	}

	wg.Wait()
	return nil
}

func (p *LocalPool) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case task := <-p.jobs:
			p.run(ctx, handler, task)
		}
	}
}

func (p *LocalPool) run(ctx context.Context, handler Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("type", task.Type),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler(ctx, task); err != nil {
		p.logger.Error("job failed",
			zap.String("type", task.Type),
			zap.Error(err),
		)
	}
}

func (p *LocalPool) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}
