package jobqueue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when work cannot be accepted: the queue is full,
// closed or its broker is unreachable.
var ErrUnavailable = errors.New("job queue unavailable")

const TypeHook = "hook:run"

// Task is an opaque unit of work.
type Task struct {
	Type    string
	Payload []byte
}

type Handler func(ctx context.Context, task Task) error

// Queue schedules tasks for bounded concurrent execution.
type Queue interface {
	// Enqueue never blocks on a full queue; it fails with ErrUnavailable.
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// Start runs handler on queued tasks until ctx is canceled.
	Start(ctx context.Context, handler Handler) error
	Close() error
}
