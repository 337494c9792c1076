package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/jobqueue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const rateLimitRequeueDelay = time.Second

// HookRunner executes hooks: one delivery attempt per task, one log row per
// attempt, and a delayed resubmission of the same hook on retryable failure.
type HookRunner struct {
	backends    *backend.Registry
	logs        repository.HookLogRepository
	queue       jobqueue.Queue
	rateLimiter ratelimit.RateLimiter
	maxAttempts int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewHookRunner(
	backends *backend.Registry,
	logs repository.HookLogRepository,
	queue jobqueue.Queue,
	rateLimiter ratelimit.RateLimiter,
	maxAttempts int,
	logger *zap.Logger,
) (*HookRunner, error) {
	if backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("hook log repository is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultHookMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HookRunner{
		backends:    backends,
		logs:        logs,
		queue:       queue,
		rateLimiter: rateLimiter,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (r *HookRunner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Submit schedules the first attempt of a new hook and returns its uuid.
// Enqueue failures are returned to the caller, wrapping jobqueue.ErrUnavailable.
func (r *HookRunner) Submit(ctx context.Context, subscription domain.Subscription, event domain.Event) (string, error) {
	task := domain.HookTask{
		UUID:         uuid.NewString(),
		Backend:      subscription.Service,
		Subscription: subscription.Clone(),
		Event:        event,
		Attempt:      1,
		MaxAttempts:  r.maxAttempts,
	}

	if err := r.enqueue(ctx, task, 0); err != nil {
		return "", err
	}
	return task.UUID, nil
}

// Start consumes hook tasks from the queue until ctx is canceled.
func (r *HookRunner) Start(ctx context.Context) error {
	return r.queue.Start(ctx, r.handleTask)
}

func (r *HookRunner) handleTask(ctx context.Context, task jobqueue.Task) error {
	if task.Type != jobqueue.TypeHook {
		return fmt.Errorf("unexpected task type %q", task.Type)
	}

	var hook domain.HookTask
	if err := json.Unmarshal(task.Payload, &hook); err != nil {
		return fmt.Errorf("failed to decode hook task: %w", err)
	}
	return r.Process(ctx, hook)
}

func (r *HookRunner) enqueue(ctx context.Context, task domain.HookTask, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode hook task: %w", err)
	}
	return r.queue.Enqueue(ctx, jobqueue.Task{Type: jobqueue.TypeHook, Payload: payload}, delay)
}

// Process runs one attempt of a hook and records its outcome. Only
// unexpected errors are returned; classified delivery failures are recorded
// and, when retryable, rescheduled.
func (r *HookRunner) Process(ctx context.Context, task domain.HookTask) error {
	ctx = observability.WithHookUUID(ctx, task.UUID)
	logger := observability.WithContextLogger(r.logger, ctx).With(
		zap.String("subscriptionUuid", task.Subscription.UUID),
		zap.String("eventName", task.Event.Name),
		zap.Int("attempt", task.Attempt),
	)

	startedAt := r.now().UTC()

	b, ok := r.backends.Get(task.Backend)
	if !ok {
		logger.Error("unknown backend", zap.String("backend", task.Backend))
		_, err := r.record(ctx, logger, task, domain.HookStatusError, startedAt,
			backend.Detail{"error": fmt.Sprintf("unknown backend %q", task.Backend)})
		return err
	}

	if r.rateLimiter != nil {
		if err := r.rateLimiter.Wait(ctx, task.Backend); err != nil {
			switch {
			case errors.Is(err, ratelimit.ErrWaitExceeded):
				logger.Warn("backend rate limited, rescheduling attempt")
				if err := r.enqueue(ctx, task, rateLimitRequeueDelay); err != nil {
					return r.abandon(ctx, logger, task, startedAt, fmt.Errorf("failed to reschedule rate limited hook %s: %w", task.UUID, err))
				}
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				logger.Warn("rate limiter unavailable, delivering without limit", zap.Error(err))
			}
		}
	}

	r.metrics.IncHookInFlight(task.Backend)
	detail, err := b.Run(ctx, backend.Request{
		Config:       task.Subscription.Config,
		Subscription: task.Subscription,
		Event:        task.Event,
		HookUUID:     task.UUID,
		Attempt:      task.Attempt,
	})
	r.metrics.DecHookInFlight(task.Backend)
	r.metrics.ObserveHookDuration(task.Backend, r.now().UTC().Sub(startedAt))

	var retryable *backend.RetryableFailure
	var terminal *backend.TerminalFailure

	switch {
	case err == nil:
		_, err := r.record(ctx, logger, task, domain.HookStatusSuccess, startedAt, detail)
		return err

	case errors.Is(err, backend.ErrDeliverySkipped):
		r.metrics.IncHook(task.Backend, "skipped")
		logger.Debug("delivery skipped")
		return nil

	case errors.As(err, &retryable):
		failureDetail := withError(retryable.Detail, err)
		if task.Exhausted() {
			logger.Warn("hook attempts exhausted", zap.Int("maxAttempts", task.MaxAttempts), zap.Error(err))
			_, err := r.record(ctx, logger, task, domain.HookStatusError, startedAt, failureDetail)
			return err
		}

		dropped, err := r.record(ctx, logger, task, domain.HookStatusFailure, startedAt, failureDetail)
		if err != nil || dropped {
			return err
		}
		return r.retry(ctx, logger, task)

	case errors.As(err, &terminal):
		logger.Warn("hook failed permanently", zap.Error(err))
		_, err := r.record(ctx, logger, task, domain.HookStatusError, startedAt, withError(terminal.Detail, err))
		return err

	default:
		logger.Error("hook raised an unexpected error", zap.Error(err))
		if _, recErr := r.record(ctx, logger, task, domain.HookStatusError, startedAt, backend.Detail{"error": err.Error()}); recErr != nil {
			return errors.Join(err, recErr)
		}
		return err
	}
}

// abandon records an error row for a hook that can no longer be scheduled
// and returns err.
func (r *HookRunner) abandon(ctx context.Context, logger *zap.Logger, task domain.HookTask, startedAt time.Time, err error) error {
	logger.Error("hook abandoned", zap.Error(err))
	if _, recErr := r.record(ctx, logger, task, domain.HookStatusError, startedAt, backend.Detail{"error": err.Error()}); recErr != nil {
		return errors.Join(err, recErr)
	}
	return err
}

func (r *HookRunner) retry(ctx context.Context, logger *zap.Logger, task domain.HookTask) error {
	delay := task.RetryDelay()
	next := task.Next()

	if err := r.enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("failed to schedule attempt %d of hook %s: %w", next.Attempt, task.UUID, err)
	}

	r.metrics.IncRetryScheduled(task.Backend)
	logger.Info("hook retry scheduled",
		zap.Int("nextAttempt", next.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// record writes the attempt row. A subscription deleted while the hook was
// running makes the write fail with domain.ErrSubscriptionGone; the row is
// dropped and reported so the caller schedules nothing further.
func (r *HookRunner) record(
	ctx context.Context,
	logger *zap.Logger,
	task domain.HookTask,
	status domain.HookStatus,
	startedAt time.Time,
	detail backend.Detail,
) (dropped bool, err error) {
	event, err := json.Marshal(task.Event)
	if err != nil {
		return false, fmt.Errorf("failed to encode hook event: %w", err)
	}
	if detail == nil {
		detail = backend.Detail{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON, _ = json.Marshal(backend.Detail{"error": fmt.Sprintf("detail is not serializable: %v", err)})
	}

	row := &domain.HookLog{
		UUID:             task.UUID,
		Attempts:         task.Attempt,
		SubscriptionUUID: task.Subscription.UUID,
		Status:           status,
		StartedAt:        startedAt,
		EndedAt:          r.now().UTC(),
		MaxAttempts:      task.MaxAttempts,
		Event:            event,
		Detail:           detailJSON,
	}

	r.metrics.IncHook(task.Backend, status.String())

	if err := r.logs.Create(ctx, row); err != nil {
		if errors.Is(err, domain.ErrSubscriptionGone) {
			r.metrics.IncHookLogDropped(task.Backend)
			logger.Debug("subscription deleted during hook, dropping log row")
			return true, nil
		}
		return false, fmt.Errorf("failed to record hook attempt: %w", err)
	}

	logger.Debug("hook attempt recorded", zap.String("status", status.String()))
	return false, nil
}

func withError(detail backend.Detail, err error) backend.Detail {
	out := make(backend.Detail, len(detail)+1)
	for k, v := range detail {
		out[k] = v
	}
	if _, ok := out["error"]; !ok && err != nil {
		out["error"] = err.Error()
	}
	return out
}
