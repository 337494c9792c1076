package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/bus"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/jobqueue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
)

type backendFunc func(ctx context.Context, req backend.Request) (backend.Detail, error)

func (f backendFunc) Run(ctx context.Context, req backend.Request) (backend.Detail, error) {
	return f(ctx, req)
}

type enqueued struct {
	task  jobqueue.Task
	delay time.Duration
}

// fakeQueue records enqueued tasks; drain replays them synchronously.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     []enqueued
	enqueueFn func(ctx context.Context, task jobqueue.Task, delay time.Duration) error
}

func (f *fakeQueue) Enqueue(ctx context.Context, task jobqueue.Task, delay time.Duration) error {
	if f.enqueueFn != nil {
		if err := f.enqueueFn(ctx, task, delay); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{task: task, delay: delay})
	return nil
}

func (f *fakeQueue) Start(ctx context.Context, handler jobqueue.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeQueue) Close() error { return nil }

func (f *fakeQueue) pop() (enqueued, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return enqueued{}, false
	}
	next := f.tasks[0]
	f.tasks = f.tasks[1:]
	return next, true
}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

var _ jobqueue.Queue = (*fakeQueue)(nil)

type fakeHookLogRepo struct {
	mu       sync.Mutex
	rows     []domain.HookLog
	createFn func(ctx context.Context, l *domain.HookLog) error
}

func (f *fakeHookLogRepo) Create(ctx context.Context, l *domain.HookLog) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, l); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *l)
	return nil
}

func (f *fakeHookLogRepo) List(ctx context.Context, filter domain.HookLogFilter) ([]domain.HookLog, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.HookLog(nil), f.rows...), int64(len(f.rows)), nil
}

func (f *fakeHookLogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeHookLogRepo) snapshot() []domain.HookLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.HookLog(nil), f.rows...)
}

var _ repository.HookLogRepository = (*fakeHookLogRepo)(nil)

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type busOp struct {
	op      string
	event   string
	headers map[string]any
}

// fakeBus records Subscribe/Unsubscribe calls in order and can deliver an
// event to every live handler whose predicate matches.
type fakeBus struct {
	mu          sync.Mutex
	ops         []busOp
	live        []*bus.Binding
	handlers    map[*bus.Binding]bus.Handler
	subscribeFn func(eventName string) error
	// afterBindFn runs once a binding is live but before Subscribe returns.
	afterBindFn func(eventName string)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[*bus.Binding]bus.Handler)}
}

func (f *fakeBus) Subscribe(eventName string, handler bus.Handler, headers map[string]any, matchAll bool) (*bus.Binding, error) {
	if f.subscribeFn != nil {
		if err := f.subscribeFn(eventName); err != nil {
			return nil, err
		}
	}

	b := &bus.Binding{EventName: eventName, Headers: headers, MatchAll: matchAll}

	f.mu.Lock()
	f.ops = append(f.ops, busOp{op: "bind", event: eventName, headers: headers})
	f.live = append(f.live, b)
	f.handlers[b] = handler
	f.mu.Unlock()

	if f.afterBindFn != nil {
		f.afterBindFn(eventName)
	}
	return b, nil
}

// binding returns the headers of the live binding for eventName.
func (f *fakeBus) binding(eventName string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.live {
		if b.EventName == eventName {
			return b.Headers, true
		}
	}
	return nil, false
}

func (f *fakeBus) Unsubscribe(b *bus.Binding) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, live := range f.live {
		if live == b {
			f.live = append(f.live[:i], f.live[i+1:]...)
			delete(f.handlers, b)
			f.ops = append(f.ops, busOp{op: "unbind", event: b.EventName, headers: b.Headers})
			return true
		}
	}
	return false
}

// deliver invokes the handlers of every live binding matching event.
func (f *fakeBus) deliver(ctx context.Context, event domain.Event) []error {
	f.mu.Lock()
	var targets []bus.Handler
	for _, b := range f.live {
		if b.EventName == event.Name && bus.Match(b.Headers, event.Headers, b.MatchAll) {
			targets = append(targets, f.handlers[b])
		}
	}
	f.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (f *fakeBus) operations() []busOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]busOp(nil), f.ops...)
}

func (f *fakeBus) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []domain.Subscription
	submitFn func(ctx context.Context, s domain.Subscription, e domain.Event) (string, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, s domain.Subscription, e domain.Event) (string, error) {
	if f.submitFn != nil {
		if _, err := f.submitFn(ctx, s, e); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return "hook", nil
}

func (f *fakeSubmitter) submitted() []domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Subscription(nil), f.calls...)
}

type fakeSubscriptionRepo struct {
	mu            sync.Mutex
	byUUID        map[string]domain.Subscription
	createFn      func(ctx context.Context, s *domain.Subscription) error
	deleteOwnerFn func(ctx context.Context, tenantUUID string, userUUID *string) ([]domain.Subscription, error)
}

func newFakeSubscriptionRepo(subs ...domain.Subscription) *fakeSubscriptionRepo {
	f := &fakeSubscriptionRepo{byUUID: make(map[string]domain.Subscription)}
	for _, s := range subs {
		f.byUUID[s.UUID] = s.Clone()
	}
	return f
}

func (f *fakeSubscriptionRepo) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.Subscription, 0, len(f.byUUID))
	for _, uuid := range sortedKeys(f.byUUID) {
		out = append(out, f.byUUID[uuid].Clone())
	}
	return out, nil
}

func (f *fakeSubscriptionRepo) GetByUUID(ctx context.Context, uuid string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.byUUID[uuid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := s.Clone()
	return &c, nil
}

func (f *fakeSubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, s); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUUID[s.UUID] = s.Clone()
	return nil
}

func (f *fakeSubscriptionRepo) Update(ctx context.Context, s *domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byUUID[s.UUID]; !ok {
		return domain.ErrNotFound
	}
	f.byUUID[s.UUID] = s.Clone()
	return nil
}

func (f *fakeSubscriptionRepo) Delete(ctx context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byUUID[uuid]; !ok {
		return domain.ErrNotFound
	}
	delete(f.byUUID, uuid)
	return nil
}

func (f *fakeSubscriptionRepo) DeleteByOwner(ctx context.Context, tenantUUID string, userUUID *string) ([]domain.Subscription, error) {
	if f.deleteOwnerFn != nil {
		return f.deleteOwnerFn(ctx, tenantUUID, userUUID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var deleted []domain.Subscription
	for _, uuid := range sortedKeys(f.byUUID) {
		s := f.byUUID[uuid]
		if s.OwnerTenantUUID != tenantUUID {
			continue
		}
		if userUUID != nil && (s.OwnerUserUUID == nil || *s.OwnerUserUUID != *userUUID) {
			continue
		}
		deleted = append(deleted, s.Clone())
		delete(f.byUUID, uuid)
	}
	return deleted, nil
}

var _ repository.SubscriptionRepository = (*fakeSubscriptionRepo)(nil)

func strPtr(s string) *string { return &s }
