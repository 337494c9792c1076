package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kursadbilgin/webhook-dispatcher/internal/bus"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/jobqueue"
	"go.uber.org/zap"
)

// EventBus is the subset of the bus consumer the registry binds through.
type EventBus interface {
	Subscribe(eventName string, handler bus.Handler, headers map[string]any, matchAll bool) (*bus.Binding, error)
	Unsubscribe(b *bus.Binding) bool
}

// HookSubmitter starts a hook for a matched event.
type HookSubmitter interface {
	Submit(ctx context.Context, subscription domain.Subscription, event domain.Event) (string, error)
}

// SubscriptionLister loads the persisted subscriptions at startup.
type SubscriptionLister interface {
	List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error)
}

// registration is one (subscription, event) binding. Its pointer identity is
// what the bound callback compares against to know it is still current.
// headers is the predicate the binding was declared with.
type registration struct {
	binding *bus.Binding
	headers map[string]any
	// successor is the registration being declared to replace this one.
	successor *registration
}

type registryEntry struct {
	subscription domain.Subscription
	events       map[string]*registration
}

// SubscriptionRegistry keeps the live bus bindings in sync with the
// persisted subscriptions.
type SubscriptionRegistry struct {
	bus              EventBus
	subscriptions    SubscriptionLister
	runner           HookSubmitter
	masterTenantUUID string
	logger           *zap.Logger

	// mutate serializes register, update and unregister. It is held across
	// bus calls; dispatch never takes it.
	mutate sync.Mutex

	// mu guards entries only; it is never held across bus calls.
	mu      sync.Mutex
	entries map[string]*registryEntry
}

func NewSubscriptionRegistry(
	eventBus EventBus,
	subscriptions SubscriptionLister,
	runner HookSubmitter,
	masterTenantUUID string,
	logger *zap.Logger,
) (*SubscriptionRegistry, error) {
	if eventBus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription lister is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("hook submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SubscriptionRegistry{
		bus:              eventBus,
		subscriptions:    subscriptions,
		runner:           runner,
		masterTenantUUID: masterTenantUUID,
		logger:           logger,
		entries:          make(map[string]*registryEntry),
	}, nil
}

// Start registers every persisted subscription.
func (r *SubscriptionRegistry) Start(ctx context.Context) error {
	subscriptions, err := r.subscriptions.List(ctx, domain.SubscriptionFilter{})
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	r.mutate.Lock()
	defer r.mutate.Unlock()

	var errs []error
	for _, s := range subscriptions {
		if err := r.register(s); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info("subscription registry started", zap.Int("subscriptions", len(subscriptions)))
	return errors.Join(errs...)
}

// OnChange applies a committed subscription mutation to the bus bindings.
func (r *SubscriptionRegistry) OnChange(_ context.Context, change domain.SubscriptionChange) error {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	switch change.Kind {
	case domain.ChangeCreated:
		if change.New == nil {
			return fmt.Errorf("created change without subscription")
		}
		return r.register(*change.New)
	case domain.ChangeUpdated:
		if change.New == nil {
			return fmt.Errorf("updated change without subscription")
		}
		return r.update(*change.New)
	case domain.ChangeDeleted:
		if change.Old == nil {
			return fmt.Errorf("deleted change without subscription")
		}
		r.unregister(change.Old.UUID)
		return nil
	default:
		return fmt.Errorf("unknown subscription change %q", change.Kind)
	}
}

// Headers derives the header predicate of a subscription.
func (r *SubscriptionRegistry) Headers(s domain.Subscription) map[string]any {
	headers := map[string]any{
		"x-subscription": s.UUID,
	}
	if s.OwnerTenantUUID != "" && s.OwnerTenantUUID != r.masterTenantUUID {
		headers["tenant_uuid"] = s.OwnerTenantUUID
	}
	if s.EventsUserUUID != nil && *s.EventsUserUUID != "" {
		headers["user_uuid:"+*s.EventsUserUUID] = true
	}
	if s.EventsWazoUUID != nil && *s.EventsWazoUUID != "" {
		headers["origin_uuid"] = *s.EventsWazoUUID
	}
	return headers
}

// Bindings returns the live bindings of a subscription keyed by event name.
func (r *SubscriptionRegistry) Bindings(subscriptionUUID string) map[string]*bus.Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[subscriptionUUID]
	if !ok {
		return nil
	}

	out := make(map[string]*bus.Binding, len(entry.events))
	for event, reg := range entry.events {
		if reg.binding != nil {
			out[event] = reg.binding
		}
	}
	return out
}

func (r *SubscriptionRegistry) register(s domain.Subscription) error {
	r.mu.Lock()
	if _, exists := r.entries[s.UUID]; exists {
		r.mu.Unlock()
		return r.update(s)
	}

	headers := r.Headers(s)
	entry := &registryEntry{
		subscription: s.Clone(),
		events:       make(map[string]*registration, len(s.Events)),
	}
	for _, event := range s.Events {
		entry.events[event] = &registration{headers: headers}
	}
	r.entries[s.UUID] = entry
	regs := maps.Clone(entry.events)
	r.mu.Unlock()

	var errs []error
	for _, event := range sortedKeys(regs) {
		if err := r.bind(s.UUID, entry, event, regs[event]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// update diffs the live entry against s. Removed events are unbound, added
// events are bound, and events whose bound predicate differs from the new one
// get their new binding declared before the old one is dropped. The diff is
// taken against what is actually bound, so re-applying an update after a
// failed declaration converges.
func (r *SubscriptionRegistry) update(s domain.Subscription) error {
	headers := r.Headers(s)

	r.mu.Lock()
	entry, ok := r.entries[s.UUID]
	if !ok {
		r.mu.Unlock()
		return r.register(s)
	}

	entry.subscription = s.Clone()

	wanted := make(map[string]struct{}, len(s.Events))
	for _, event := range s.Events {
		wanted[event] = struct{}{}
	}

	var removed []*bus.Binding
	stale := make(map[string]*registration)
	for event, reg := range entry.events {
		if _, ok := wanted[event]; !ok {
			if reg.binding != nil {
				removed = append(removed, reg.binding)
			}
			delete(entry.events, event)
			continue
		}
		if !maps.Equal(reg.headers, headers) {
			stale[event] = reg
		}
	}

	added := make(map[string]*registration)
	for event := range wanted {
		if _, ok := entry.events[event]; !ok {
			reg := &registration{headers: headers}
			entry.events[event] = reg
			added[event] = reg
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, event := range sortedKeys(added) {
		if err := r.bind(s.UUID, entry, event, added[event]); err != nil {
			errs = append(errs, err)
		}
	}

	for _, event := range sortedKeys(stale) {
		if err := r.rebind(s.UUID, entry, event, stale[event], headers); err != nil {
			errs = append(errs, err)
		}
	}

	for _, b := range removed {
		r.bus.Unsubscribe(b)
	}

	return errors.Join(errs...)
}

func (r *SubscriptionRegistry) unregister(subscriptionUUID string) {
	r.mu.Lock()
	entry, ok := r.entries[subscriptionUUID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, subscriptionUUID)

	bindings := make([]*bus.Binding, 0, len(entry.events))
	for _, reg := range entry.events {
		if reg.binding != nil {
			bindings = append(bindings, reg.binding)
		}
	}
	r.mu.Unlock()

	for _, b := range bindings {
		r.bus.Unsubscribe(b)
	}
}

// bind declares reg, which is already current for event. A failed
// declaration drops the event from the entry so the next update retries it.
func (r *SubscriptionRegistry) bind(subscriptionUUID string, entry *registryEntry, event string, reg *registration) error {
	b, err := r.bus.Subscribe(event, r.callback(subscriptionUUID, event, reg), reg.headers, true)
	if err != nil {
		r.mu.Lock()
		if entry.events[event] == reg {
			delete(entry.events, event)
		}
		r.mu.Unlock()
		return fmt.Errorf("failed to bind %s for subscription %s: %w", event, subscriptionUUID, err)
	}

	r.mu.Lock()
	current := r.entries[subscriptionUUID] == entry && entry.events[event] == reg
	if current {
		reg.binding = b
	}
	r.mu.Unlock()

	if !current {
		r.bus.Unsubscribe(b)
	}
	return nil
}

// rebind moves event to a new binding with the new predicate. While it is
// being declared the new registration is old's successor: it serves the
// messages old does not match, and old keeps the rest. A failed declaration
// leaves old current with its own predicate.
func (r *SubscriptionRegistry) rebind(subscriptionUUID string, entry *registryEntry, event string, old *registration, headers map[string]any) error {
	reg := &registration{headers: headers}

	r.mu.Lock()
	old.successor = reg
	r.mu.Unlock()

	b, err := r.bus.Subscribe(event, r.callback(subscriptionUUID, event, reg), headers, true)

	r.mu.Lock()
	if old.successor == reg {
		old.successor = nil
	}
	current := err == nil && r.entries[subscriptionUUID] == entry && entry.events[event] == old
	if current {
		reg.binding = b
		entry.events[event] = reg
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to rebind %s for subscription %s: %w", event, subscriptionUUID, err)
	}
	if !current {
		r.bus.Unsubscribe(b)
		return nil
	}
	if old.binding != nil {
		r.bus.Unsubscribe(old.binding)
	}
	return nil
}

// owns reports whether reg should dispatch e. The current registration always
// does; a pending successor only for messages the current one does not match.
func (entry *registryEntry) owns(event string, reg *registration, e domain.Event) bool {
	current := entry.events[event]
	switch {
	case current == nil:
		return false
	case current == reg:
		return true
	case current.successor == reg:
		return current.binding == nil || !bus.Match(current.headers, e.Headers, true)
	default:
		return false
	}
}

func (r *SubscriptionRegistry) callback(subscriptionUUID, event string, reg *registration) bus.Handler {
	return func(ctx context.Context, e domain.Event) error {
		r.mu.Lock()
		entry, ok := r.entries[subscriptionUUID]
		owned := ok && entry.owns(event, reg, e)
		var snapshot domain.Subscription
		if owned {
			snapshot = entry.subscription.Clone()
		}
		r.mu.Unlock()

		if !owned {
			return nil
		}

		hookUUID, err := r.runner.Submit(ctx, snapshot, e)
		if err != nil {
			if errors.Is(err, jobqueue.ErrUnavailable) {
				return fmt.Errorf("%w: %w", bus.ErrRequeue, err)
			}
			return err
		}

		r.logger.Debug("hook submitted",
			zap.String("subscriptionUuid", subscriptionUUID),
			zap.String("eventName", e.Name),
			zap.String("hookUuid", hookUUID),
		)
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
