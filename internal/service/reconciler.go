package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/webhook-dispatcher/internal/bus"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"go.uber.org/zap"
)

const (
	EventTenantDeleted = "auth_tenant_deleted"
	EventUserDeleted   = "auth_user_deleted"

	defaultReconcileBacklog = 256
)

// OwnerCleaner deletes subscriptions whose owner disappeared.
type OwnerCleaner interface {
	List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error)
	DeleteByOwnerTenant(ctx context.Context, tenantUUID string) (int, error)
	DeleteByOwnerUser(ctx context.Context, tenantUUID, userUUID string) (int, error)
}

// TenantChecker tells whether a tenant still exists on the identity service.
type TenantChecker interface {
	TenantExists(ctx context.Context, tenantUUID string) (bool, error)
}

type ownerDeletion struct {
	tenantUUID string
	userUUID   string
}

// Reconciler removes the subscriptions of deleted tenants and users. Bus
// handlers only queue the owner; deletion happens on the reconciler goroutine.
type Reconciler struct {
	bus     EventBus
	owners  OwnerCleaner
	tenants TenantChecker
	logger  *zap.Logger
	backlog chan ownerDeletion
}

func NewReconciler(eventBus EventBus, owners OwnerCleaner, tenants TenantChecker, logger *zap.Logger) (*Reconciler, error) {
	if eventBus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if owners == nil {
		return nil, fmt.Errorf("owner cleaner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		bus:     eventBus,
		owners:  owners,
		tenants: tenants,
		logger:  logger,
		backlog: make(chan ownerDeletion, defaultReconcileBacklog),
	}, nil
}

// Start binds the owner deletion events, sweeps subscriptions of tenants that
// no longer exist and then processes deletions until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) error {
	tenantBinding, err := r.bus.Subscribe(EventTenantDeleted, r.onTenantDeleted, nil, true)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", EventTenantDeleted, err)
	}
	defer r.bus.Unsubscribe(tenantBinding)

	userBinding, err := r.bus.Subscribe(EventUserDeleted, r.onUserDeleted, nil, true)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", EventUserDeleted, err)
	}
	defer r.bus.Unsubscribe(userBinding)

	if err := r.Sweep(ctx); err != nil {
		r.logger.Warn("startup owner sweep failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-r.backlog:
			r.delete(ctx, d)
		}
	}
}

// Sweep deletes the subscriptions of every owner tenant the identity service
// no longer knows.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if r.tenants == nil {
		return nil
	}

	subscriptions, err := r.owners.List(ctx, domain.SubscriptionFilter{})
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	seen := make(map[string]struct{})
	for _, s := range subscriptions {
		if _, ok := seen[s.OwnerTenantUUID]; ok {
			continue
		}
		seen[s.OwnerTenantUUID] = struct{}{}

		exists, err := r.tenants.TenantExists(ctx, s.OwnerTenantUUID)
		if err != nil {
			return fmt.Errorf("failed to check tenant %s: %w", s.OwnerTenantUUID, err)
		}
		if !exists {
			r.delete(ctx, ownerDeletion{tenantUUID: s.OwnerTenantUUID})
		}
	}
	return nil
}

type ownerEventData struct {
	UUID       string `json:"uuid"`
	TenantUUID string `json:"tenant_uuid"`
}

func (r *Reconciler) onTenantDeleted(_ context.Context, event domain.Event) error {
	var data ownerEventData
	if err := json.Unmarshal(event.Data, &data); err != nil || strings.TrimSpace(data.UUID) == "" {
		return fmt.Errorf("invalid %s payload", EventTenantDeleted)
	}
	return r.queue(ownerDeletion{tenantUUID: data.UUID})
}

func (r *Reconciler) onUserDeleted(_ context.Context, event domain.Event) error {
	var data ownerEventData
	if err := json.Unmarshal(event.Data, &data); err != nil || strings.TrimSpace(data.UUID) == "" || strings.TrimSpace(data.TenantUUID) == "" {
		return fmt.Errorf("invalid %s payload", EventUserDeleted)
	}
	return r.queue(ownerDeletion{tenantUUID: data.TenantUUID, userUUID: data.UUID})
}

func (r *Reconciler) queue(d ownerDeletion) error {
	select {
	case r.backlog <- d:
		return nil
	default:
		return fmt.Errorf("%w: owner deletion backlog full", bus.ErrRequeue)
	}
}

func (r *Reconciler) delete(ctx context.Context, d ownerDeletion) {
	var (
		deleted int
		err     error
	)
	if d.userUUID != "" {
		deleted, err = r.owners.DeleteByOwnerUser(ctx, d.tenantUUID, d.userUUID)
	} else {
		deleted, err = r.owners.DeleteByOwnerTenant(ctx, d.tenantUUID)
	}

	if err != nil {
		r.logger.Error("failed to delete subscriptions of removed owner",
			zap.String("tenantUuid", d.tenantUUID),
			zap.String("userUuid", d.userUUID),
			zap.Error(err),
		)
		return
	}
	if deleted > 0 {
		r.logger.Info("deleted subscriptions of removed owner",
			zap.String("tenantUuid", d.tenantUUID),
			zap.String("userUuid", d.userUUID),
			zap.Int("deleted", deleted),
		)
	}
}
