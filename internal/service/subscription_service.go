package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"go.uber.org/zap"
)

// ChangeListener is notified synchronously after a subscription mutation is
// committed.
type ChangeListener func(ctx context.Context, change domain.SubscriptionChange) error

type SubscriptionService struct {
	subscriptions repository.SubscriptionRepository
	logger        *zap.Logger

	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewSubscriptionService(subscriptions repository.SubscriptionRepository, logger *zap.Logger) (*SubscriptionService, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SubscriptionService{
		subscriptions: subscriptions,
		logger:        logger,
	}, nil
}

// AddListener registers l for every committed change.
func (s *SubscriptionService) AddListener(l ChangeListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *SubscriptionService) Get(ctx context.Context, subscriptionUUID string) (*domain.Subscription, error) {
	return s.subscriptions.GetByUUID(ctx, subscriptionUUID)
}

func (s *SubscriptionService) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	return s.subscriptions.List(ctx, filter)
}

func (s *SubscriptionService) Create(ctx context.Context, subscription *domain.Subscription) (*domain.Subscription, error) {
	if subscription == nil {
		return nil, fmt.Errorf("%w: subscription is required", domain.ErrValidation)
	}
	if strings.TrimSpace(subscription.UUID) == "" {
		subscription.UUID = uuid.NewString()
	}
	if err := subscription.Validate(); err != nil {
		return nil, err
	}

	if err := s.subscriptions.Create(ctx, subscription); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	created := subscription.Clone()
	s.notify(ctx, domain.SubscriptionChange{Kind: domain.ChangeCreated, New: &created})
	return subscription, nil
}

// Update replaces the whole subscription aggregate.
func (s *SubscriptionService) Update(ctx context.Context, subscription *domain.Subscription) (*domain.Subscription, error) {
	if subscription == nil {
		return nil, fmt.Errorf("%w: subscription is required", domain.ErrValidation)
	}
	if err := subscription.Validate(); err != nil {
		return nil, err
	}

	old, err := s.subscriptions.GetByUUID(ctx, subscription.UUID)
	if err != nil {
		return nil, err
	}

	if err := s.subscriptions.Update(ctx, subscription); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	updated := subscription.Clone()
	s.notify(ctx, domain.SubscriptionChange{Kind: domain.ChangeUpdated, Old: old, New: &updated})
	return subscription, nil
}

func (s *SubscriptionService) Delete(ctx context.Context, subscriptionUUID string) error {
	old, err := s.subscriptions.GetByUUID(ctx, subscriptionUUID)
	if err != nil {
		return err
	}

	if err := s.subscriptions.Delete(ctx, subscriptionUUID); err != nil {
		return err
	}

	s.notify(ctx, domain.SubscriptionChange{Kind: domain.ChangeDeleted, Old: old})
	return nil
}

// DeleteByOwnerTenant removes every subscription owned by a tenant.
func (s *SubscriptionService) DeleteByOwnerTenant(ctx context.Context, tenantUUID string) (int, error) {
	return s.deleteByOwner(ctx, tenantUUID, nil)
}

// DeleteByOwnerUser removes every subscription owned by one user of a tenant.
func (s *SubscriptionService) DeleteByOwnerUser(ctx context.Context, tenantUUID, userUUID string) (int, error) {
	return s.deleteByOwner(ctx, tenantUUID, &userUUID)
}

func (s *SubscriptionService) deleteByOwner(ctx context.Context, tenantUUID string, userUUID *string) (int, error) {
	if strings.TrimSpace(tenantUUID) == "" {
		return 0, fmt.Errorf("%w: tenant uuid is required", domain.ErrValidation)
	}

	deleted, err := s.subscriptions.DeleteByOwner(ctx, tenantUUID, userUUID)
	if err != nil {
		return 0, err
	}

	for i := range deleted {
		old := deleted[i]
		s.notify(ctx, domain.SubscriptionChange{Kind: domain.ChangeDeleted, Old: &old})
	}
	return len(deleted), nil
}

func (s *SubscriptionService) notify(ctx context.Context, change domain.SubscriptionChange) {
	s.mu.RLock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.RUnlock()

	subscriptionUUID := ""
	switch {
	case change.New != nil:
		subscriptionUUID = change.New.UUID
	case change.Old != nil:
		subscriptionUUID = change.Old.UUID
	}

	for _, l := range listeners {
		if err := l(ctx, change); err != nil {
			s.logger.Error("subscription change listener failed",
				zap.String("subscriptionUuid", subscriptionUUID),
				zap.String("change", change.Kind.String()),
				zap.Error(err),
			)
		}
	}
}
