package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionRepository interface {
	List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.Subscription, error)
	Create(ctx context.Context, s *domain.Subscription) error
	Update(ctx context.Context, s *domain.Subscription) error
	Delete(ctx context.Context, uuid string) error
	DeleteByOwner(ctx context.Context, tenantUUID string, userUUID *string) ([]domain.Subscription, error)
}

type GormSubscriptionRepo struct {
	db *gorm.DB
}

func NewGormSubscriptionRepo(db *gorm.DB) *GormSubscriptionRepo {
	return &GormSubscriptionRepo{db: db}
}

func (r *GormSubscriptionRepo) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	query := r.preloaded(r.db.WithContext(ctx))

	if filter.Service != "" {
		query = query.Where("service = ?", filter.Service)
	}
	if len(filter.OwnerTenantUUIDs) > 0 {
		query = query.Where("owner_tenant_uuid IN ?", filter.OwnerTenantUUIDs)
	}
	if filter.OwnerUserUUID != nil {
		query = query.Where("owner_user_uuid = ?", *filter.OwnerUserUUID)
	}

	keys := make([]string, 0, len(filter.Metadata))
	for key := range filter.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		query = query.Where(
			"uuid IN (?)",
			r.db.Model(&SubscriptionMetadatumModel{}).
				Select("subscription_uuid").
				Where(`"key" = ? AND value = ?`, key, filter.Metadata[key]),
		)
	}

	var models []SubscriptionModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]domain.Subscription, 0, len(models))
	for i := range models {
		out = append(out, *subscriptionModelToDomain(&models[i]))
	}
	return out, nil
}

func (r *GormSubscriptionRepo) GetByUUID(ctx context.Context, uuid string) (*domain.Subscription, error) {
	var model SubscriptionModel
	err := r.preloaded(r.db.WithContext(ctx)).
		Where("uuid = ?", uuid).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return subscriptionModelToDomain(&model), nil
}

func (r *GormSubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	model := subscriptionModelFromDomain(s)
	if model == nil {
		return fmt.Errorf("%w: subscription is required", domain.ErrValidation)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: subscription %s already exists", domain.ErrConflict, s.UUID)
		}
		return err
	}

	*s = *subscriptionModelToDomain(model)
	return nil
}

// Update rewrites the subscription row and replaces every child row in one
// transaction.
func (r *GormSubscriptionRepo) Update(ctx context.Context, s *domain.Subscription) error {
	model := subscriptionModelFromDomain(s)
	if model == nil {
		return fmt.Errorf("%w: subscription is required", domain.ErrValidation)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SubscriptionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", model.UUID).
			First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}

		result := tx.Model(&SubscriptionModel{}).
			Where("uuid = ?", model.UUID).
			Updates(map[string]any{
				"name":              model.Name,
				"service":           model.Service,
				"owner_tenant_uuid": model.OwnerTenantUUID,
				"owner_user_uuid":   model.OwnerUserUUID,
				"events_user_uuid":  model.EventsUserUUID,
				"events_wazo_uuid":  model.EventsWazoUUID,
			})
		if result.Error != nil {
			return result.Error
		}

		if err := replaceChildren(tx, model); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	updated, err := r.GetByUUID(ctx, model.UUID)
	if err != nil {
		return err
	}
	*s = *updated
	return nil
}

func replaceChildren(tx *gorm.DB, model *SubscriptionModel) error {
	for _, child := range []any{&SubscriptionEventModel{}, &SubscriptionOptionModel{}, &SubscriptionMetadatumModel{}} {
		if err := tx.Where("subscription_uuid = ?", model.UUID).Delete(child).Error; err != nil {
			return err
		}
	}

	if len(model.Events) > 0 {
		if err := tx.Create(&model.Events).Error; err != nil {
			return err
		}
	}
	if len(model.Options) > 0 {
		if err := tx.Create(&model.Options).Error; err != nil {
			return err
		}
	}
	if len(model.Metadata) > 0 {
		if err := tx.Create(&model.Metadata).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *GormSubscriptionRepo) Delete(ctx context.Context, uuid string) error {
	result := r.db.WithContext(ctx).
		Select(clause.Associations).
		Delete(&SubscriptionModel{UUID: uuid})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteByOwner removes every subscription of a tenant, or of one user of
// that tenant, and returns what was removed.
func (r *GormSubscriptionRepo) DeleteByOwner(ctx context.Context, tenantUUID string, userUUID *string) ([]domain.Subscription, error) {
	var deleted []domain.Subscription

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := r.preloaded(tx).Where("owner_tenant_uuid = ?", tenantUUID)
		if userUUID != nil {
			query = query.Where("owner_user_uuid = ?", *userUUID)
		}

		var models []SubscriptionModel
		if err := query.Find(&models).Error; err != nil {
			return err
		}

		for i := range models {
			if err := tx.Select(clause.Associations).Delete(&models[i]).Error; err != nil {
				return err
			}
			deleted = append(deleted, *subscriptionModelToDomain(&models[i]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete subscriptions of owner: %w", err)
	}

	return deleted, nil
}

func (r *GormSubscriptionRepo) preloaded(db *gorm.DB) *gorm.DB {
	return db.Preload("Events").Preload("Options").Preload("Metadata")
}
