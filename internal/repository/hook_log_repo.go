package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHookLogLimit = 100
	maxHookLogLimit     = 1000

	pgForeignKeyViolation = "23503"
)

type HookLogRepository interface {
	Create(ctx context.Context, l *domain.HookLog) error
	List(ctx context.Context, filter domain.HookLogFilter) ([]domain.HookLog, int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormHookLogRepo struct {
	db *gorm.DB
}

func NewGormHookLogRepo(db *gorm.DB) *GormHookLogRepo {
	return &GormHookLogRepo{db: db}
}

// Create appends one attempt row. A row whose subscription was deleted
// meanwhile is rejected with domain.ErrSubscriptionGone.
func (r *GormHookLogRepo) Create(ctx context.Context, l *domain.HookLog) error {
	model := hookLogModelFromDomain(l)
	if model == nil {
		return fmt.Errorf("%w: hook log is required", domain.ErrValidation)
	}

	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(model).Error
	switch {
	case err == nil:
		return nil
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", domain.ErrSubscriptionGone, model.SubscriptionUUID)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: hook %s attempt %d already logged", domain.ErrConflict, model.UUID, model.Attempts)
	default:
		return fmt.Errorf("failed to create hook log: %w", err)
	}
}

func (r *GormHookLogRepo) List(ctx context.Context, filter domain.HookLogFilter) ([]domain.HookLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&HookLogModel{}).
		Where("subscription_uuid = ?", filter.SubscriptionUUID)

	if filter.Status != nil {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.From != nil {
		query = query.Where("started_at >= ?", *filter.From)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count hook logs: %w", err)
	}

	order := filter.Order
	if !domain.IsValidHookLogOrder(order) {
		order = domain.HookLogOrderStartedAt
	}
	desc := !strings.EqualFold(filter.Direction, "asc")

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHookLogLimit
	}
	if limit > maxHookLogLimit {
		limit = maxHookLogLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var models []HookLogModel
	err := query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: order}, Desc: desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "attempts"}, Desc: desc}).
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list hook logs: %w", err)
	}

	logs := make([]domain.HookLog, 0, len(models))
	for i := range models {
		logs = append(logs, *hookLogModelToDomain(&models[i]))
	}
	return logs, total, nil
}

func (r *GormHookLogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("started_at < ?", cutoff).
		Delete(&HookLogModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge hook logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return true
	}

	// sqlite without error translation
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
