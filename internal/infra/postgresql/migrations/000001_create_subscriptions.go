package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"gorm.io/gorm"
)

func createSubscriptionTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_subscriptions",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&repository.SubscriptionModel{},
				&repository.SubscriptionEventModel{},
				&repository.SubscriptionOptionModel{},
				&repository.SubscriptionMetadatumModel{},
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.SubscriptionMetadatumModel{},
				&repository.SubscriptionOptionModel{},
				&repository.SubscriptionEventModel{},
				&repository.SubscriptionModel{},
			)
		},
	}
}
