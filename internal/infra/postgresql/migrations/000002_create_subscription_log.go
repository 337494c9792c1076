package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"gorm.io/gorm"
)

func createSubscriptionLogTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_subscription_log",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.HookLogModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.HookLogModel{})
		},
	}
}
