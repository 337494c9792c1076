package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Metadata filters look rows up by key and value, not by subscription.
func addSubscriptionMetadatumLookupIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_subscription_metadatum_lookup_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_subscription_metadatum_key_value ON webhookd_subscription_metadatum ("key", value)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_subscription_metadatum_key_value`).Error
		},
	}
}
