package migrations

import (
	"github.com/peerbits/tradehub/db"
	"gorm.io/gorm"
)

func Migrate(gormDB *gorm.DB) error {
	// AutoMigrate all core models
	return gormDB.AutoMigrate(
		&db.Robot{},
		&db.Order{},
		&db.LnPayment{},
		&db.OnchainPayment{},
		&db.EscrowEntry{},
	)
}
