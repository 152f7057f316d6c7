package db

import (
	"polywatch/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Market{},
		&models.Trade{},
		&models.Cursor{},
		&models.SignalEvent{},
		&models.Alert{},
		&models.WalletStat{},
	)
}
