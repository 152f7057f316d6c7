package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStat is a rolling per-wallet profile maintained while trades
// flow through the signal worker. ResolvedTrades/WinRate are rolled up
// by the profiling sweep once markets resolve.
type WalletStat struct {
	Wallet         string          `gorm:"primaryKey;type:text"`
	TradeCount     int64           `gorm:"not null;default:0"`
	TotalNotional  decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	ResolvedTrades int64           `gorm:"not null;default:0"`
	WinRate        float64         `gorm:"not null;default:0"`
	FirstSeenAt    time.Time       `gorm:"type:timestamptz;not null"`
	LastSeenAt     time.Time       `gorm:"type:timestamptz;not null"`
	UpdatedAt      time.Time       `gorm:"type:timestamptz;autoUpdateTime"`
}

func (WalletStat) TableName() string {
	return "wallet_stats"
}
