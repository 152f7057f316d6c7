package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single upstream fill. Insert-only; the unique external id
// makes re-ingestion of the same upstream record a no-op.
type Trade struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	ExternalID string          `gorm:"type:text;uniqueIndex;not null"`
	MarketID   uint64          `gorm:"not null;index:idx_trades_market_traded_at"`
	Wallet     string          `gorm:"type:text;not null;index"`
	Side       string          `gorm:"type:varchar(10);not null"`
	Outcome    *string         `gorm:"type:text"`
	Price      decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Size       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Notional   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	TradedAt   time.Time       `gorm:"type:timestamptz;not null;index:idx_trades_market_traded_at"`
	IngestedAt time.Time       `gorm:"type:timestamptz;not null"`
}

const (
	TradeSideBuy  = "BUY"
	TradeSideSell = "SELL"
)

func (Trade) TableName() string {
	return "trades"
}
