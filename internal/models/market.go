package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Market is an upstream prediction market tracked by the watcher.
// Rows are upserted by ingestion and never deleted; closing a market
// flips Status instead.
type Market struct {
	ID         uint64           `gorm:"primaryKey;autoIncrement"`
	ExternalID string           `gorm:"type:text;uniqueIndex;not null"`
	Question   string           `gorm:"type:text;not null"`
	Slug       *string          `gorm:"type:text;index"`
	Category   *string          `gorm:"type:text;index"`
	Status     string           `gorm:"type:varchar(20);not null;default:'active';index"`
	Volume     *decimal.Decimal `gorm:"type:numeric(30,10)"`
	Liquidity  *decimal.Decimal `gorm:"type:numeric(30,10)"`
	EndDate    *time.Time       `gorm:"type:timestamptz"`
	// WinningOutcome is set once the upstream market resolves.
	WinningOutcome *string   `gorm:"type:text"`
	LastSeenAt     time.Time `gorm:"type:timestamptz;not null;index"`
	// ProfiledAt marks that wallet accuracy stats have been rolled up
	// from this market's resolved trades.
	ProfiledAt *time.Time     `gorm:"type:timestamptz;index"`
	RawJSON    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"type:timestamptz;autoUpdateTime"`
}

const (
	MarketStatusActive   = "active"
	MarketStatusClosed   = "closed"
	MarketStatusResolved = "resolved"
)

func (Market) TableName() string {
	return "markets"
}
