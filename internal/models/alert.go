package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Alert is one deduplicated lineage of signal events for a
// (market, kind) key. At most one alert per key may be created per
// cooldown window; later events inside the window are absorbed into
// the open row.
type Alert struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	MarketID    uint64          `gorm:"not null;index:idx_alerts_market_kind,priority:1"`
	Kind        string          `gorm:"type:varchar(50);not null;index:idx_alerts_market_kind,priority:2"`
	Score       decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Severity    string          `gorm:"type:varchar(10);not null"`
	Status      string          `gorm:"type:varchar(20);not null;default:'pending';index"`
	Attempts    int             `gorm:"not null;default:0"`
	WindowStart time.Time       `gorm:"type:timestamptz;not null"`
	WindowEnd   time.Time       `gorm:"type:timestamptz;not null"`
	Message     string          `gorm:"type:text;not null"`
	WhyJSON     datatypes.JSON  `gorm:"type:jsonb"`
	LastError   *string         `gorm:"type:text"`
	SentAt      *time.Time      `gorm:"type:timestamptz;index"`
	CreatedAt   time.Time       `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt   time.Time       `gorm:"type:timestamptz;autoUpdateTime"`
}

const (
	AlertStatusPending = "pending"
	AlertStatusSent    = "sent"
	AlertStatusFailed  = "failed"
)

func (Alert) TableName() string {
	return "alerts"
}
