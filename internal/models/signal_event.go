package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SignalEvent records one trigger firing for one trade. The composite
// unique index makes re-evaluating a trade batch after a crash a no-op.
type SignalEvent struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	MarketID    uint64          `gorm:"not null;uniqueIndex:uq_signal_events_market_kind_trade,priority:1;index"`
	Kind        string          `gorm:"type:varchar(50);not null;uniqueIndex:uq_signal_events_market_kind_trade,priority:2;index"`
	TradeID     uint64          `gorm:"not null;uniqueIndex:uq_signal_events_market_kind_trade,priority:3"`
	Wallet      string          `gorm:"type:text;not null;index"`
	Severity    string          `gorm:"type:varchar(10);not null;default:'medium'"`
	Value       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	DetailsJSON datatypes.JSON  `gorm:"type:jsonb"`
	DetectedAt  time.Time       `gorm:"type:timestamptz;not null;index"`
}

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

func (SignalEvent) TableName() string {
	return "signal_events"
}
