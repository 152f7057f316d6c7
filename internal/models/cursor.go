package models

import (
	"time"

	"gorm.io/datatypes"
)

// Cursor is a durable consumer position. One row per consumer name;
// Position moves forward only via a conditional update so a stale
// writer cannot silently rewind another instance's progress.
type Cursor struct {
	Name          string         `gorm:"primaryKey;type:text"`
	Position      int64          `gorm:"not null;default:0"`
	WatermarkTS   *time.Time     `gorm:"type:timestamptz"`
	LastSuccessAt *time.Time     `gorm:"type:timestamptz"`
	LastAttemptAt *time.Time     `gorm:"type:timestamptz"`
	LastError     *string        `gorm:"type:text"`
	StatsJSON     datatypes.JSON `gorm:"type:jsonb"`
}

const (
	CursorSignals = "signals:last_trade_id"
	CursorScoring = "scoring:last_signal_id"
)

func (Cursor) TableName() string {
	return "cursors"
}
