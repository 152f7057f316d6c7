package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"polywatch/internal/models"
)

// Repository is the durable store shared by the pipeline workers. The
// store is the only synchronization point between workers: each stage
// reads behind its own cursor and writes idempotently, so stages can
// restart independently.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Markets (owned by the ingestion worker).
	UpsertMarkets(ctx context.Context, items []models.Market) error
	GetMarketByExternalID(ctx context.Context, externalID string) (*models.Market, error)
	GetMarketByID(ctx context.Context, id uint64) (*models.Market, error)
	ListActiveMarkets(ctx context.Context, limit int) ([]models.Market, error)
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]models.Market, error)
	CountMarkets(ctx context.Context, params ListMarketsParams) (int64, error)
	CloseStaleMarkets(ctx context.Context, notSeenSince time.Time) (int64, error)
	ListUnprofiledResolvedMarkets(ctx context.Context, limit int) ([]models.Market, error)
	MarkMarketProfiledTx(ctx context.Context, tx *gorm.DB, id uint64, at time.Time) error

	// Trades (insert-only, deduplicated by external id).
	InsertTrades(ctx context.Context, items []models.Trade) (int, error)
	ListTradesAfter(ctx context.Context, afterID uint64, limit int) ([]models.Trade, error)
	ListTradesByMarketAfter(ctx context.Context, marketID uint64, afterID uint64, limit int) ([]models.Trade, error)
	ListRecentTradesByMarket(ctx context.Context, marketID uint64, beforeID uint64, limit int) ([]models.Trade, error)
	CountTradesByWalletsSince(ctx context.Context, wallets []string, since time.Time) (map[string]int64, error)

	// Cursors. AdvanceCursorTx only moves a cursor whose current
	// position still equals from; a mismatch reports a conflict.
	GetCursor(ctx context.Context, name string) (*models.Cursor, error)
	ListCursors(ctx context.Context) ([]models.Cursor, error)
	AdvanceCursorTx(ctx context.Context, tx *gorm.DB, name string, from, to int64, watermark *time.Time) error
	RecordCursorError(ctx context.Context, name string, attemptAt time.Time, cause error) error

	// Signal events (idempotent by the market/kind/trade natural key).
	InsertSignalEventsTx(ctx context.Context, tx *gorm.DB, items []models.SignalEvent) (int, error)
	ListSignalEventsAfter(ctx context.Context, afterID uint64, limit int) ([]models.SignalEvent, error)
	ListSignalEvents(ctx context.Context, params ListSignalEventsParams) ([]models.SignalEvent, error)
	CountSignalEvents(ctx context.Context, params ListSignalEventsParams) (int64, error)
	DeleteSignalEventsBefore(ctx context.Context, before time.Time) (int64, error)

	// Alerts.
	CreateAlertTx(ctx context.Context, tx *gorm.DB, item *models.Alert) error
	AbsorbAlertTx(ctx context.Context, tx *gorm.DB, item *models.Alert) error
	LatestAlertByKey(ctx context.Context, marketID uint64, kind string) (*models.Alert, error)
	ListUnsentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	MarkAlertSent(ctx context.Context, id uint64, attempts int, sentAt time.Time) error
	RecordAlertFailure(ctx context.Context, id uint64, attempts int, terminal bool, cause string) error
	ListAlerts(ctx context.Context, params ListAlertsParams) ([]models.Alert, error)
	CountAlerts(ctx context.Context, params ListAlertsParams) (int64, error)

	// Wallet stats.
	UpsertWalletStatsTx(ctx context.Context, tx *gorm.DB, items []models.WalletStat) error
	GetWalletStats(ctx context.Context, wallets []string) (map[string]models.WalletStat, error)
}

type ListMarketsParams struct {
	Limit    int
	Offset   int
	Status   *string
	Category *string
	Slug     *string
	OrderBy  string
	Asc      *bool
}

type ListSignalEventsParams struct {
	Limit    int
	Offset   int
	MarketID *uint64
	Kind     *string
	Since    *time.Time
	OrderBy  string
	Asc      *bool
}

type ListAlertsParams struct {
	Limit    int
	Offset   int
	MarketID *uint64
	Kind     *string
	Status   *string
	Since    *time.Time
	OrderBy  string
	Asc      *bool
}
