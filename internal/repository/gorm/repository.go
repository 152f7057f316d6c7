package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polywatch/internal/models"
	"polywatch/internal/pipeline"
	"polywatch/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- Markets ----------------------------------------------------------------

func (s *Store) UpsertMarkets(ctx context.Context, items []models.Market) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"question",
			"slug",
			"category",
			"status",
			"volume",
			"liquidity",
			"end_date",
			"winning_outcome",
			"last_seen_at",
			"raw_json",
			"updated_at",
		}),
	}).CreateInBatches(items, 200).Error
}

func (s *Store) GetMarketByExternalID(ctx context.Context, externalID string) (*models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetMarketByID(ctx context.Context, id uint64) (*models.Market, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListActiveMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 200)
	var items []models.Market
	err := s.db.WithContext(ctx).
		Where("status = ?", models.MarketStatusActive).
		Order("last_seen_at desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.marketQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "last_seen_at")
	var items []models.Market
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.marketQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) marketQuery(ctx context.Context, params repository.ListMarketsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Market{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Category != nil && strings.TrimSpace(*params.Category) != "" {
		query = query.Where("category = ?", strings.TrimSpace(*params.Category))
	}
	if params.Slug != nil && strings.TrimSpace(*params.Slug) != "" {
		query = query.Where("slug = ?", strings.TrimSpace(*params.Slug))
	}
	return query
}

func (s *Store) CloseStaleMarkets(ctx context.Context, notSeenSince time.Time) (int64, error) {
	if s == nil || s.db == nil || notSeenSince.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("status = ?", models.MarketStatusActive).
		Where("last_seen_at < ?", notSeenSince).
		Update("status", models.MarketStatusClosed)
	return res.RowsAffected, res.Error
}

func (s *Store) ListUnprofiledResolvedMarkets(ctx context.Context, limit int) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 50)
	var items []models.Market
	err := s.db.WithContext(ctx).
		Where("status = ?", models.MarketStatusResolved).
		Where("winning_outcome IS NOT NULL").
		Where("profiled_at IS NULL").
		Order("id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) MarkMarketProfiledTx(ctx context.Context, tx *gorm.DB, id uint64, at time.Time) error {
	db := s.txOrDB(tx)
	if db == nil || id == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&models.Market{}).
		Where("id = ? AND profiled_at IS NULL", id).
		Update("profiled_at", at).Error
}

// --- Trades -----------------------------------------------------------------

func (s *Store) InsertTrades(ctx context.Context, items []models.Trade) (int, error) {
	if s == nil || s.db == nil || len(items) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).CreateInBatches(items, 200)
	return int(res.RowsAffected), res.Error
}

func (s *Store) ListTradesAfter(ctx context.Context, afterID uint64, limit int) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 500)
	var items []models.Trade
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTradesByMarketAfter(ctx context.Context, marketID uint64, afterID uint64, limit int) ([]models.Trade, error) {
	if s == nil || s.db == nil || marketID == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit, 500)
	var items []models.Trade
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListRecentTradesByMarket(ctx context.Context, marketID uint64, beforeID uint64, limit int) ([]models.Trade, error) {
	if s == nil || s.db == nil || marketID == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit, 50)
	query := s.db.WithContext(ctx).Where("market_id = ?", marketID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []models.Trade
	if err := query.Order("id desc").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	// Oldest first so callers can replay into a window directly.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *Store) CountTradesByWalletsSince(ctx context.Context, wallets []string, since time.Time) (map[string]int64, error) {
	if s == nil || s.db == nil || len(wallets) == 0 {
		return map[string]int64{}, nil
	}
	type row struct {
		Wallet string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Select("wallet, COUNT(*) AS total").
		Where("wallet IN ?", wallets).
		Where("traded_at >= ?", since).
		Group("wallet").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Wallet] = r.Total
	}
	return out, nil
}

// --- Cursors ----------------------------------------------------------------

func (s *Store) GetCursor(ctx context.Context, name string) (*models.Cursor, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	var item models.Cursor
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListCursors(ctx context.Context) ([]models.Cursor, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Cursor
	if err := s.db.WithContext(ctx).Order("name asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AdvanceCursorTx(ctx context.Context, tx *gorm.DB, name string, from, to int64, watermark *time.Time) error {
	db := s.txOrDB(tx)
	if db == nil {
		return nil
	}
	db = db.WithContext(ctx)
	now := time.Now().UTC()
	res := db.Model(&models.Cursor{}).
		Where("name = ? AND position = ?", name, from).
		Updates(map[string]any{
			"position":        to,
			"watermark_ts":    watermark,
			"last_success_at": now,
			"last_attempt_at": now,
			"last_error":      nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var existing models.Cursor
	err := db.Where("name = ?", name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		item := &models.Cursor{
			Name:          name,
			Position:      to,
			WatermarkTS:   watermark,
			LastSuccessAt: &now,
			LastAttemptAt: &now,
		}
		return db.Create(item).Error
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is at %d, expected %d", pipeline.ErrCursorConflict, name, existing.Position, from)
}

func (s *Store) RecordCursorError(ctx context.Context, name string, attemptAt time.Time, cause error) error {
	if s == nil || s.db == nil || cause == nil {
		return nil
	}
	msg := cause.Error()
	item := &models.Cursor{
		Name:          name,
		LastAttemptAt: &attemptAt,
		LastError:     &msg,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_attempt_at", "last_error"}),
	}).Create(item).Error
}

// --- Signal events ----------------------------------------------------------

func (s *Store) InsertSignalEventsTx(ctx context.Context, tx *gorm.DB, items []models.SignalEvent) (int, error) {
	db := s.txOrDB(tx)
	if db == nil || len(items) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market_id"}, {Name: "kind"}, {Name: "trade_id"}},
		DoNothing: true,
	}).CreateInBatches(items, 200)
	return int(res.RowsAffected), res.Error
}

func (s *Store) ListSignalEventsAfter(ctx context.Context, afterID uint64, limit int) ([]models.SignalEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 500)
	var items []models.SignalEvent
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSignalEvents(ctx context.Context, params repository.ListSignalEventsParams) ([]models.SignalEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.signalEventQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "detected_at")
	var items []models.SignalEvent
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSignalEvents(ctx context.Context, params repository.ListSignalEventsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.signalEventQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) signalEventQuery(ctx context.Context, params repository.ListSignalEventsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.SignalEvent{})
	if params.MarketID != nil && *params.MarketID > 0 {
		query = query.Where("market_id = ?", *params.MarketID)
	}
	if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" {
		query = query.Where("kind = ?", strings.TrimSpace(*params.Kind))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("detected_at >= ?", *params.Since)
	}
	return query
}

func (s *Store) DeleteSignalEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("detected_at < ?", before).
		Delete(&models.SignalEvent{})
	return res.RowsAffected, res.Error
}

// --- Alerts -----------------------------------------------------------------

func (s *Store) CreateAlertTx(ctx context.Context, tx *gorm.DB, item *models.Alert) error {
	db := s.txOrDB(tx)
	if db == nil || item == nil {
		return nil
	}
	return db.WithContext(ctx).Create(item).Error
}

func (s *Store) AbsorbAlertTx(ctx context.Context, tx *gorm.DB, item *models.Alert) error {
	db := s.txOrDB(tx)
	if db == nil || item == nil || item.ID == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"score":      item.Score,
			"severity":   item.Severity,
			"window_end": item.WindowEnd,
			"message":    item.Message,
			"why_json":   item.WhyJSON,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (s *Store) LatestAlertByKey(ctx context.Context, marketID uint64, kind string) (*models.Alert, error) {
	if s == nil || s.db == nil || marketID == 0 {
		return nil, nil
	}
	var item models.Alert
	err := s.db.WithContext(ctx).
		Where("market_id = ? AND kind = ?", marketID, kind).
		Order("created_at desc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListUnsentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 50)
	var items []models.Alert
	err := s.db.WithContext(ctx).
		Where("status = ?", models.AlertStatusPending).
		Where("sent_at IS NULL").
		Order("created_at asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) MarkAlertSent(ctx context.Context, id uint64, attempts int, sentAt time.Time) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	// Guard on sent_at so a duplicate delivery can never rewrite the
	// original send timestamp.
	return s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND sent_at IS NULL", id).
		Updates(map[string]any{
			"status":     models.AlertStatusSent,
			"attempts":   attempts,
			"sent_at":    sentAt,
			"last_error": nil,
		}).Error
}

func (s *Store) RecordAlertFailure(ctx context.Context, id uint64, attempts int, terminal bool, cause string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": cause,
	}
	if terminal {
		updates["status"] = models.AlertStatusFailed
	}
	return s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND sent_at IS NULL", id).
		Updates(updates).Error
}

func (s *Store) ListAlerts(ctx context.Context, params repository.ListAlertsParams) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.alertQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	var items []models.Alert
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAlerts(ctx context.Context, params repository.ListAlertsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.alertQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) alertQuery(ctx context.Context, params repository.ListAlertsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Alert{})
	if params.MarketID != nil && *params.MarketID > 0 {
		query = query.Where("market_id = ?", *params.MarketID)
	}
	if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" {
		query = query.Where("kind = ?", strings.TrimSpace(*params.Kind))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	return query
}

// --- Wallet stats -----------------------------------------------------------

func (s *Store) UpsertWalletStatsTx(ctx context.Context, tx *gorm.DB, items []models.WalletStat) error {
	db := s.txOrDB(tx)
	if db == nil || len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"trade_count",
			"total_notional",
			"resolved_trades",
			"win_rate",
			"last_seen_at",
			"updated_at",
		}),
	}).CreateInBatches(items, 200).Error
}

func (s *Store) GetWalletStats(ctx context.Context, wallets []string) (map[string]models.WalletStat, error) {
	if s == nil || s.db == nil || len(wallets) == 0 {
		return map[string]models.WalletStat{}, nil
	}
	var items []models.WalletStat
	if err := s.db.WithContext(ctx).Where("wallet IN ?", wallets).Find(&items).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.WalletStat, len(items))
	for _, item := range items {
		out[item.Wallet] = item
	}
	return out, nil
}

// --- Helpers ----------------------------------------------------------------

func (s *Store) txOrDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	if s == nil {
		return nil
	}
	return s.db
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
