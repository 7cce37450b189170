package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oakridge-systems/signalpipeline/types"
)

// Database wraps the GORM connection. Production runs against Postgres;
// sqlite backs tests and local development, mirroring the teacher's
// internal/database/database.go driver split — this is the canonical
// persistence layer, replacing the teacher's separate raw-SQL
// storage/database.go variant (see DESIGN.md).
type Database struct {
	db *gorm.DB
}

// Open connects using driver "postgres" or "sqlite" and auto-migrates the
// six tables named in spec.md §6.
func Open(driver, dsn string) (*Database, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&WatchlistItem{},
		&MarketData{},
		&ExchangeOrder{},
		&AlertMessage{},
		&ThrottleState{},
		&InstrumentMetadataCache{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("driver", driver).Msg("storage connected")
	return &Database{db: gdb}, nil
}

// Conn exposes the underlying *sql.DB so runlock can issue raw
// pg_advisory_lock calls on the same connection pool.
func (d *Database) Conn() (*sql.DB, error) {
	return d.db.DB()
}

// ---- Watchlist ----

// ActiveWatchlist returns all non-soft-deleted watchlist entries.
func (d *Database) ActiveWatchlist() ([]types.WatchlistEntry, error) {
	var rows []WatchlistItem
	if err := d.db.Where("deleted_at IS NULL").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.WatchlistEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, toWatchlistEntry(r))
	}
	return out, nil
}

// UpsertWatchlistEntry writes a watchlist row, used by the dashboard/admin
// surface and by tests seeding a pipeline run.
func (d *Database) UpsertWatchlistEntry(e types.WatchlistEntry) error {
	row := WatchlistItem{
		Symbol: e.Symbol, StrategyKey: e.StrategyKey, AlertEnabled: e.AlertEnabled,
		BuyAlertEnabled: e.BuyAlertEnabled, SellAlertEnabled: e.SellAlertEnabled,
		TradeEnabled: e.TradeEnabled, TradeOnMargin: e.TradeOnMargin,
		TradeAmountUSD: e.TradeAmountUSD, Leverage: e.Leverage,
	}
	if e.ManualSignal != nil {
		s := string(*e.ManualSignal)
		row.ManualSignal = &s
	}
	return d.db.Save(&row).Error
}

func toWatchlistEntry(r WatchlistItem) types.WatchlistEntry {
	e := types.WatchlistEntry{
		Symbol:           r.Symbol,
		StrategyKey:      r.StrategyKey,
		AlertEnabled:     r.AlertEnabled,
		BuyAlertEnabled:  r.BuyAlertEnabled,
		SellAlertEnabled: r.SellAlertEnabled,
		TradeEnabled:     r.TradeEnabled,
		TradeOnMargin:    r.TradeOnMargin,
		TradeAmountUSD:   r.TradeAmountUSD,
		Leverage:         r.Leverage,
	}
	if r.ManualSignal != nil {
		s := types.Side(*r.ManualSignal)
		e.ManualSignal = &s
	}
	return e
}

// ---- Market data ----

// LatestSnapshot returns the most recent market snapshot for symbol.
func (d *Database) LatestSnapshot(symbol string) (types.MarketSnapshot, bool, error) {
	var row MarketData
	err := d.db.Where("symbol = ?", symbol).Order("timestamp DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return types.MarketSnapshot{}, false, nil
	}
	if err != nil {
		return types.MarketSnapshot{}, false, err
	}
	return types.MarketSnapshot{
		Symbol: row.Symbol, Price: row.Price, RSI: row.RSI, EMA10: row.EMA10,
		MA50: row.MA50, MA200: row.MA200, MA10w: row.MA10w, Volume: row.Volume,
		AvgVolume: row.AvgVolume, ATR: row.ATR, Timestamp: row.Timestamp,
	}, true, nil
}

// SaveSnapshot inserts a new market snapshot row.
func (d *Database) SaveSnapshot(s types.MarketSnapshot) error {
	return d.db.Create(&MarketData{
		Symbol: s.Symbol, Price: s.Price, RSI: s.RSI, EMA10: s.EMA10,
		MA50: s.MA50, MA200: s.MA200, MA10w: s.MA10w, Volume: s.Volume,
		AvgVolume: s.AvgVolume, ATR: s.ATR, Timestamp: s.Timestamp,
	}).Error
}

// ---- Instrument metadata cache ----

// GetInstrument returns the cached instrument if it was refreshed within
// ttl, the write-through-with-TTL contract of spec §5.
func (d *Database) GetInstrument(symbol string, ttl time.Duration) (types.Instrument, bool, error) {
	var row InstrumentMetadataCache
	err := d.db.Where("symbol = ?", symbol).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return types.Instrument{}, false, nil
	}
	if err != nil {
		return types.Instrument{}, false, err
	}
	if time.Since(row.RefreshedAt) > ttl {
		return types.Instrument{}, false, nil
	}
	return types.Instrument{
		Symbol: row.Symbol, BaseAsset: row.BaseAsset, QuoteAsset: row.QuoteAsset,
		PriceTick: row.PriceTick, QuantityTick: row.QuantityTick, MinQuantity: row.MinQuantity,
		PriceDecimals: row.PriceDecimals, QuantityDecimals: row.QuantityDecimals,
	}, true, nil
}

// UpsertInstrument writes through the instrument cache.
func (d *Database) UpsertInstrument(inst types.Instrument) error {
	row := InstrumentMetadataCache{
		Symbol: inst.Symbol, BaseAsset: inst.BaseAsset, QuoteAsset: inst.QuoteAsset,
		PriceTick: inst.PriceTick, QuantityTick: inst.QuantityTick, MinQuantity: inst.MinQuantity,
		PriceDecimals: inst.PriceDecimals, QuantityDecimals: inst.QuantityDecimals,
		RefreshedAt: time.Now(),
	}
	return d.db.Save(&row).Error
}

// ---- Throttle state ----

func (d *Database) GetThrottleState(symbol string, side types.Side, strategyKey string) (*types.ThrottleState, error) {
	var row ThrottleState
	err := d.db.Where("symbol = ? AND side = ? AND strategy_key = ?", symbol, string(side), strategyKey).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.ThrottleState{
		Symbol: row.Symbol, Side: types.Side(row.Side), StrategyKey: row.StrategyKey,
		LastEmitTime: row.LastEmitTime, LastEmitPrice: row.LastEmitPrice, ForceNext: row.ForceNext,
	}, nil
}

func (d *Database) UpsertThrottleState(s types.ThrottleState) error {
	row := ThrottleState{
		Symbol: s.Symbol, Side: string(s.Side), StrategyKey: s.StrategyKey,
		LastEmitTime: s.LastEmitTime, LastEmitPrice: s.LastEmitPrice, ForceNext: s.ForceNext,
	}
	return d.db.Save(&row).Error
}

// ---- Alert messages (decision trace) ----

// CreateAlert inserts a new alert record with the given decision type and
// returns its id.
func (d *Database) CreateAlert(a types.AlertRecord) (uint, error) {
	ctxJSON, _ := json.Marshal(a.Context)
	row := AlertMessage{
		Symbol: a.Symbol, Side: string(a.Side), PriceAtEmit: a.PriceAtEmit,
		Timestamp: a.Timestamp, DecisionType: string(a.DecisionType),
		ReasonCode: string(a.ReasonCode), ReasonMessage: a.ReasonMessage,
		ContextJSON: string(ctxJSON),
	}
	if err := d.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// UpdateAlertDecision is the Decision-Trace Writer's core operation:
// idempotent, last-write-wins update of decision_type/reason_code/
// reason_message/context/order_id on an existing alert row.
func (d *Database) UpdateAlertDecision(id uint, decisionType types.DecisionType, reason types.ReasonCode, message string, context map[string]interface{}, orderID *string, errSnippet string) error {
	ctxJSON, _ := json.Marshal(context)
	return d.db.Model(&AlertMessage{}).Where("id = ?", id).Updates(map[string]interface{}{
		"decision_type":          string(decisionType),
		"reason_code":            string(reason),
		"reason_message":         message,
		"context_json":           string(ctxJSON),
		"order_id":               orderID,
		"exchange_error_snippet": errSnippet,
	}).Error
}

// FindRecentAlert locates the most recent alert for (symbol, side) within
// the lookback window, used by trace.Writer to find the originating alert.
func (d *Database) FindRecentAlert(symbol string, side types.Side, lookback time.Duration) (*types.AlertRecord, error) {
	var row AlertMessage
	cutoff := time.Now().Add(-lookback)
	err := d.db.Where("symbol = ? AND side = ? AND timestamp >= ?", symbol, string(side), cutoff).
		Order("timestamp DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toAlertRecord(row), nil
}

// PendingAlertsBefore returns alerts still PENDING that were created before
// cutoff — input to the Signal Monitor's safety-net writer (spec §4.1).
func (d *Database) PendingAlertsBefore(cutoff time.Time) ([]types.AlertRecord, error) {
	var rows []AlertMessage
	if err := d.db.Where("decision_type = ? AND timestamp < ?", string(types.DecisionPending), cutoff).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AlertRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toAlertRecord(r))
	}
	return out, nil
}

func toAlertRecord(r AlertMessage) *types.AlertRecord {
	var ctx map[string]interface{}
	_ = json.Unmarshal([]byte(r.ContextJSON), &ctx)
	return &types.AlertRecord{
		ID: r.ID, Symbol: r.Symbol, Side: types.Side(r.Side), PriceAtEmit: r.PriceAtEmit,
		Timestamp: r.Timestamp, DecisionType: types.DecisionType(r.DecisionType),
		ReasonCode: types.ReasonCode(r.ReasonCode), ReasonMessage: r.ReasonMessage,
		Context: ctx, OrderID: r.OrderID,
	}
}

// ---- Orders ----

// CreateOrder persists a new Order row and returns its id.
func (d *Database) CreateOrder(o types.Order) (uint, error) {
	row := fromOrder(o)
	if err := d.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func fromOrder(o types.Order) ExchangeOrder {
	return ExchangeOrder{
		ExchangeOrderID: o.ExchangeOrderID, Symbol: o.Symbol, Side: string(o.Side),
		Type: string(o.Type), Role: string(o.Role), Status: string(o.Status),
		Price: o.Price, TriggerPrice: o.TriggerPrice, Quantity: o.Quantity,
		FilledQuantity: o.FilledQuantity, SubmittedAt: o.SubmittedAt, UpdatedAt: o.UpdatedAt,
		ParentOrderID: o.ParentOrderID, OCOGroupID: o.OCOGroupID, SignalKey: o.SignalKey,
	}
}

func toOrder(r ExchangeOrder) types.Order {
	return types.Order{
		ID: r.ID, ExchangeOrderID: r.ExchangeOrderID, Symbol: r.Symbol, Side: types.Side(r.Side),
		Type: types.OrderType(r.Type), Role: types.OrderRole(r.Role), Status: types.OrderStatus(r.Status),
		Price: r.Price, TriggerPrice: r.TriggerPrice, Quantity: r.Quantity,
		FilledQuantity: r.FilledQuantity, SubmittedAt: r.SubmittedAt, UpdatedAt: r.UpdatedAt,
		ParentOrderID: r.ParentOrderID, OCOGroupID: r.OCOGroupID, SignalKey: r.SignalKey,
	}
}

// GetOrder re-reads a single order by id, used before any cancel decision
// per the reconciler's "per-order re-read before state change" rule.
func (d *Database) GetOrder(id uint) (types.Order, error) {
	var row ExchangeOrder
	if err := d.db.First(&row, id).Error; err != nil {
		return types.Order{}, err
	}
	return toOrder(row), nil
}

// FindByExchangeOrderID looks up the local mirror of an order by its
// exchange-assigned id, used by the reconciler's order-history pass to match
// wire orders back to local rows.
func (d *Database) FindByExchangeOrderID(exchangeOrderID string) (*types.Order, error) {
	var row ExchangeOrder
	err := d.db.Where("exchange_order_id = ?", exchangeOrderID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o := toOrder(row)
	return &o, nil
}

// UpdateOrderStatus updates status/filled quantity/exchange order id in
// place.
func (d *Database) UpdateOrderStatus(id uint, status types.OrderStatus, filledQty decimal.Decimal, exchangeOrderID string) error {
	updates := map[string]interface{}{
		"status":          string(status),
		"filled_quantity": filledQty,
		"updated_at":      time.Now(),
	}
	if exchangeOrderID != "" {
		updates["exchange_order_id"] = exchangeOrderID
	}
	return d.db.Model(&ExchangeOrder{}).Where("id = ?", id).Updates(updates).Error
}

// CountNonTerminalTPByBase counts non-terminal (not FILLED/CANCELLED/
// REJECTED) take-profit orders whose symbol starts with base, used by the
// max-open-trades gate step. When exact is true, symbol must equal base
// rather than merely share the base asset prefix (the per-symbol knob from
// DESIGN.md's open-question decision).
func (d *Database) CountNonTerminalTPByBase(base string, exact bool) (int64, error) {
	q := d.db.Model(&ExchangeOrder{}).Where("role = ?", string(types.RoleTakeProfit)).
		Where("status IN ?", []string{string(types.OrderStatusNew), string(types.OrderStatusActive), string(types.OrderStatusPartiallyFilled)})
	if exact {
		q = q.Where("symbol = ?", base)
	} else {
		q = q.Where("symbol LIKE ?", base+"%")
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

// CountRecentOrdersByBase counts any order for the given base symbol within
// the lookback window, for RECENT_ORDERS_COOLDOWN.
func (d *Database) CountRecentOrdersByBase(base string, lookback time.Duration) (int64, error) {
	cutoff := time.Now().Add(-lookback)
	var count int64
	err := d.db.Model(&ExchangeOrder{}).
		Where("symbol LIKE ? AND submitted_at >= ?", base+"%", cutoff).
		Count(&count).Error
	return count, err
}

// FindBySignalKey looks for an existing order sharing signalKey within the
// last 24h, for IDEMPOTENCY_BLOCKED.
func (d *Database) FindBySignalKey(signalKey string, lookback time.Duration) (*types.Order, error) {
	var row ExchangeOrder
	cutoff := time.Now().Add(-lookback)
	err := d.db.Where("signal_key = ? AND submitted_at >= ?", signalKey, cutoff).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o := toOrder(row)
	return &o, nil
}

// OrdersByOCOGroup returns both legs of an OCO pair.
func (d *Database) OrdersByOCOGroup(groupID string) ([]types.Order, error) {
	var rows []ExchangeOrder
	if err := d.db.Where("oco_group_id = ?", groupID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, toOrder(r))
	}
	return out, nil
}

// ActiveProtectionOrdersByParent returns non-terminal SL/TP orders for a
// given parent entry order id, the Protection Manager's idempotency check.
func (d *Database) ActiveProtectionOrdersByParent(parentID uint) ([]types.Order, error) {
	var rows []ExchangeOrder
	err := d.db.Where("parent_order_id = ?", parentID).
		Where("status IN ?", []string{string(types.OrderStatusNew), string(types.OrderStatusActive), string(types.OrderStatusPartiallyFilled)}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, toOrder(r))
	}
	return out, nil
}

// OrdersBySymbolTypeWindow is the last-resort sibling match fallback
// (symbol, type, time-window<=5min) when oco_group_id and parent_order_id
// are both unavailable.
func (d *Database) OrdersBySymbolTypeWindow(symbol string, orderType types.OrderType, within time.Duration) ([]types.Order, error) {
	cutoff := time.Now().Add(-within)
	var rows []ExchangeOrder
	err := d.db.Where("symbol = ? AND type = ? AND submitted_at >= ?", symbol, string(orderType), cutoff).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, toOrder(r))
	}
	return out, nil
}

// OpenNotionalTotal sums quantity*price across all non-terminal ENTRY orders,
// the portfolio-wide exposure figure the Decision Gate compares against
// PortfolioNotionalCap.
func (d *Database) OpenNotionalTotal() (decimal.Decimal, error) {
	var rows []ExchangeOrder
	err := d.db.Where("role = ?", string(types.RoleEntry)).
		Where("status IN ?", []string{string(types.OrderStatusNew), string(types.OrderStatusActive), string(types.OrderStatusPartiallyFilled)}).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Price.Mul(r.Quantity))
	}
	return total, nil
}

// OpenOrders returns all non-terminal local orders, for the reconciler's
// third pass. FAILED_INCONSISTENT orders are included: their true
// exchange-side state is unknown, so the reconciler must keep re-examining
// them rather than treat them as resolved.
func (d *Database) OpenOrders() ([]types.Order, error) {
	var rows []ExchangeOrder
	err := d.db.Where("status IN ?", []string{
		string(types.OrderStatusNew), string(types.OrderStatusActive), string(types.OrderStatusPartiallyFilled),
		string(types.OrderStatusFailedInconsistent),
	}).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, toOrder(r))
	}
	return out, nil
}
