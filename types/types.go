// Package types holds the value-level domain entities shared across the
// signal-to-order pipeline. Every price and quantity field is a
// shopspring/decimal value; binary floats never appear on this path.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trading direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideWait Side = "WAIT"
)

// OrderType mirrors the exchange's accepted order types.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLimit       OrderType = "STOP_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// OrderRole distinguishes an entry order from its attached protection legs.
type OrderRole string

const (
	RoleEntry      OrderRole = "ENTRY"
	RoleStopLoss   OrderRole = "STOP_LOSS"
	RoleTakeProfit OrderRole = "TAKE_PROFIT"
)

// OrderStatus is the Order entity's state machine.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	// OrderStatusFailedInconsistent marks a leg whose rollback cancellation
	// itself failed: its true exchange-side state is unknown. Deliberately
	// non-terminal so the Reconciler keeps re-examining it every cycle
	// instead of treating it as resolved.
	OrderStatusFailedInconsistent OrderStatus = "FAILED_INCONSISTENT"
)

// DecisionType is the lifecycle state of an AlertRecord.
type DecisionType string

const (
	DecisionPending  DecisionType = "PENDING"
	DecisionExecuted DecisionType = "EXECUTED"
	DecisionSkipped  DecisionType = "SKIPPED"
	DecisionFailed   DecisionType = "FAILED"
	DecisionBlocked  DecisionType = "BLOCKED"
)

// Terminal reports whether the order has reached a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Instrument is immutable per symbol, refreshed from exchange metadata and
// cached by storage.InstrumentMetadataCache.
type Instrument struct {
	Symbol           string
	BaseAsset        string
	QuoteAsset       string
	PriceTick        decimal.Decimal
	QuantityTick     decimal.Decimal
	MinQuantity      decimal.Decimal
	PriceDecimals    int32
	QuantityDecimals int32
}

// WatchlistEntry is one actively monitored symbol.
type WatchlistEntry struct {
	Symbol           string
	StrategyKey      string // e.g. "swing/conservative"
	AlertEnabled     bool
	BuyAlertEnabled  bool
	SellAlertEnabled bool
	TradeEnabled     bool
	TradeOnMargin    bool
	TradeAmountUSD   *decimal.Decimal
	Leverage         *decimal.Decimal
	ManualSignal     *Side // optional manual override
	Deleted          bool
}

// AlertAllowed reports whether this side's alert may fire. alert_enabled=false
// disables alerts regardless of the per-side flag.
func (w WatchlistEntry) AlertAllowed(side Side) bool {
	if !w.AlertEnabled {
		return false
	}
	switch side {
	case SideBuy:
		return w.BuyAlertEnabled
	case SideSell:
		return w.SellAlertEnabled
	default:
		return false
	}
}

// MarketSnapshot is produced by the market-data provider. Stale values are
// valid inputs; Timestamp records when the snapshot was taken.
type MarketSnapshot struct {
	Symbol    string
	Price     decimal.Decimal
	RSI       *decimal.Decimal
	EMA10     *decimal.Decimal
	MA50      *decimal.Decimal
	MA200     *decimal.Decimal
	MA10w     *decimal.Decimal
	Volume    *decimal.Decimal
	AvgVolume *decimal.Decimal
	ATR       *decimal.Decimal
	Timestamp time.Time
}

// StrategyRules is the source of truth for a (preset, risk_mode) pair. Every
// consumer reads through config.Accessor, never a raw map.
type StrategyRules struct {
	Preset             string
	RiskMode           string
	RSIBuyBelow        decimal.Decimal
	RSISellAbove       decimal.Decimal
	RequireMA200       bool
	RequireMAReversal  bool
	VolumeMinRatio     decimal.Decimal
	MinPriceChangePct  decimal.Decimal
	AlertCooldownMin   int
	ATRMultSL          decimal.Decimal
	FixedPctSL         decimal.Decimal
	RiskReward         decimal.Decimal
	RSICrossUpRequired bool
	RSICrossUpFloor    decimal.Decimal
	RSICrossUpCandles  int
}

// Signal is derived, never stored directly; callers may persist it as part
// of an AlertRecord.
type Signal struct {
	Symbol     string
	Side       Side
	Reasons    []string // ordered, stable, for deterministic comparisons
	ComputedAt time.Time
}

// Builder constructs a Signal with a stable, ordered reason list.
type Builder struct {
	s Signal
}

func NewSignal(symbol string) *Builder {
	return &Builder{s: Signal{Symbol: symbol, Side: SideWait}}
}

func (b *Builder) Side(side Side) *Builder {
	b.s.Side = side
	return b
}

func (b *Builder) Reason(reason string) *Builder {
	b.s.Reasons = append(b.s.Reasons, reason)
	return b
}

func (b *Builder) At(t time.Time) *Builder {
	b.s.ComputedAt = t
	return b
}

func (b *Builder) Build() Signal {
	return b.s
}

// ReasonCode enumerates the stable decision-trace reason vocabulary (spec §4.5).
type ReasonCode string

const (
	ReasonMaxOpenTrades        ReasonCode = "MAX_OPEN_TRADES_REACHED"
	ReasonRecentOrdersCooldown ReasonCode = "RECENT_ORDERS_COOLDOWN"
	ReasonTradeDisabled        ReasonCode = "TRADE_DISABLED"
	ReasonAlertDisabled        ReasonCode = "ALERT_DISABLED"
	ReasonDataMissing          ReasonCode = "DATA_MISSING"
	ReasonGuardrailBlocked     ReasonCode = "GUARDRAIL_BLOCKED"
	ReasonInsufficientBalance  ReasonCode = "INSUFFICIENT_AVAILABLE_BALANCE"
	ReasonIdempotencyBlocked   ReasonCode = "IDEMPOTENCY_BLOCKED"
	ReasonPipelineNotCalled    ReasonCode = "DECISION_PIPELINE_NOT_CALLED"
	ReasonThrottledMinTime     ReasonCode = "THROTTLED_MIN_TIME"
	ReasonThrottledMinPriceChange ReasonCode = "THROTTLED_MIN_PRICE_CHANGE"
	ReasonExchangeRejected     ReasonCode = "EXCHANGE_REJECTED"
	ReasonInsufficientFunds    ReasonCode = "INSUFFICIENT_FUNDS"
	ReasonAuthenticationError  ReasonCode = "AUTHENTICATION_ERROR"
	ReasonRateLimit            ReasonCode = "RATE_LIMIT"
	ReasonTimeout              ReasonCode = "TIMEOUT"
	ReasonInvalidPriceFormat   ReasonCode = "INVALID_PRICE_FORMAT"
	ReasonExchangeErrorUnknown ReasonCode = "EXCHANGE_ERROR_UNKNOWN"
	ReasonExecOrderPlaced      ReasonCode = "EXEC_ORDER_PLACED"
	ReasonExchangeAPIDisabled  ReasonCode = "EXCHANGE_API_DISABLED"
	ReasonQuantityBelowMin     ReasonCode = "QUANTITY_BELOW_MIN"
	ReasonSLTPSkippedExists    ReasonCode = "SLTP_SKIPPED_ALREADY_EXISTS"
	ReasonFailedInconsistent   ReasonCode = "FAILED_INCONSISTENT"
)

// AlertRecord is the outbound message audit entity. No alert may remain
// DecisionPending once its originating cycle has completed.
type AlertRecord struct {
	ID            uint
	Symbol        string
	Side          Side
	PriceAtEmit   decimal.Decimal
	Timestamp     time.Time
	DecisionType  DecisionType
	ReasonCode    ReasonCode
	ReasonMessage string
	Context       map[string]interface{}
	OrderID       *string
}

// ThrottleState is keyed by (symbol, side, strategy_key).
type ThrottleState struct {
	Symbol        string
	Side          Side
	StrategyKey   string
	LastEmitTime  time.Time
	LastEmitPrice decimal.Decimal
	ForceNext     bool
}

// Order is the local mirror of an exchange order.
type Order struct {
	ID              uint
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Role            OrderRole
	Status          OrderStatus
	Price           decimal.Decimal
	TriggerPrice    *decimal.Decimal
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	SubmittedAt     time.Time
	UpdatedAt       time.Time
	ParentOrderID   *uint
	OCOGroupID      *string
	SignalKey       string
}

// Balance is reconciled from the exchange and never mutated locally.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
}
