// Package storage is the GORM-backed persistence layer: six tables per
// spec.md §6, with conversion helpers to and from the value types in
// package types so the core pipeline packages never import gorm.io/gorm
// directly.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

const decimalColumn = "decimal(24,10)"

// WatchlistItem mirrors types.WatchlistEntry.
type WatchlistItem struct {
	Symbol           string `gorm:"primaryKey"`
	StrategyKey      string
	AlertEnabled     bool
	BuyAlertEnabled  bool
	SellAlertEnabled bool
	TradeEnabled     bool
	TradeOnMargin    bool
	TradeAmountUSD   *decimal.Decimal `gorm:"type:decimal(24,10)"`
	Leverage         *decimal.Decimal `gorm:"type:decimal(24,10)"`
	ManualSignal     *string
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MarketData mirrors types.MarketSnapshot.
type MarketData struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"index"`
	Price     decimal.Decimal  `gorm:"type:decimal(24,10)"`
	RSI       *decimal.Decimal `gorm:"type:decimal(24,10)"`
	EMA10     *decimal.Decimal `gorm:"type:decimal(24,10)"`
	MA50      *decimal.Decimal `gorm:"type:decimal(24,10)"`
	MA200     *decimal.Decimal `gorm:"type:decimal(24,10)"`
	MA10w     *decimal.Decimal `gorm:"type:decimal(24,10)"`
	Volume    *decimal.Decimal `gorm:"type:decimal(24,10)"`
	AvgVolume *decimal.Decimal `gorm:"type:decimal(24,10)"`
	ATR       *decimal.Decimal `gorm:"type:decimal(24,10)"`
	Timestamp time.Time        `gorm:"index"`
}

// ExchangeOrder mirrors types.Order.
type ExchangeOrder struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ExchangeOrderID string `gorm:"uniqueIndex"`
	Symbol          string `gorm:"index"`
	Side            string
	Type            string
	Role            string
	Status          string `gorm:"index"`
	Price           decimal.Decimal  `gorm:"type:decimal(24,10)"`
	TriggerPrice    *decimal.Decimal `gorm:"type:decimal(24,10)"`
	Quantity        decimal.Decimal  `gorm:"type:decimal(24,10)"`
	FilledQuantity  decimal.Decimal  `gorm:"type:decimal(24,10)"`
	SubmittedAt     time.Time
	UpdatedAt       time.Time
	ParentOrderID   *uint   `gorm:"index"`
	OCOGroupID      *string `gorm:"index"`
	SignalKey       string  `gorm:"index"`
}

func (ExchangeOrder) TableName() string { return "exchange_orders" }

// AlertMessage mirrors types.AlertRecord. This is also the decision-trace
// store: trace.Writer updates rows in place rather than inserting a
// separate trace table.
type AlertMessage struct {
	ID                    uint   `gorm:"primaryKey;autoIncrement"`
	Symbol                string `gorm:"index"`
	Side                  string
	PriceAtEmit           decimal.Decimal `gorm:"type:decimal(24,10)"`
	Timestamp             time.Time       `gorm:"index"`
	DecisionType          string          `gorm:"index"`
	ReasonCode            string
	ReasonMessage         string
	ContextJSON           string
	OrderID               *string
	ExchangeErrorSnippet  string
}

func (AlertMessage) TableName() string { return "alert_messages" }

// ThrottleState mirrors types.ThrottleState, keyed by (symbol, side, strategy_key).
type ThrottleState struct {
	Symbol        string `gorm:"primaryKey"`
	Side          string `gorm:"primaryKey"`
	StrategyKey   string `gorm:"primaryKey"`
	LastEmitTime  time.Time
	LastEmitPrice decimal.Decimal `gorm:"type:decimal(24,10)"`
	ForceNext     bool
}

func (ThrottleState) TableName() string { return "throttle_states" }

// InstrumentMetadataCache mirrors types.Instrument, write-through with a TTL
// enforced by storage.Database.GetInstrument (§5).
type InstrumentMetadataCache struct {
	Symbol           string `gorm:"primaryKey"`
	BaseAsset        string
	QuoteAsset       string
	PriceTick        decimal.Decimal `gorm:"type:decimal(24,10)"`
	QuantityTick     decimal.Decimal `gorm:"type:decimal(24,10)"`
	MinQuantity      decimal.Decimal `gorm:"type:decimal(24,10)"`
	PriceDecimals    int32
	QuantityDecimals int32
	RefreshedAt      time.Time
}

func (InstrumentMetadataCache) TableName() string { return "instrument_metadata_cache" }
