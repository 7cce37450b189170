// Package gate implements the alert-side throttle and the nine-step
// order-side decision gate that stands between a computed Signal and an
// order submission.
package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/reconcile"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

// Scope controls whether the max-open-trades and recent-orders checks are
// evaluated per exact symbol or per base asset. Defaults to ScopeBase per
// spec.md's stated default ("the per-symbol/per-base cap ambiguity").
type Scope int

const (
	ScopeBase Scope = iota
	ScopeSymbol
)

// Config holds the gate's tunable thresholds, sourced from config.Environment.
type Config struct {
	MaxOpenTrades        int
	RecentOrdersCooldown time.Duration
	IdempotencyWindow    time.Duration
	PortfolioNotionalCap decimal.Decimal
	Scope                Scope
}

// OutcomeKind tags the four terminal shapes an Outcome can take.
type OutcomeKind string

const (
	OutcomeOk      OutcomeKind = "OK"
	OutcomeSkipped OutcomeKind = "SKIPPED"
	OutcomeFailed  OutcomeKind = "FAILED"
	OutcomeBlocked OutcomeKind = "BLOCKED"
)

// Outcome is the tagged result the Decision Gate hands to the Order Placer
// and the Decision-Trace Writer. Exactly one of the four kinds applies.
type Outcome struct {
	Kind    OutcomeKind
	Reason  types.ReasonCode
	Message string
	Context map[string]interface{}
}

func ok() Outcome { return Outcome{Kind: OutcomeOk} }

func skipped(reason types.ReasonCode, msg string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason, Message: msg}
}

func blocked(reason types.ReasonCode, msg string) Outcome {
	return Outcome{Kind: OutcomeBlocked, Reason: reason, Message: msg}
}

// OrderRequest is the order-side gate's input: a watchlist entry's trade
// intent plus the live numbers the gate's nine steps need.
type OrderRequest struct {
	Symbol           string
	BaseAsset        string
	Side             types.Side
	Watchlist        types.WatchlistEntry
	LastPrice        decimal.Decimal
	AvailableBalance decimal.Decimal
	OpenNotional     decimal.Decimal
	SignalKey        string
}

// Gate holds the database and idempotency dependencies needed to evaluate
// both the alert-side throttle and the order-side gate.
type Gate struct {
	db   *storage.Database
	idem *reconcile.IdempotencyCache
	cfg  Config
}

// New constructs a Gate. A zero-value cfg.Scope is ScopeBase.
func New(db *storage.Database, idem *reconcile.IdempotencyCache, cfg Config) *Gate {
	return &Gate{db: db, idem: idem, cfg: cfg}
}

// CheckThrottle implements the alert-side throttle of spec.md §4.3. It
// returns whether the alert is allowed and the ThrottleState to persist
// regardless of outcome (callers must write it back via
// storage.Database.UpsertThrottleState). minPriceChangePct is a fraction of
// the last emitted price (0.01 means 1%).
func (g *Gate) CheckThrottle(state types.ThrottleState, now time.Time, price decimal.Decimal, cooldownMinutes int, minPriceChangePct decimal.Decimal) (bool, types.ThrottleState, types.ReasonCode) {
	if state.ForceNext {
		state.ForceNext = false
		state.LastEmitTime = now
		state.LastEmitPrice = price
		return true, state, ""
	}

	cooldown := time.Duration(cooldownMinutes) * time.Minute
	if !state.LastEmitTime.IsZero() && now.Sub(state.LastEmitTime) < cooldown {
		return false, state, types.ReasonThrottledMinTime
	}

	if !state.LastEmitPrice.IsZero() {
		change := price.Sub(state.LastEmitPrice).Abs().Div(state.LastEmitPrice)
		if change.LessThan(minPriceChangePct) {
			return false, state, types.ReasonThrottledMinPriceChange
		}
	}

	state.LastEmitTime = now
	state.LastEmitPrice = price
	return true, state, ""
}

// Evaluate runs the nine-step order-side gate of spec.md §4.3, in order,
// short-circuiting on the first failing step.
func (g *Gate) Evaluate(ctx context.Context, req OrderRequest) Outcome {
	w := req.Watchlist

	if !w.TradeEnabled {
		return skipped(types.ReasonTradeDisabled, "trade_enabled is false")
	}
	if !w.AlertEnabled {
		return skipped(types.ReasonAlertDisabled, "alert_enabled is false (race defense)")
	}

	scopeKey, exact := g.scopeKey(req)
	openTPCount, err := g.db.CountNonTerminalTPByBase(scopeKey, exact)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("open TP count query failed")
		return blocked(types.ReasonGuardrailBlocked, "unable to verify open-trade count")
	}
	if int(openTPCount) >= g.cfg.MaxOpenTrades {
		return skipped(types.ReasonMaxOpenTrades, "max open trades reached for scope")
	}

	recentCount, err := g.db.CountRecentOrdersByBase(scopeKey, g.cfg.RecentOrdersCooldown)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("recent orders query failed")
		return blocked(types.ReasonGuardrailBlocked, "unable to verify recent-orders cooldown")
	}
	if recentCount > 0 {
		return skipped(types.ReasonRecentOrdersCooldown, "an order for this base was placed within the cooldown window")
	}

	idemExists, err := g.idem.Exists(ctx, req.SignalKey, g.cfg.IdempotencyWindow)
	if err != nil {
		log.Error().Err(err).Str("signal_key", req.SignalKey).Msg("idempotency check failed")
		return blocked(types.ReasonGuardrailBlocked, "unable to verify idempotency")
	}
	if idemExists {
		return skipped(types.ReasonIdempotencyBlocked, "an order with this signal_key already exists")
	}

	if w.TradeAmountUSD == nil {
		return skipped(types.ReasonDataMissing, "trade amount not configured")
	}
	notional := *w.TradeAmountUSD
	if req.OpenNotional.Add(notional).GreaterThan(g.cfg.PortfolioNotionalCap) {
		return blocked(types.ReasonGuardrailBlocked, "portfolio notional cap would be exceeded")
	}

	if req.AvailableBalance.LessThan(requiredAmount(req.Side, notional, req.LastPrice)) {
		return skipped(types.ReasonInsufficientBalance, "available balance below required notional/quantity")
	}

	return ok()
}

func (g *Gate) scopeKey(req OrderRequest) (key string, exact bool) {
	if g.cfg.Scope == ScopeSymbol {
		return req.Symbol, true
	}
	return req.BaseAsset, false
}

// requiredAmount returns the quote-asset notional (BUY) or base-asset
// quantity (SELL) required to satisfy req, per spec.md §4.3 step 7.
func requiredAmount(side types.Side, notionalUSD, lastPrice decimal.Decimal) decimal.Decimal {
	if side == types.SideSell && !lastPrice.IsZero() {
		return notionalUSD.Div(lastPrice)
	}
	return notionalUSD
}
