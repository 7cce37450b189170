// Package monitor drives the Signal Monitor loop: at a fixed cadence it
// acquires the cross-process run lock, walks the active watchlist, and
// carries each non-WAIT signal through the alert throttle, the order-side
// gate, placement, and protection attachment.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/config"
	"github.com/oakridge-systems/signalpipeline/gate"
	"github.com/oakridge-systems/signalpipeline/notifier"
	"github.com/oakridge-systems/signalpipeline/placer"
	"github.com/oakridge-systems/signalpipeline/protection"
	"github.com/oakridge-systems/signalpipeline/reconcile"
	"github.com/oakridge-systems/signalpipeline/signal"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/trace"
	"github.com/oakridge-systems/signalpipeline/types"
)

// rsiHistoryDepth bounds the in-memory RSI window kept per symbol for the
// RSI-cross-up evidence check; generous relative to any configured
// rsi_cross_up_candles.
const rsiHistoryDepth = 50

// runLocker is the subset of runlock.Lock the monitor needs; an interface so
// tests can substitute a stub that simulates a lock held by another process.
type runLocker interface {
	TryAcquire() (bool, error)
	Release() error
}

// Monitor is the Signal Monitor loop of spec.md §4.1.
type Monitor struct {
	db           *storage.Database
	rules        *config.Accessor
	gate         *gate.Gate
	placer       *placer.Placer
	protect      *protection.Manager
	traceWriter  *trace.Writer
	notify       *notifier.Notifier
	reconciler   *reconcile.Reconciler
	lock         runLocker
	tickInterval time.Duration

	runCounter uint64
	host       string

	firstCycleDone bool
	rsiHistory     map[string][]decimal.Decimal
}

// New constructs a Monitor from its fully-wired dependencies.
func New(
	db *storage.Database,
	rules *config.Accessor,
	g *gate.Gate,
	p *placer.Placer,
	prot *protection.Manager,
	tw *trace.Writer,
	notify *notifier.Notifier,
	reconciler *reconcile.Reconciler,
	lock runLocker,
	tickInterval time.Duration,
) *Monitor {
	host, _ := os.Hostname()
	return &Monitor{
		db:           db,
		rules:        rules,
		gate:         g,
		placer:       p,
		protect:      prot,
		traceWriter:  tw,
		notify:       notify,
		reconciler:   reconciler,
		lock:         lock,
		tickInterval: tickInterval,
		host:         host,
		rsiHistory:   make(map[string][]decimal.Decimal),
	}
}

// Run blocks, firing RunCycle on tickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	m.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes a single monitor cycle: acquire the run lock, process
// the active watchlist within the tick's soft deadline, and stamp any alert
// the cycle left PENDING.
func (m *Monitor) RunCycle(ctx context.Context) {
	runID := fmt.Sprintf("%d:%d", os.Getpid(), atomic.AddUint64(&m.runCounter, 1))
	logger := log.With().Str("run_id", runID).Str("host", m.host).Logger()

	acquired, err := m.lock.TryAcquire()
	if err != nil {
		logger.Error().Err(err).Msg("run lock acquisition failed")
		return
	}
	if !acquired {
		logger.Info().Msg("RUN_LOCKED")
		return
	}
	defer func() {
		if err := m.lock.Release(); err != nil {
			logger.Error().Err(err).Msg("run lock release failed")
		}
	}()

	logger.Info().Msg("RUN_START")
	deadline := time.Now().Add(m.tickInterval)

	watchlist, err := m.db.ActiveWatchlist()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load watchlist")
		return
	}

	if !m.firstCycleDone {
		m.logStartupSummary(logger, watchlist)
		m.firstCycleDone = true
	}

	deferred := 0
	for _, entry := range watchlist {
		if time.Now().After(deadline) {
			deferred++
			continue
		}
		m.processSymbol(ctx, logger, entry)
	}

	m.stampOrphanedAlerts(logger)

	logger.Info().Int("symbols", len(watchlist)).Int("deferred", deferred).Msg("RUN_END")
}

func (m *Monitor) logStartupSummary(logger zerolog.Logger, watchlist []types.WatchlistEntry) {
	enabled, disabled := 0, 0
	for _, e := range watchlist {
		if e.AlertEnabled {
			enabled++
		} else {
			disabled++
		}
	}
	logger.Info().
		Int("enabled", enabled).
		Int("disabled", disabled).
		Str("source", "db").
		Msg("STARTUP_ALERT_CONFIG")
}

// processSymbol carries one watchlist entry through evaluation, the alert
// throttle, the order-side gate, placement, and protection attachment.
// Exceptions in this step are logged and decision-traced rather than halting
// the cycle (spec.md §4.1 failure semantics).
func (m *Monitor) processSymbol(ctx context.Context, logger zerolog.Logger, entry types.WatchlistEntry) {
	currentSide := types.SideWait
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("symbol", entry.Symbol).Msg("FAILED/EXCHANGE_ERROR_UNKNOWN")
			if currentSide == types.SideWait {
				return
			}
			if err := m.traceWriter.Record(trace.Decision{
				Symbol: entry.Symbol, Side: currentSide, Type: types.DecisionFailed,
				Reason: types.ReasonExchangeErrorUnknown, Message: fmt.Sprintf("%v", r),
			}); err != nil {
				logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("decision trace write failed after panic recovery")
			}
		}
	}()

	snapshot, ok, err := m.db.LatestSnapshot(entry.Symbol)
	if err != nil {
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("snapshot lookup failed")
		return
	}
	if !ok {
		logger.Warn().Str("symbol", entry.Symbol).Msg("DATA_MISSING snapshot")
		return
	}

	rules, err := m.rules.Rules(entry.StrategyKey)
	if err != nil {
		logger.Warn().Err(err).Str("symbol", entry.Symbol).Msg("DATA_MISSING strategy rules")
		return
	}

	if snapshot.RSI != nil {
		m.appendRSIHistory(entry.Symbol, *snapshot.RSI)
	}

	sig := signal.Evaluate(snapshot, rules, entry.ManualSignal, m.rsiHistory[entry.Symbol])
	if sig.Side == types.SideWait {
		return
	}
	currentSide = sig.Side

	if !entry.AlertAllowed(sig.Side) {
		return
	}

	logger.Info().Str("symbol", entry.Symbol).Str("side", string(sig.Side)).Msg("ALERT_CHECK")

	state, err := m.db.GetThrottleState(entry.Symbol, sig.Side, entry.StrategyKey)
	if err != nil {
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("throttle state lookup failed")
		return
	}
	if state == nil {
		state = &types.ThrottleState{Symbol: entry.Symbol, Side: sig.Side, StrategyKey: entry.StrategyKey}
	}

	// Strategy rules express min_price_change_pct in percent; the gate compares a fraction.
	minChange := rules.MinPriceChangePct.Div(decimal.NewFromInt(100))
	allowed, newState, reason := m.gate.CheckThrottle(*state, time.Now(), snapshot.Price, rules.AlertCooldownMin, minChange)
	if err := m.db.UpsertThrottleState(newState); err != nil {
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("throttle state write failed")
	}
	if !allowed {
		_, err := m.db.CreateAlert(types.AlertRecord{
			Symbol: entry.Symbol, Side: sig.Side, PriceAtEmit: snapshot.Price, Timestamp: time.Now(),
			DecisionType: types.DecisionSkipped, ReasonCode: reason,
		})
		if err != nil {
			logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("failed to record skipped alert")
		}
		return
	}

	logger.Info().Str("symbol", entry.Symbol).Str("side", string(sig.Side)).Msg("ALERT_ALLOWED")

	alertID, err := m.db.CreateAlert(types.AlertRecord{
		Symbol: entry.Symbol, Side: sig.Side, PriceAtEmit: snapshot.Price, Timestamp: time.Now(),
		DecisionType: types.DecisionPending,
	})
	if err != nil {
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("failed to create alert record")
		return
	}

	m.notify.Send(fmt.Sprintf("%s %s at %s (%s)", entry.Symbol, sig.Side, snapshot.Price.String(), sig.Reasons), "monitor")

	m.attemptOrder(ctx, logger, entry, sig, snapshot, rules, alertID)
}

// attemptOrder runs the order-side gate and, on approval, submits the order
// and attaches protection on fill. The alert created by the caller is
// guaranteed a terminal decision by the end of this call or by the
// end-of-cycle safety net.
func (m *Monitor) attemptOrder(ctx context.Context, logger zerolog.Logger, entry types.WatchlistEntry, sig types.Signal, snapshot types.MarketSnapshot, rules types.StrategyRules, alertID uint) {
	inst, err := m.placer.ResolveInstrument(entry.Symbol)
	if err != nil {
		m.recordDecision(logger, entry.Symbol, sig.Side, types.DecisionSkipped, types.ReasonDataMissing, err.Error(), nil)
		return
	}

	signalKey := fmt.Sprintf("%s:%s:%s", entry.Symbol, sig.Side, snapshot.Timestamp.Truncate(time.Minute).Format(time.RFC3339))

	var available decimal.Decimal
	if sig.Side == types.SideBuy {
		if bal, ok := m.reconciler.Balance(inst.QuoteAsset); ok {
			available = bal.Available
		}
	} else {
		if bal, ok := m.reconciler.Balance(inst.BaseAsset); ok {
			available = bal.Available
		}
	}

	openNotional, err := m.db.OpenNotionalTotal()
	if err != nil {
		m.recordDecision(logger, entry.Symbol, sig.Side, types.DecisionFailed, types.ReasonGuardrailBlocked, "unable to compute open notional", nil)
		return
	}

	outcome := m.gate.Evaluate(ctx, gate.OrderRequest{
		Symbol: entry.Symbol, BaseAsset: inst.BaseAsset, Side: sig.Side, Watchlist: entry,
		LastPrice: snapshot.Price, AvailableBalance: available, OpenNotional: openNotional, SignalKey: signalKey,
	})

	logger.Info().Str("symbol", entry.Symbol).Str("kind", string(outcome.Kind)).Str("reason", string(outcome.Reason)).Msg("GUARD decision_gate")

	if outcome.Kind != gate.OutcomeOk {
		decisionType := types.DecisionSkipped
		if outcome.Kind == gate.OutcomeBlocked {
			decisionType = types.DecisionBlocked
		} else if outcome.Kind == gate.OutcomeFailed {
			decisionType = types.DecisionFailed
		}
		m.recordDecision(logger, entry.Symbol, sig.Side, decisionType, outcome.Reason, outcome.Message, outcome.Context)
		return
	}

	placeOutcome, orderID := m.placer.Place(ctx, placer.Request{
		Symbol: entry.Symbol, Side: sig.Side, Type: types.OrderTypeLimit,
		NotionalUSD: *entry.TradeAmountUSD, LastPrice: snapshot.Price,
		OnMargin: entry.TradeOnMargin, Leverage: entry.Leverage, SignalKey: signalKey,
	})

	var orderIDStr *string
	if orderID != nil {
		s := fmt.Sprintf("%d", *orderID)
		orderIDStr = &s
		logger.Info().Str("symbol", entry.Symbol).Uint("order_id", *orderID).Msg("ORDER_PLACED")
	}

	if placeOutcome.Kind != gate.OutcomeOk {
		decisionType := types.DecisionFailed
		if placeOutcome.Kind == gate.OutcomeBlocked {
			decisionType = types.DecisionBlocked
		} else if placeOutcome.Kind == gate.OutcomeSkipped {
			decisionType = types.DecisionSkipped
		}
		m.recordDecision(logger, entry.Symbol, sig.Side, decisionType, placeOutcome.Reason, placeOutcome.Message, placeOutcome.Context)
		return
	}

	m.recordDecisionWithOrder(logger, entry.Symbol, sig.Side, types.DecisionExecuted, placeOutcome.Reason, "", nil, orderIDStr)

	if orderID != nil {
		atr := decimal.Zero
		if snapshot.ATR != nil {
			atr = *snapshot.ATR
		}
		go m.awaitFillAndProtect(entry, rules, *orderID, inst, atr, logger)
	}
}

func (m *Monitor) awaitFillAndProtect(entry types.WatchlistEntry, rules types.StrategyRules, orderID uint, inst types.Instrument, atr decimal.Decimal, logger zerolog.Logger) {
	filled, ok := m.protect.AwaitFill(orderID)
	if !ok {
		logger.Warn().Uint("order_id", orderID).Str("symbol", entry.Symbol).Msg("entry fill not confirmed within polling window")
		return
	}
	logger.Info().Uint("order_id", orderID).Str("symbol", entry.Symbol).Msg("ORDER_FILLED")

	sl, tp := protection.ComputeLevels(filled.Side, filled.Price, atr, rules)
	if err := m.protect.CreateOCO(context.Background(), filled, inst, sl, tp); err != nil {
		logger.Error().Err(err).Uint("order_id", orderID).Str("symbol", entry.Symbol).Msg("protection attachment failed")
	}
}

func (m *Monitor) recordDecision(logger zerolog.Logger, symbol string, side types.Side, decisionType types.DecisionType, reason types.ReasonCode, message string, ctx map[string]interface{}) {
	m.recordDecisionWithOrder(logger, symbol, side, decisionType, reason, message, ctx, nil)
}

func (m *Monitor) recordDecisionWithOrder(logger zerolog.Logger, symbol string, side types.Side, decisionType types.DecisionType, reason types.ReasonCode, message string, ctx map[string]interface{}, orderID *string) {
	if err := m.traceWriter.Record(trace.Decision{
		Symbol: symbol, Side: side, Type: decisionType, Reason: reason, Message: message, Context: ctx, OrderID: orderID,
	}); err != nil {
		logger.Error().Err(err).Str("symbol", symbol).Msg("decision trace write failed")
	}
}

// stampOrphanedAlerts is the safety-net writer: any alert still PENDING once
// the cycle ends is stamped SKIPPED/DECISION_PIPELINE_NOT_CALLED, so no
// alert can be left without a terminal decision.
func (m *Monitor) stampOrphanedAlerts(logger zerolog.Logger) {
	pending, err := m.db.PendingAlertsBefore(time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to scan pending alerts for safety net")
		return
	}
	for _, a := range pending {
		if err := m.db.UpdateAlertDecision(a.ID, types.DecisionSkipped, types.ReasonPipelineNotCalled, "cycle ended before decision pipeline completed", nil, nil, ""); err != nil {
			logger.Error().Err(err).Uint("alert_id", a.ID).Msg("failed to stamp orphaned alert")
		}
	}
}

func (m *Monitor) appendRSIHistory(symbol string, rsi decimal.Decimal) {
	h := append(m.rsiHistory[symbol], rsi)
	if len(h) > rsiHistoryDepth {
		h = h[len(h)-rsiHistoryDepth:]
	}
	m.rsiHistory[symbol] = h
}

