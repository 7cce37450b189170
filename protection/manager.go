// Package protection attaches and maintains the stop-loss/take-profit pair
// for a filled entry order, as an atomic one-cancels-other group.
package protection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/notifier"
	"github.com/oakridge-systems/signalpipeline/numeric"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

const (
	fillPollWindow = 30 * time.Second
	fillPollStep   = 2 * time.Second
)

// Manager computes and maintains SL/TP pairs. Holds an in-process lock keyed
// by parent_order_id so two goroutines can never race to create a second
// pair for the same entry.
type Manager struct {
	exchangeClient *exchange.Client
	db             *storage.Database
	notify         *notifier.Notifier

	mu      sync.Mutex
	perLock map[uint]*sync.Mutex
}

// New constructs a Manager.
func New(client *exchange.Client, db *storage.Database, notify *notifier.Notifier) *Manager {
	return &Manager{
		exchangeClient: client,
		db:             db,
		notify:         notify,
		perLock:        make(map[uint]*sync.Mutex),
	}
}

func (m *Manager) lockFor(parentOrderID uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perLock[parentOrderID]
	if !ok {
		l = &sync.Mutex{}
		m.perLock[parentOrderID] = l
	}
	return l
}

// AwaitFill polls the entry order's status for up to fillPollWindow, stepping
// every fillPollStep, and returns the filled order or false on timeout.
func (m *Manager) AwaitFill(parentOrderID uint) (types.Order, bool) {
	deadline := time.Now().Add(fillPollWindow)
	for {
		order, err := m.db.GetOrder(parentOrderID)
		if err == nil && order.Status == types.OrderStatusFilled {
			return order, true
		}
		if time.Now().After(deadline) {
			return types.Order{}, false
		}
		time.Sleep(fillPollStep)
	}
}

// ComputeLevels derives SL and TP prices from the fill price, ATR, and
// strategy rules, per spec.md §4.6.
func ComputeLevels(side types.Side, fillPrice, atr decimal.Decimal, rules types.StrategyRules) (sl, tp decimal.Decimal) {
	var distance decimal.Decimal
	if !atr.IsZero() {
		distance = atr.Mul(rules.ATRMultSL)
	} else {
		distance = fillPrice.Mul(rules.FixedPctSL)
	}
	reward := distance.Mul(rules.RiskReward)

	if side == types.SideBuy {
		return fillPrice.Sub(distance), fillPrice.Add(reward)
	}
	return fillPrice.Add(distance), fillPrice.Sub(reward)
}

// CreateOCO attempts to place the SL then TP leg for a filled entry order.
// Both must succeed; if the second fails, the first is cancelled
// ("rollback"). If rollback also fails, the first leg is flagged
// FAILED_INCONSISTENT and a CRITICAL notification is emitted. Partial
// success is never left standing.
func (m *Manager) CreateOCO(ctx context.Context, parent types.Order, inst types.Instrument, sl, tp decimal.Decimal) error {
	lock := m.lockFor(parent.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.db.ActiveProtectionOrdersByParent(parent.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Info().Uint("parent_order_id", parent.ID).Msg("SLTP_SKIPPED_ALREADY_EXISTS")
		return nil
	}

	groupID := newGroupID()
	slDir := numeric.ProtectionRounding(string(parent.Side), string(types.RoleStopLoss))
	tpDir := numeric.ProtectionRounding(string(parent.Side), string(types.RoleTakeProfit))

	slPrice := numeric.NormalizePrice(sl, inst.PriceTick, slDir, inst.PriceDecimals)
	tpPrice := numeric.NormalizePrice(tp, inst.PriceTick, tpDir, inst.PriceDecimals)
	qty := parent.FilledQuantity
	if qty.IsZero() {
		qty = parent.Quantity
	}
	qtyStr, err := numeric.NormalizeQuantity(qty, inst.QuantityTick, inst.MinQuantity, inst.QuantityDecimals)
	if err != nil {
		return err
	}

	closingSide := opposite(parent.Side)

	slOrder, err := m.submitLeg(ctx, parent, inst, closingSide, types.RoleStopLoss, slPrice, qtyStr, groupID)
	if err != nil {
		return fmt.Errorf("stop-loss leg failed, no orders placed: %w", err)
	}

	tpOrder, err := m.submitLeg(ctx, parent, inst, closingSide, types.RoleTakeProfit, tpPrice, qtyStr, groupID)
	if err != nil {
		m.rollback(ctx, slOrder)
		return fmt.Errorf("take-profit leg failed, stop-loss rolled back: %w", err)
	}

	log.Info().Str("oco_group_id", groupID).Uint("parent_order_id", parent.ID).
		Uint("sl_order_id", slOrder.ID).Uint("tp_order_id", tpOrder.ID).Msg("SLTP_PLACED")
	return nil
}

func (m *Manager) submitLeg(ctx context.Context, parent types.Order, inst types.Instrument, side types.Side, role types.OrderRole, price, qty, groupID string) (types.Order, error) {
	orderType := types.OrderTypeStopLimit
	triggerDir := numeric.TriggerLTE
	if role == types.RoleTakeProfit {
		orderType = types.OrderTypeTakeProfitLimit
		triggerDir = numeric.TriggerGTE
	}
	if parent.Side == types.SideSell {
		if role == types.RoleStopLoss {
			triggerDir = numeric.TriggerGTE
		} else {
			triggerDir = numeric.TriggerLTE
		}
	}

	wireReq := exchange.CreateOrderRequest{
		Symbol:           parent.Symbol,
		Side:             string(side),
		Type:             string(orderType),
		Price:            price,
		TriggerPrice:     price,
		TriggerCondition: numeric.FormatTriggerCondition(triggerDir, price, 0),
		Quantity:         qty,
	}

	wireOrder, err := m.exchangeClient.CreateOrder(ctx, wireReq)
	if err != nil {
		return types.Order{}, err
	}

	parentID := parent.ID
	order := types.Order{
		ExchangeOrderID: wireOrder.OrderID,
		Symbol:          parent.Symbol,
		Side:            side,
		Type:            orderType,
		Role:            role,
		Status:          types.OrderStatusNew,
		Price:           exchange.MustDecimal(price),
		Quantity:        exchange.MustDecimal(qty),
		SubmittedAt:     time.Now(),
		UpdatedAt:       time.Now(),
		ParentOrderID:   &parentID,
		OCOGroupID:      &groupID,
		SignalKey:       parent.SignalKey,
	}
	id, err := m.db.CreateOrder(order)
	if err != nil {
		return types.Order{}, err
	}
	order.ID = id
	return order, nil
}

// rollback cancels a leg that was left orphaned by a failed sibling
// submission. If cancellation itself fails, the leg is marked
// FAILED_INCONSISTENT and a CRITICAL alert is emitted — partial success must
// never be left standing silently.
func (m *Manager) rollback(ctx context.Context, leg types.Order) {
	if err := m.exchangeClient.CancelOrder(ctx, leg.ExchangeOrderID); err != nil {
		log.Error().Err(err).Uint("order_id", leg.ID).Msg("rollback cancellation failed")
		_ = m.db.UpdateOrderStatus(leg.ID, types.OrderStatusFailedInconsistent, decimal.Zero, leg.ExchangeOrderID)
		if m.notify != nil {
			m.notify.Send(fmt.Sprintf("CRITICAL: OCO rollback failed for order %d, marked %s", leg.ID, types.ReasonFailedInconsistent), "protection")
		}
		return
	}
	_ = m.db.UpdateOrderStatus(leg.ID, types.OrderStatusCancelled, decimal.Zero, leg.ExchangeOrderID)
}

// HandleFill cancels the sibling of a just-filled protection order, sharing
// oco_group_id when present, else falling back to parent_order_id, else to a
// (symbol, type, 5-minute window) match for legacy orders without a group id.
// No opposite-role match is attempted.
func (m *Manager) HandleFill(filled types.Order) error {
	siblings, err := m.findSiblings(filled)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ID == filled.ID {
			continue
		}
		if sib.Status == types.OrderStatusCancelled {
			log.Info().Uint("order_id", sib.ID).Msg("sibling already cancelled, skipping re-cancel")
			continue
		}
		if err := m.exchangeClient.CancelOrder(context.Background(), sib.ExchangeOrderID); err != nil {
			log.Error().Err(err).Uint("order_id", sib.ID).Msg("failed to cancel sibling")
			continue
		}
		_ = m.db.UpdateOrderStatus(sib.ID, types.OrderStatusCancelled, sib.FilledQuantity, sib.ExchangeOrderID)
	}
	return nil
}

func (m *Manager) findSiblings(filled types.Order) ([]types.Order, error) {
	if filled.OCOGroupID != nil {
		return m.db.OrdersByOCOGroup(*filled.OCOGroupID)
	}
	if filled.ParentOrderID != nil {
		return m.db.ActiveProtectionOrdersByParent(*filled.ParentOrderID)
	}
	return m.db.OrdersBySymbolTypeWindow(filled.Symbol, filled.Type, 5*time.Minute)
}

func opposite(side types.Side) types.Side {
	if side == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func newGroupID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
