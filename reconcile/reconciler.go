// Package reconcile runs the periodic three-pass reconciliation loop that
// keeps the local balance mirror, order history, and open-order set aligned
// with the exchange's view of the account.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/notifier"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

// orderHistoryLimit bounds how many recent completed orders are fetched per
// reconciliation cycle.
const orderHistoryLimit = 200

// Reconciler mirrors exchange account state into the local database on its
// own cadence, independent of the Signal Monitor loop. Balance is held only
// in-memory: it is not one of the persisted tables (spec §6), it is
// overwritten wholesale every cycle from the exchange's account summary.
type Reconciler struct {
	exchangeClient *exchange.Client
	db             *storage.Database
	notify         *notifier.Notifier
	interval       time.Duration

	mu       sync.RWMutex
	balances map[string]types.Balance

	stopCh chan struct{}
}

// New constructs a Reconciler. interval is the cadence between cycles
// (spec default 15s).
func New(client *exchange.Client, db *storage.Database, notify *notifier.Notifier, interval time.Duration) *Reconciler {
	return &Reconciler{
		exchangeClient: client,
		db:             db,
		notify:         notify,
		interval:       interval,
		balances:       make(map[string]types.Balance),
		stopCh:         make(chan struct{}),
	}
}

// Run blocks, executing a reconciliation cycle every interval until ctx is
// canceled or Stop is called.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation cycle incomplete, retrying next cycle")
			}
		}
	}
}

// Stop ends the Run loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// Balance returns the current in-memory mirror for asset, if known.
func (r *Reconciler) Balance(asset string) (types.Balance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[asset]
	return b, ok
}

// RunOnce executes the three passes in spec order: balances, order history,
// then open orders. History must run before open-orders so a just-filled
// order is never mistaken for a dropped one.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if err := r.reconcileBalances(ctx); err != nil {
		return err
	}
	if err := r.reconcileOrderHistory(ctx); err != nil {
		return err
	}
	if err := r.reconcileOpenOrders(ctx); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) reconcileBalances(ctx context.Context) error {
	wireBalances, err := r.exchangeClient.GetAccountSummary(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]types.Balance, len(wireBalances))
	for _, wb := range wireBalances {
		total, err := decimal.NewFromString(wb.Total)
		if err != nil {
			return fmt.Errorf("malformed total balance for %s: %w", wb.Asset, err)
		}
		available, err := decimal.NewFromString(wb.Available)
		if err != nil {
			return fmt.Errorf("malformed available balance for %s: %w", wb.Asset, err)
		}
		reserved, err := decimal.NewFromString(wb.Reserved)
		if err != nil {
			return fmt.Errorf("malformed reserved balance for %s: %w", wb.Asset, err)
		}
		fresh[wb.Asset] = types.Balance{Asset: wb.Asset, Total: total, Available: available, Reserved: reserved}
	}

	r.mu.Lock()
	r.balances = fresh
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) reconcileOrderHistory(ctx context.Context) error {
	history, err := r.exchangeClient.GetOrderHistory(ctx, orderHistoryLimit)
	if err != nil {
		return err
	}

	for _, wo := range history {
		status := mapWireStatus(wo.Status)
		if !status.Terminal() {
			continue
		}
		existing, err := r.db.FindByExchangeOrderID(wo.OrderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", wo.OrderID).Msg("order history lookup failed")
			continue
		}
		if existing == nil || existing.Status.Terminal() {
			continue
		}
		filledQty, err := decimal.NewFromString(wo.FilledQuantity)
		if err != nil {
			log.Error().Err(err).Str("order_id", wo.OrderID).Msg("malformed filled quantity in order history, skipping")
			continue
		}
		if err := r.db.UpdateOrderStatus(existing.ID, status, filledQty, wo.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", wo.OrderID).Msg("failed to upsert order history")
		}
	}
	return nil
}

func (r *Reconciler) reconcileOpenOrders(ctx context.Context) error {
	openWire, err := r.exchangeClient.GetOpenOrders(ctx)
	if err != nil {
		return err
	}

	openByExchangeID := make(map[string]struct{}, len(openWire))
	for _, wo := range openWire {
		openByExchangeID[wo.OrderID] = struct{}{}
	}

	localOpen, err := r.db.OpenOrders()
	if err != nil {
		return err
	}

	for _, o := range localOpen {
		if _, stillOpen := openByExchangeID[o.ExchangeOrderID]; stillOpen {
			continue
		}

		fresh, err := r.db.GetOrder(o.ID)
		if err != nil {
			log.Error().Err(err).Uint("order_id", o.ID).Msg("re-read before sync-cancel failed")
			continue
		}
		if fresh.Status.Terminal() {
			continue
		}

		if err := r.db.UpdateOrderStatus(fresh.ID, types.OrderStatusCancelled, fresh.FilledQuantity, fresh.ExchangeOrderID); err != nil {
			log.Error().Err(err).Uint("order_id", fresh.ID).Msg("sync-cancel failed")
			continue
		}

		log.Warn().Uint("order_id", fresh.ID).Str("symbol", fresh.Symbol).Msg("order sync-cancelled, not seen in open-orders pass")
		if r.notify != nil {
			r.notify.Send("order sync-cancelled (no longer open on exchange): "+fresh.Symbol, "reconcile")
		}
	}
	return nil
}

func mapWireStatus(s string) types.OrderStatus {
	switch s {
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELLED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "ACTIVE":
		return types.OrderStatusActive
	default:
		return types.OrderStatusNew
	}
}

