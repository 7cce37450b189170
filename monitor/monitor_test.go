package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/config"
	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/gate"
	"github.com/oakridge-systems/signalpipeline/notifier"
	"github.com/oakridge-systems/signalpipeline/placer"
	"github.com/oakridge-systems/signalpipeline/protection"
	"github.com/oakridge-systems/signalpipeline/reconcile"
	"github.com/oakridge-systems/signalpipeline/runlock"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/trace"
	"github.com/oakridge-systems/signalpipeline/types"
)

const testRulesYAML = `
presets:
  swing:
    aggressive:
      rsi_buy_below: 40
      rsi_sell_above: 60
      require_ma200: false
      require_ma_reversal: false
      volume_min_ratio: 1.0
      min_price_change_pct: 0.5
      alert_cooldown_minutes: 5
      atr_mult_sl: 1.0
      fixed_pct_sl: 0.02
      risk_reward: 1.5
      rsi_cross_up_required: false
      rsi_cross_up_floor: 35
      rsi_cross_up_candles: 2
`

func openTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return db
}

func testAccessor(t *testing.T) *config.Accessor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy_rules.yaml")
	if err := os.WriteFile(path, []byte(testRulesYAML), 0o644); err != nil {
		t.Fatalf("write test rules: %v", err)
	}
	a, err := config.NewAccessor(path)
	if err != nil {
		t.Fatalf("load test rules: %v", err)
	}
	return a
}

// buildMonitor wires a Monitor against a fresh sqlite database and a fake
// exchange server, mirroring a real process's dependency-injection order.
func buildMonitor(t *testing.T, onCreateOrder func(w http.ResponseWriter, r *http.Request)) (*Monitor, *storage.Database, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instruments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]exchange.InstrumentMeta{{
			Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
			PriceTick: "0.01", QuantityTick: "0.0001", MinQuantity: "0.0001",
			PriceDecimals: 2, QtyDecimals: 4,
		}})
	})
	mux.HandleFunc("/api/v1/account/summary", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]exchange.AccountBalance{
			{Asset: "USDT", Total: "100000", Available: "100000", Reserved: "0"},
			{Asset: "BTC", Total: "10", Available: "10", Reserved: "0"},
		})
	})
	mux.HandleFunc("/api/v1/orders/history", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]exchange.WireOrder{})
	})
	mux.HandleFunc("/api/v1/orders/open", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]exchange.WireOrder{})
	})
	if onCreateOrder != nil {
		mux.HandleFunc("/api/v1/orders", onCreateOrder)
	}
	srv := httptest.NewServer(mux)

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	accessor := testAccessor(t)
	idem := reconcile.NewIdempotencyCache(db, "")
	g := gate.New(db, idem, gate.Config{
		MaxOpenTrades: 3, RecentOrdersCooldown: 5 * time.Minute,
		IdempotencyWindow: 24 * time.Hour, PortfolioNotionalCap: decimal.NewFromInt(100000),
		Scope: gate.ScopeBase,
	})
	p := placer.New(client, db, time.Hour)
	prot := protection.New(client, db, nil)
	tw := trace.New(db)
	notify := notifier.NewFromEnv()
	reconciler := reconcile.New(client, db, notify, time.Minute)
	conn, err := db.Conn()
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	lock := runlock.New(conn, "sqlite")

	m := New(db, accessor, g, p, prot, tw, notify, reconciler, lock, time.Minute)

	if err := reconciler.RunOnce(context.Background()); err != nil {
		t.Fatalf("seed reconciler balances: %v", err)
	}

	return m, db, srv
}

func seedBuySnapshot(t *testing.T, db *storage.Database, symbol string) {
	t.Helper()
	rsi := decimal.NewFromInt(25)
	vol := decimal.NewFromInt(1200)
	avgVol := decimal.NewFromInt(1000)
	if err := db.SaveSnapshot(types.MarketSnapshot{
		Symbol: symbol, Price: decimal.NewFromInt(50000), RSI: &rsi,
		Volume: &vol, AvgVolume: &avgVol, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func seedWatchlist(t *testing.T, db *storage.Database, symbol string, tradeEnabled bool) {
	t.Helper()
	amount := decimal.NewFromInt(100)
	if err := db.UpsertWatchlistEntry(types.WatchlistEntry{
		Symbol: symbol, StrategyKey: "swing/aggressive", AlertEnabled: true,
		BuyAlertEnabled: true, SellAlertEnabled: true, TradeEnabled: tradeEnabled,
		TradeAmountUSD: &amount,
	}); err != nil {
		t.Fatalf("seed watchlist: %v", err)
	}
}

func TestRunCycleExecutesBuyOrder(t *testing.T) {
	m, db, srv := buildMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(exchange.WireOrder{
			OrderID: "EX1", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Status: "NEW",
			Price: "50000.00", Quantity: "0.0020", FilledQuantity: "0",
		})
	})
	defer srv.Close()

	seedWatchlist(t, db, "BTCUSDT", true)
	seedBuySnapshot(t, db, "BTCUSDT")

	m.RunCycle(context.Background())

	alert, err := db.FindRecentAlert("BTCUSDT", types.SideBuy, time.Hour)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil {
		t.Fatal("expected an alert to be recorded")
	}
	if alert.DecisionType != types.DecisionExecuted {
		t.Fatalf("expected EXECUTED, got %s (reason=%s)", alert.DecisionType, alert.ReasonCode)
	}

	orders, err := db.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one persisted order, got %d", len(orders))
	}
}

func TestRunCycleBlockedByMaxOpenTrades(t *testing.T) {
	var called bool
	m, db, srv := buildMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer srv.Close()

	seedWatchlist(t, db, "BTCUSDT", true)
	seedBuySnapshot(t, db, "BTCUSDT")

	for i := 0; i < 3; i++ {
		if _, err := db.CreateOrder(types.Order{
			ExchangeOrderID: fmt.Sprintf("TP%d", i), Symbol: "BTCUSDT",
			Side: types.SideSell, Type: types.OrderTypeTakeProfitLimit, Role: types.RoleTakeProfit,
			Status: types.OrderStatusActive, Price: decimal.NewFromInt(52000), Quantity: decimal.NewFromFloat(0.001),
			SubmittedAt: time.Now(), UpdatedAt: time.Now(), SignalKey: "seed",
		}); err != nil {
			t.Fatalf("seed open tp %d: %v", i, err)
		}
	}

	m.RunCycle(context.Background())

	if called {
		t.Fatal("expected no order submission once max-open-trades cap is reached")
	}

	alert, err := db.FindRecentAlert("BTCUSDT", types.SideBuy, time.Hour)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil || alert.DecisionType != types.DecisionSkipped || alert.ReasonCode != types.ReasonMaxOpenTrades {
		t.Fatalf("expected SKIPPED/MAX_OPEN_TRADES_REACHED, got %+v", alert)
	}
}

func TestRunCycleSkipsDisabledTrade(t *testing.T) {
	var called bool
	m, db, srv := buildMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer srv.Close()

	seedWatchlist(t, db, "BTCUSDT", false)
	seedBuySnapshot(t, db, "BTCUSDT")

	m.RunCycle(context.Background())

	if called {
		t.Fatal("expected no order submission when trade_enabled is false")
	}

	alert, err := db.FindRecentAlert("BTCUSDT", types.SideBuy, time.Hour)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil || alert.DecisionType != types.DecisionSkipped || alert.ReasonCode != types.ReasonTradeDisabled {
		t.Fatalf("expected SKIPPED/TRADE_DISABLED, got %+v", alert)
	}
}

func TestRunCycleRunLockedSkipsEntirely(t *testing.T) {
	var called bool
	m, db, srv := buildMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer srv.Close()

	seedWatchlist(t, db, "BTCUSDT", true)
	seedBuySnapshot(t, db, "BTCUSDT")

	// sqlite always reports lock acquisition as permissive, so substitute a
	// stub lock that mimics another holder to exercise the RUN_LOCKED path.
	m.lock = &heldLock{}

	m.RunCycle(context.Background())

	if called {
		t.Fatal("expected no processing while the run lock is held elsewhere")
	}

	alert, err := db.FindRecentAlert("BTCUSDT", types.SideBuy, time.Hour)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert != nil {
		t.Fatal("expected no alert to be recorded for a locked-out cycle")
	}
}

// heldLock simulates another process already holding the run lock.
type heldLock struct{}

func (h *heldLock) TryAcquire() (bool, error) { return false, nil }
func (h *heldLock) Release() error            { return nil }

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestStampOrphanedAlertsSkipsPendingAtCycleEnd(t *testing.T) {
	m, db, srv := buildMonitor(t, nil)
	defer srv.Close()

	id, err := db.CreateAlert(types.AlertRecord{
		Symbol: "ETHUSDT", Side: types.SideSell, PriceAtEmit: decimal.NewFromInt(3000),
		Timestamp: time.Now().Add(-time.Minute), DecisionType: types.DecisionPending,
	})
	if err != nil {
		t.Fatalf("seed pending alert: %v", err)
	}

	m.stampOrphanedAlerts(discardLogger())

	alert, err := db.FindRecentAlert("ETHUSDT", types.SideSell, time.Hour)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil || alert.ID != id {
		t.Fatal("expected to find the seeded alert")
	}
	if alert.DecisionType != types.DecisionSkipped || alert.ReasonCode != types.ReasonPipelineNotCalled {
		t.Fatalf("expected SKIPPED/DECISION_PIPELINE_NOT_CALLED, got %s/%s", alert.DecisionType, alert.ReasonCode)
	}
}
