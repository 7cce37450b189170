package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

func openTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return db
}

func TestMapWireStatus(t *testing.T) {
	cases := map[string]types.OrderStatus{
		"FILLED":           types.OrderStatusFilled,
		"CANCELLED":        types.OrderStatusCancelled,
		"REJECTED":         types.OrderStatusRejected,
		"PARTIALLY_FILLED": types.OrderStatusPartiallyFilled,
		"ACTIVE":           types.OrderStatusActive,
		"GARBAGE":          types.OrderStatusNew,
	}
	for wire, want := range cases {
		if got := mapWireStatus(wire); got != want {
			t.Errorf("mapWireStatus(%q) = %s, want %s", wire, got, want)
		}
	}
}

func TestReconcilerBalanceMirror(t *testing.T) {
	db := openTestDB(t)
	r := New(nil, db, nil, time.Second)

	if _, ok := r.Balance("USDT"); ok {
		t.Fatal("expected no balance before any reconciliation cycle")
	}

	r.mu.Lock()
	r.balances["USDT"] = types.Balance{Asset: "USDT", Total: decimal.NewFromInt(1000), Available: decimal.NewFromInt(900)}
	r.mu.Unlock()

	b, ok := r.Balance("USDT")
	if !ok {
		t.Fatal("expected balance to be present")
	}
	if !b.Available.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected available 900, got %s", b.Available)
	}
}

func TestReconcileBalancesMalformedDecimalFailsCycleWithoutPanicking(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/account/summary", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]exchange.AccountBalance{
			{Asset: "USDT", Total: "not-a-number", Available: "100", Reserved: "0"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	r := New(client, db, nil, time.Second)

	defer func() {
		if rec := recover(); rec != nil {
			t.Fatalf("reconcileBalances panicked on malformed decimal: %v", rec)
		}
	}()

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected RunOnce to report the malformed balance as a failed cycle")
	}

	if _, ok := r.Balance("USDT"); ok {
		t.Fatal("expected the balance mirror to remain untouched after a failed cycle")
	}
}

func TestIdempotencyCacheWithoutRedisFallsBackToDatabase(t *testing.T) {
	db := openTestDB(t)
	cache := NewIdempotencyCache(db, "")

	exists, err := cache.Exists(nil, "ETHUSDT:BUY:2026-08-01T00:00", 24*time.Hour)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("expected no matching order")
	}

	if _, err := db.CreateOrder(types.Order{
		ExchangeOrderID: "X1",
		Symbol:          "ETHUSDT",
		Side:            types.SideBuy,
		Type:            types.OrderTypeLimit,
		Role:            types.RoleEntry,
		Status:          types.OrderStatusNew,
		Price:           decimal.NewFromInt(2000),
		Quantity:        decimal.NewFromFloat(0.5),
		SubmittedAt:     time.Now(),
		UpdatedAt:       time.Now(),
		SignalKey:       "ETHUSDT:BUY:2026-08-01T00:00",
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	exists, err = cache.Exists(nil, "ETHUSDT:BUY:2026-08-01T00:00", 24*time.Hour)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("expected matching order to be found")
	}
}
