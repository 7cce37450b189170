package protection

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
	db, err := storage.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return db
}

func testInstrument() types.Instrument {
	return types.Instrument{
		Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT",
		PriceTick: decimal.NewFromFloat(0.01), QuantityTick: decimal.NewFromFloat(0.001),
		MinQuantity: decimal.NewFromFloat(0.001), PriceDecimals: 2, QuantityDecimals: 3,
	}
}

func seedFilledEntry(t *testing.T, db *storage.Database) types.Order {
	t.Helper()
	id, err := db.CreateOrder(types.Order{
		ExchangeOrderID: "ENTRY1", Symbol: "ETHUSDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		Role: types.RoleEntry, Status: types.OrderStatusFilled, Price: decimal.NewFromInt(2000),
		Quantity: decimal.NewFromFloat(0.5), FilledQuantity: decimal.NewFromFloat(0.5),
		SubmittedAt: time.Now(), UpdatedAt: time.Now(), SignalKey: "ETHUSDT:BUY:t1",
	})
	if err != nil {
		t.Fatalf("seed entry order: %v", err)
	}
	order, err := db.GetOrder(id)
	if err != nil {
		t.Fatalf("get entry order: %v", err)
	}
	return order
}

func TestComputeLevelsBuyWithATR(t *testing.T) {
	rules := types.StrategyRules{ATRMultSL: decimal.NewFromFloat(1.5), RiskReward: decimal.NewFromFloat(2)}
	sl, tp := ComputeLevels(types.SideBuy, decimal.NewFromInt(2000), decimal.NewFromInt(10), rules)

	if !sl.Equal(decimal.NewFromInt(1985)) {
		t.Fatalf("expected SL 1985, got %s", sl)
	}
	if !tp.Equal(decimal.NewFromInt(2030)) {
		t.Fatalf("expected TP 2030, got %s", tp)
	}
}

func TestComputeLevelsSellFixedPctFallback(t *testing.T) {
	rules := types.StrategyRules{FixedPctSL: decimal.NewFromFloat(0.02), RiskReward: decimal.NewFromFloat(1.5)}
	sl, tp := ComputeLevels(types.SideSell, decimal.NewFromInt(2000), decimal.Zero, rules)

	if !sl.Equal(decimal.NewFromInt(2040)) {
		t.Fatalf("expected SL 2040, got %s", sl)
	}
	if !tp.Equal(decimal.NewFromInt(1940)) {
		t.Fatalf("expected TP 1940, got %s", tp)
	}
}

func TestCreateOCOSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(exchange.WireOrder{OrderID: "LEG" + decimal.NewFromInt(int64(calls)).String(), Status: "NEW"})
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	m := New(client, db, nil)

	parent := seedFilledEntry(t, db)
	sl, tp := ComputeLevels(types.SideBuy, decimal.NewFromInt(2000), decimal.NewFromInt(10), types.StrategyRules{ATRMultSL: decimal.NewFromFloat(1.5), RiskReward: decimal.NewFromFloat(2)})

	if err := m.CreateOCO(context.Background(), parent, testInstrument(), sl, tp); err != nil {
		t.Fatalf("create oco: %v", err)
	}

	legs, err := db.ActiveProtectionOrdersByParent(parent.ID)
	if err != nil {
		t.Fatalf("active protection orders: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("expected 2 protection legs, got %d", len(legs))
	}
	if legs[0].OCOGroupID == nil || legs[1].OCOGroupID == nil || *legs[0].OCOGroupID != *legs[1].OCOGroupID {
		t.Fatal("expected both legs to share an oco_group_id")
	}
}

func TestCreateOCOSkipsWhenAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("exchange should not be called when protection already exists")
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	m := New(client, db, nil)

	parent := seedFilledEntry(t, db)
	parentID := parent.ID
	group := "existing-group"
	if _, err := db.CreateOrder(types.Order{
		ExchangeOrderID: "SL1", Symbol: "ETHUSDT", Side: types.SideSell, Type: types.OrderTypeStopLimit,
		Role: types.RoleStopLoss, Status: types.OrderStatusNew, Price: decimal.NewFromInt(1985),
		Quantity: decimal.NewFromFloat(0.5), SubmittedAt: time.Now(), UpdatedAt: time.Now(),
		ParentOrderID: &parentID, OCOGroupID: &group, SignalKey: parent.SignalKey,
	}); err != nil {
		t.Fatalf("seed existing leg: %v", err)
	}

	if err := m.CreateOCO(context.Background(), parent, testInstrument(), decimal.NewFromInt(1985), decimal.NewFromInt(2030)); err != nil {
		t.Fatalf("create oco: %v", err)
	}
}

func TestCreateOCORollsBackFirstLegOnSecondFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(exchange.WireOrder{OrderID: "SLLEG", Status: "NEW"})
			return
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 110007, "message": "insufficient funds"})
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	m := New(client, db, nil)

	parent := seedFilledEntry(t, db)

	err := m.CreateOCO(context.Background(), parent, testInstrument(), decimal.NewFromInt(1985), decimal.NewFromInt(2030))
	if err == nil {
		t.Fatal("expected error when second leg fails")
	}

	active, err := db.ActiveProtectionOrdersByParent(parent.ID)
	if err != nil {
		t.Fatalf("active protection orders: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active protection legs after rollback, got %d", len(active))
	}
}

func TestCreateOCORollbackCancelFailureMarksFailedInconsistent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(exchange.WireOrder{OrderID: "SLLEG", Status: "NEW"})
			return
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 500010, "message": "cancel unavailable"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 110007, "message": "insufficient funds"})
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	m := New(client, db, nil)

	parent := seedFilledEntry(t, db)

	err := m.CreateOCO(context.Background(), parent, testInstrument(), decimal.NewFromInt(1985), decimal.NewFromInt(2030))
	if err == nil {
		t.Fatal("expected error when second leg fails")
	}

	active, err := db.ActiveProtectionOrdersByParent(parent.ID)
	if err != nil {
		t.Fatalf("active protection orders: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active-protection-status legs (FAILED_INCONSISTENT isn't one), got %d", len(active))
	}

	open, err := db.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	var found *types.Order
	for i := range open {
		if open[i].ExchangeOrderID == "SLLEG" {
			found = &open[i]
		}
	}
	if found == nil {
		t.Fatal("expected the stop-loss leg to still appear in OpenOrders for continued reconciliation")
	}
	if found.Status != types.OrderStatusFailedInconsistent {
		t.Fatalf("expected status FAILED_INCONSISTENT, got %s", found.Status)
	}
	if found.Status.Terminal() {
		t.Fatal("FAILED_INCONSISTENT must not be terminal, or the reconciler will stop examining it")
	}
}

func TestHandleFillCancelsSiblingByOCOGroup(t *testing.T) {
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			cancelled = true
			w.WriteHeader(http.StatusOK)
			return
		}
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := exchange.NewClient(exchange.Config{BaseURL: srv.URL})
	m := New(client, db, nil)

	parent := seedFilledEntry(t, db)
	parentID := parent.ID
	group := "g1"

	filledID, err := db.CreateOrder(types.Order{
		ExchangeOrderID: "TP1", Symbol: "ETHUSDT", Side: types.SideSell, Type: types.OrderTypeTakeProfitLimit,
		Role: types.RoleTakeProfit, Status: types.OrderStatusFilled, Price: decimal.NewFromInt(2030),
		Quantity: decimal.NewFromFloat(0.5), SubmittedAt: time.Now(), UpdatedAt: time.Now(),
		ParentOrderID: &parentID, OCOGroupID: &group, SignalKey: parent.SignalKey,
	})
	if err != nil {
		t.Fatalf("seed filled tp: %v", err)
	}
	if _, err := db.CreateOrder(types.Order{
		ExchangeOrderID: "SL1", Symbol: "ETHUSDT", Side: types.SideSell, Type: types.OrderTypeStopLimit,
		Role: types.RoleStopLoss, Status: types.OrderStatusActive, Price: decimal.NewFromInt(1985),
		Quantity: decimal.NewFromFloat(0.5), SubmittedAt: time.Now(), UpdatedAt: time.Now(),
		ParentOrderID: &parentID, OCOGroupID: &group, SignalKey: parent.SignalKey,
	}); err != nil {
		t.Fatalf("seed active sl: %v", err)
	}

	filled, err := db.GetOrder(filledID)
	if err != nil {
		t.Fatalf("get filled order: %v", err)
	}

	if err := m.HandleFill(filled); err != nil {
		t.Fatalf("handle fill: %v", err)
	}
	if !cancelled {
		t.Fatal("expected sibling cancel call to exchange")
	}
}
