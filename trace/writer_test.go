package trace

import (
	"testing"
	"time"

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

func TestRecordUpdatesExistingAlert(t *testing.T) {
	db := openTestDB(t)
	w := New(db)

	id, err := db.CreateAlert(types.AlertRecord{
		Symbol:       "ETHUSDT",
		Side:         types.SideBuy,
		Timestamp:    time.Now(),
		DecisionType: types.DecisionPending,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := w.Record(Decision{
		Symbol:  "ETHUSDT",
		Side:    types.SideBuy,
		Type:    types.DecisionExecuted,
		Reason:  types.ReasonExecOrderPlaced,
		Message: "order placed",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	alert, err := db.FindRecentAlert("ETHUSDT", types.SideBuy, recentAlertWindow)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil {
		t.Fatal("expected alert to exist")
	}
	if alert.ID != id {
		t.Fatalf("expected same alert id %d, got %d", id, alert.ID)
	}
	if alert.DecisionType != types.DecisionExecuted {
		t.Fatalf("expected EXECUTED, got %s", alert.DecisionType)
	}
}

func TestRecordLastWriteWins(t *testing.T) {
	db := openTestDB(t)
	w := New(db)

	_, err := db.CreateAlert(types.AlertRecord{
		Symbol:       "BTCUSDT",
		Side:         types.SideSell,
		Timestamp:    time.Now(),
		DecisionType: types.DecisionPending,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := w.Record(Decision{Symbol: "BTCUSDT", Side: types.SideSell, Type: types.DecisionSkipped, Reason: types.ReasonMaxOpenTrades}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := w.Record(Decision{Symbol: "BTCUSDT", Side: types.SideSell, Type: types.DecisionExecuted, Reason: types.ReasonExecOrderPlaced}); err != nil {
		t.Fatalf("second record: %v", err)
	}

	alert, err := db.FindRecentAlert("BTCUSDT", types.SideSell, recentAlertWindow)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert.DecisionType != types.DecisionExecuted {
		t.Fatalf("expected last write (EXECUTED) to win, got %s", alert.DecisionType)
	}
}

func TestRecordCreatesSyntheticAlertWhenMissing(t *testing.T) {
	db := openTestDB(t)
	w := New(db)

	if err := w.Record(Decision{
		Symbol: "SOLUSDT",
		Side:   types.SideBuy,
		Type:   types.DecisionBlocked,
		Reason: types.ReasonGuardrailBlocked,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	alert, err := db.FindRecentAlert("SOLUSDT", types.SideBuy, recentAlertWindow)
	if err != nil {
		t.Fatalf("find recent alert: %v", err)
	}
	if alert == nil {
		t.Fatal("expected synthetic alert to have been created")
	}
	if alert.DecisionType != types.DecisionBlocked {
		t.Fatalf("expected BLOCKED, got %s", alert.DecisionType)
	}
}
