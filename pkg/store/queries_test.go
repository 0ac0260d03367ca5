package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmergencyFlagRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := s.GetEmergencyFlag(ctx)
	if err != nil {
		t.Fatalf("read flag: %v", err)
	}
	if f.Active {
		t.Fatalf("fresh store must start with the flag down")
	}

	if err := s.SetEmergencyFlag(ctx, "second signal received"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	f, err = s.GetEmergencyFlag(ctx)
	if err != nil {
		t.Fatalf("read flag: %v", err)
	}
	if !f.Active || f.Reason != "second signal received" {
		t.Fatalf("flag = %+v", f)
	}
	if f.SetAt.IsZero() {
		t.Fatalf("set_at not recorded")
	}

	if err := s.ClearEmergencyFlag(ctx); err != nil {
		t.Fatalf("clear flag: %v", err)
	}
	f, _ = s.GetEmergencyFlag(ctx)
	if f.Active {
		t.Fatalf("flag still up after clear")
	}
}

func TestOrderJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RecordOrder(ctx, OrderRecord{
		OrderID: 1001, ClientOrderID: "eng-abc", Symbol: "BTCUSDT",
		Side: "BUY", Type: "MARKET", Purpose: "ENTRY", Qty: 0.5, Status: "NEW",
	})
	if err != nil {
		t.Fatalf("record order: %v", err)
	}
	if id == 0 {
		t.Fatalf("no row id returned")
	}

	if err := s.UpdateOrderStatus(ctx, 1001, "FILLED"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	orders, err := s.RecentOrders(ctx, 10)
	if err != nil {
		t.Fatalf("recent orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != "FILLED" {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestPositionSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := PositionRow{
		Symbol: "ETHUSDT", Side: "SELL", Qty: 2, EntryPrice: 3200,
		Leverage: 5, State: "PROTECTED", OpenedAt: time.Now().UTC(),
	}
	if err := s.UpsertPosition(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second upsert for the same symbol replaces, not duplicates.
	row.Qty = 3
	row.State = "CLOSING"
	if err := s.UpsertPosition(ctx, row); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	positions, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(positions))
	}
	if positions[0].Qty != 3 || positions[0].State != "CLOSING" {
		t.Fatalf("snapshot = %+v", positions[0])
	}

	if _, err := s.GetPosition(ctx, "BTCUSDT"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeletePosition(ctx, "ETHUSDT"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	positions, _ = s.ListPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("snapshot survived delete")
	}
}
