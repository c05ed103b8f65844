package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"yieldvault/core/events"
	"yieldvault/native/leverage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := New(db, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDialectorSelection(t *testing.T) {
	if _, err := Dialector("  "); err != ErrDSNRequired {
		t.Fatalf("expected ErrDSNRequired, got %v", err)
	}
	cases := map[string]string{
		"postgres://user@db/allocd":           "postgres",
		"host=db user=allocd dbname=allocd":   "postgres",
		"file:/var/data/allocd.sqlite":        "sqlite",
		"file:audit?mode=memory&cache=shared": "sqlite",
	}
	for dsn, want := range cases {
		d, err := Dialector(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if d.Name() != want {
			t.Fatalf("%s: expected %s dialect, got %s", dsn, want, d.Name())
		}
	}
}

func TestRecordGatePersistsOutcomes(t *testing.T) {
	store := setupTestStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.RecordGate(leverage.GateResult{Venue: "aave", Gate: leverage.GateViability, Outcome: leverage.OutcomePass, At: at})
	store.RecordGate(leverage.GateResult{Venue: "aave", Gate: leverage.GateLiquidation, Outcome: leverage.OutcomeFail, Reason: "ltv", At: at})
	store.RecordGate(leverage.GateResult{Venue: "curve", Gate: leverage.GateViability, Outcome: leverage.OutcomePass, At: at})

	rows, err := store.Gates(context.Background(), Query{Venue: "aave"})
	if err != nil {
		t.Fatalf("query gates: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 aave gates, got %d", len(rows))
	}
	if rows[1].Outcome != "fail" || rows[1].Reason != "ltv" || rows[1].GateIndex != int(leverage.GateLiquidation) {
		t.Fatalf("unexpected gate row %+v", rows[1])
	}
}

func TestSaveEventIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	rec := events.ToRecord(events.VenueFailure{OperationID: "op-1", Venue: "aave", Call: "deposit", Kind: "reverted"}, time.Unix(1_700_000_000, 0))
	ctx := context.Background()
	if err := store.SaveEvent(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveEvent(ctx, rec); err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	rows, err := store.Events(ctx, Query{Type: events.TypeVenueFailure})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single stored event, got %d", len(rows))
	}
	if rows[0].OperationID != "op-1" || rows[0].Venue != "aave" || rows[0].Digest != Digest(rec) {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}

func TestConsumeDrainsBus(t *testing.T) {
	store := setupTestStore(t)
	bus := events.NewBus()
	records, cancel := bus.Subscribe(8)

	bus.Emit(events.AllocationReverted{OperationID: "op-2", Operation: "deposit", Reason: "boom"})
	bus.Emit(events.LeverageGate{Venue: "aave", Gate: "viability", Index: 1, Outcome: "pass"})
	cancel()

	store.Consume(context.Background(), records)
	rows, err := store.Events(context.Background(), Query{})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(rows) != 2 || rows[0].Type != events.TypeAllocationReverted || rows[1].Venue != "aave" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestDigestIgnoresAttributeOrder(t *testing.T) {
	at := time.Unix(10, 0)
	a := events.Record{Type: "x", At: at, Attributes: map[string]string{"a": "1", "b": "2"}}
	b := events.Record{Type: "x", At: at, Attributes: map[string]string{"b": "2", "a": "1"}}
	if Digest(a) != Digest(b) {
		t.Fatalf("digest must not depend on map order")
	}
	b.Attributes["a"] = "3"
	if Digest(a) == Digest(b) {
		t.Fatalf("digest must change with attributes")
	}
}
