package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// A single shared connection keeps every statement on the same
	// in-memory database; modernc.org/sqlite gives each pooled connection
	// its own private :memory: instance otherwise.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEvent(id, correlationID string, at time.Time, speed float64) model.ConsolidatedEvent {
	return model.ConsolidatedEvent{
		EventID:        id,
		CorrelationID:  correlationID,
		TriggeredAt:    at,
		ConsolidatedAt: at,
		Radar: model.RadarSample{
			ObservedAt: at, SpeedMPH: speed, Direction: model.DirectionApproaching,
			AlertLevel: model.AlertNormal, CorrelationID: correlationID,
		},
	}
}

func TestSchemaBootstrapsFresh(t *testing.T) {
	db := openTestDB(t)
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM traffic_events`).Scan(&count); err != nil {
		t.Fatalf("query traffic_events: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestWriterUpsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	w := New(db, broker.New(), config.Empty(), nil)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := sampleEvent("evt-1", "corr-1", t0, 12.0)

	if err := w.writeBatch([]model.ConsolidatedEvent{ev}); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	ev.Radar.SpeedMPH = 18.0 // same event_id, changed payload
	if err := w.writeBatch([]model.ConsolidatedEvent{ev}); err != nil {
		t.Fatalf("writeBatch (repeat): %v", err)
	}

	events, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 (idempotent upsert)", len(events))
	}
	want := ev // ev already carries SpeedMPH = 18.0, the latest write
	if diff := cmp.Diff(want, events[0], cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
		t.Errorf("event mismatch after idempotent upsert (-want +got):\n%s", diff)
	}
}

func TestWriterBatchesUntilFlush(t *testing.T) {
	db := openTestDB(t)
	br := broker.New()
	max := 3
	cfg := config.Empty()
	cfg.BatchMax = &max
	w := New(db, br, cfg, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := sampleEvent(fmt.Sprintf("evt-%d", i), "corr", t0.Add(time.Duration(i)*time.Second), 10.0)
		rec, err := broker.NewRecord(ev)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		if err := br.Publish(broker.TopicTrafficEvents, rec); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := db.Recent(10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(events) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for batch flush, got %d events", len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRangeQueryOrdersAscending(t *testing.T) {
	db := openTestDB(t)
	w := New(db, broker.New(), config.Empty(), nil)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []model.ConsolidatedEvent{
		sampleEvent("evt-b", "corr", t0.Add(2*time.Minute), 20.0),
		sampleEvent("evt-a", "corr", t0.Add(1*time.Minute), 10.0),
	}
	if err := w.writeBatch(events); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	got, err := db.Range(t0, t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	gotIDs := []string{got[0].EventID, got[1].EventID}
	if diff := cmp.Diff([]string{"evt-a", "evt-b"}, gotIDs); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestRetentionSweepDeletesExpiredOnly(t *testing.T) {
	db := openTestDB(t)
	w := New(db, broker.New(), config.Empty(), nil)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := sampleEvent("evt-old", "corr", t0.Add(-100*24*time.Hour), 10.0)
	fresh := sampleEvent("evt-fresh", "corr", t0.Add(-1*time.Hour), 10.0)
	if err := w.writeBatch([]model.ConsolidatedEvent{old, fresh}); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	mc := clock.NewMockClock(t0)
	cfg := config.Empty()
	r := NewRetention(db, cfg, mc)
	n, err := r.sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	remaining, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EventID != "evt-fresh" {
		t.Errorf("remaining = %+v, want only evt-fresh", remaining)
	}
}
