package consolidator

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/model"
	"github.com/banshee-data/edgefusion/internal/weathercache"
)

type fixture struct {
	br  broker.Broker
	wc  *weathercache.Cache
	mc  *clock.MockClock
	c   *Consolidator
	sub <-chan broker.Record
}

func newFixture(t *testing.T, cfg *config.FusionConfig, t0 time.Time) *fixture {
	t.Helper()
	br := broker.New()
	t.Cleanup(br.Close)
	wc := weathercache.New(br)
	mc := clock.NewMockClock(t0)
	c := New(br, wc, cfg, mc)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	_, sub := br.Subscribe(broker.TopicTrafficEvents)
	return &fixture{br: br, wc: wc, mc: mc, c: c, sub: sub}
}

func (f *fixture) publishRadar(t *testing.T, at time.Time, speedMPH float64, correlationID string) {
	t.Helper()
	f.mc.Set(at)
	dir := model.DirectionApproaching
	if speedMPH < 0 {
		dir = model.DirectionReceding
	}
	sample := model.RadarSample{
		ObservedAt:    at,
		SpeedMPH:      speedMPH,
		Direction:     dir,
		AlertLevel:    model.AlertNormal,
		CorrelationID: correlationID,
	}
	rec, err := broker.NewRecord(sample)
	if err != nil {
		t.Fatalf("encode radar sample: %v", err)
	}
	if err := f.br.Publish(broker.TopicRadarDetections, rec); err != nil {
		t.Fatalf("publish radar sample: %v", err)
	}
}

func (f *fixture) publishCamera(t *testing.T, at time.Time, vehicleType string, confidence float64) {
	t.Helper()
	f.mc.Set(at)
	det := model.CameraDetection{ObservedAt: at, VehicleType: vehicleType, Confidence: confidence}
	rec, err := broker.NewRecord(det)
	if err != nil {
		t.Fatalf("encode camera detection: %v", err)
	}
	if err := f.br.Publish(broker.TopicCameraDetections, rec); err != nil {
		t.Fatalf("publish camera detection: %v", err)
	}
}

// waitPending blocks briefly to let the consolidator's background goroutine
// observe a just-published record and create its pending-trigger state
// before the test advances the mock clock past a deadline.
func waitPending() { time.Sleep(20 * time.Millisecond) }

func (f *fixture) advanceTo(t *testing.T, at time.Time) {
	t.Helper()
	waitPending()
	f.mc.AdvanceTo(at)
}

func (f *fixture) expectEvent(t *testing.T) model.ConsolidatedEvent {
	t.Helper()
	select {
	case rec := <-f.sub:
		var ev model.ConsolidatedEvent
		if err := rec.Decode(&ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConsolidatedEvent")
		return model.ConsolidatedEvent{}
	}
}

func (f *fixture) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.sub:
		t.Fatalf("expected no event, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func base(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

// S1 — happy path, strict off: early match via high-confidence camera.
func TestS1HappyPathEarlyMatch(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	local := model.WeatherSnapshot{Source: model.WeatherSourceLocal, ObservedAt: t0.Add(900 * time.Millisecond), TemperatureC: 18.0}
	airport := model.WeatherSnapshot{Source: model.WeatherSourceAirport, ObservedAt: t0.Add(200 * time.Millisecond), TemperatureC: 17.5, WindMPS: 3.1}
	_ = f.wc.WriteLocal(local)
	_ = f.wc.WriteAirport(airport)

	f.publishRadar(t, t0.Add(time.Second), 22.5, "corr-s1")
	waitPending()
	f.publishCamera(t, t0.Add(1300*time.Millisecond), "car", 0.91)

	ev := f.expectEvent(t)
	if ev.Radar.SpeedMPH != 22.5 {
		t.Errorf("radar.speed_mph = %v, want 22.5", ev.Radar.SpeedMPH)
	}
	if ev.Radar.Direction != model.DirectionApproaching {
		t.Errorf("radar.direction = %v, want approaching", ev.Radar.Direction)
	}
	if ev.Camera == nil || ev.Camera.VehicleType != "car" || ev.Camera.Confidence != 0.91 {
		t.Fatalf("camera = %+v, want car/0.91", ev.Camera)
	}
	if ev.WeatherLocal == nil || ev.WeatherAirport == nil {
		t.Fatalf("expected both weather snapshots attached, got local=%v airport=%v", ev.WeatherLocal, ev.WeatherAirport)
	}
	if !ev.TriggeredAt.Equal(t0.Add(time.Second)) {
		t.Errorf("triggered_at = %v, want %v", ev.TriggeredAt, t0.Add(time.Second))
	}
	lo, hi := t0.Add(1300*time.Millisecond), t0.Add(1310*time.Millisecond)
	if ev.ConsolidatedAt.Before(lo) || ev.ConsolidatedAt.After(hi) {
		t.Errorf("consolidated_at = %v, want within [%v, %v]", ev.ConsolidatedAt, lo, hi)
	}
}

// S2 — no camera, strict off: resolves at the deadline with camera=null.
func TestS2NoCameraStrictOff(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	f.publishRadar(t, t0.Add(2*time.Second), -15.0, "corr-s2")
	f.advanceTo(t, t0.Add(4*time.Second))

	ev := f.expectEvent(t)
	if ev.Camera != nil {
		t.Errorf("camera = %+v, want nil", ev.Camera)
	}
	if !ev.TriggeredAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("triggered_at = %v, want 2s", ev.TriggeredAt)
	}
	if ev.Radar.Direction != model.DirectionReceding {
		t.Errorf("direction = %v, want receding", ev.Radar.Direction)
	}
	lo, hi := t0.Add(4*time.Second), t0.Add(4*time.Second+50*time.Millisecond)
	if ev.ConsolidatedAt.Before(lo) || ev.ConsolidatedAt.After(hi) {
		t.Errorf("consolidated_at = %v, want within [%v, %v]", ev.ConsolidatedAt, lo, hi)
	}
}

// S3 — no camera, strict on: trigger dropped, no event, counter incremented.
func TestS3NoCameraStrictOn(t *testing.T) {
	t0 := base(t)
	strict := true
	cfg := config.Empty()
	cfg.CameraStrictMode = &strict
	f := newFixture(t, cfg, t0)

	f.publishRadar(t, t0.Add(2*time.Second), -15.0, "corr-s3")
	f.advanceTo(t, t0.Add(4*time.Second))

	f.expectNoEvent(t)
	time.Sleep(20 * time.Millisecond)
	if got := f.c.DroppedStrict(); got != 1 {
		t.Errorf("DroppedStrict() = %d, want 1", got)
	}
}

// S4 — dedup: second same-direction trigger within dedup_window merges into
// the first, contributing its speed as the rolling max.
func TestS4Dedup(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	f.publishRadar(t, t0.Add(5*time.Second), 10.0, "corr-first")
	waitPending()
	f.publishRadar(t, t0.Add(5300*time.Millisecond), 14.0, "corr-second")
	waitPending()
	f.publishCamera(t, t0.Add(6*time.Second), "truck", 0.77)

	f.advanceTo(t, t0.Add(7*time.Second))

	ev := f.expectEvent(t)
	if ev.Radar.SpeedMPH != 14.0 {
		t.Errorf("radar.speed_mph = %v, want 14.0 (rolling max)", ev.Radar.SpeedMPH)
	}
	if ev.CorrelationID != "corr-first" {
		t.Errorf("correlation_id = %q, want corr-first", ev.CorrelationID)
	}
	if got := f.c.DroppedDedup(); got != 1 {
		t.Errorf("DroppedDedup() = %d, want 1", got)
	}
}

// S5 — stale weather: airport snapshot too old to attach, local stays fresh.
func TestS5StaleWeather(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	triggerAt := t0.Add(10 * time.Second)
	_ = f.wc.WriteAirport(model.WeatherSnapshot{Source: model.WeatherSourceAirport, ObservedAt: triggerAt.Add(-20 * time.Minute)})
	_ = f.wc.WriteLocal(model.WeatherSnapshot{Source: model.WeatherSourceLocal, ObservedAt: triggerAt.Add(-30 * time.Second), TemperatureC: 19.0})

	f.publishRadar(t, triggerAt, 12.0, "corr-s5")
	f.advanceTo(t, triggerAt.Add(2*time.Second))

	ev := f.expectEvent(t)
	if ev.WeatherAirport != nil {
		t.Errorf("weather_airport = %+v, want nil (stale)", ev.WeatherAirport)
	}
	if ev.WeatherLocal == nil {
		t.Error("weather_local = nil, want populated (fresh)")
	}
}

// Boundary: a sample exactly at min_trigger_speed IS a trigger, per the
// component definition's "|speed_mph| >= min_trigger_speed" in spec.md 4.4.
func TestBoundaryAtMinTriggerSpeedIsATrigger(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	f.publishRadar(t, t0, cfg.GetMinTriggerSpeedMPH(), "corr-boundary")
	f.advanceTo(t, t0.Add(cfg.GetWindowPost()))

	_ = f.expectEvent(t)
}

// Boundary: a camera detection exactly at t_trig+W_post is included (closed
// interval) and can still resolve the trigger at expiry.
func TestBoundaryCameraAtWindowEndIncluded(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	triggerAt := t0.Add(20 * time.Second)
	f.publishRadar(t, triggerAt, 10.0, "corr-boundary2")
	waitPending()
	f.publishCamera(t, triggerAt.Add(cfg.GetWindowPost()), "car", 0.5)
	f.advanceTo(t, triggerAt.Add(cfg.GetWindowPost()).Add(time.Millisecond))

	ev := f.expectEvent(t)
	if ev.Camera == nil {
		t.Error("expected the boundary camera detection to be attached")
	}
}

// Sub-threshold and stationary samples never create pending state at all.
func TestSubThresholdSampleConsumedSilently(t *testing.T) {
	t0 := base(t)
	cfg := config.Empty()
	f := newFixture(t, cfg, t0)

	f.publishRadar(t, t0, 0.1, "corr-sub")
	f.advanceTo(t, t0.Add(5*time.Second))
	f.expectNoEvent(t)
}

// A full spill buffer drops its oldest entry and counts the drop, per
// ferrors.Resource's documented oldest-drop policy, rather than growing
// without bound.
func TestSpillPushDropsOldestOnceAtCapacity(t *testing.T) {
	t0 := base(t)
	capacity := 2
	cfg := config.Empty()
	cfg.SpillBufferCapacity = &capacity
	f := newFixture(t, cfg, t0)

	f.c.spillPush(model.ConsolidatedEvent{EventID: "evt-1"})
	f.c.spillPush(model.ConsolidatedEvent{EventID: "evt-2"})
	if depth := f.c.SpillDepth(); depth != 2 {
		t.Fatalf("SpillDepth() = %d, want 2", depth)
	}
	if dropped := f.c.DroppedSpill(); dropped != 0 {
		t.Fatalf("DroppedSpill() = %d, want 0 before capacity is exceeded", dropped)
	}

	f.c.spillPush(model.ConsolidatedEvent{EventID: "evt-3"})
	if depth := f.c.SpillDepth(); depth != 2 {
		t.Fatalf("SpillDepth() = %d, want 2 (capacity-bounded)", depth)
	}
	if dropped := f.c.DroppedSpill(); dropped != 1 {
		t.Fatalf("DroppedSpill() = %d, want 1", dropped)
	}

	f.c.mu.Lock()
	ids := []string{f.c.spill[0].EventID, f.c.spill[1].EventID}
	f.c.mu.Unlock()
	if ids[0] != "evt-2" || ids[1] != "evt-3" {
		t.Fatalf("spill = %v, want [evt-2 evt-3] (oldest dropped)", ids)
	}
}
