package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/model"
	"github.com/banshee-data/edgefusion/internal/monitoring"
)

// Writer is the persistence writer: it drains ConsolidatedEvents off the
// broker, batches them by count or age, and upserts the batch idempotently
// by event_id so a retried batch after a crash never double-counts a row.
// Batching and exponential-backoff retry are grounded on the teacher's
// radar_objects/radar_data insert helpers in internal/db/db.go, generalized
// from single-row inserts to the batch-then-retry shape spec.md names for
// this component.
type Writer struct {
	db  *DB
	br  broker.Broker
	cfg *config.FusionConfig
	clk clock.Clock

	mu          sync.Mutex
	buffered    []model.ConsolidatedEvent
	writeErrors int
	lastFlushAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Writer. If clk is nil, clock.RealClock{} is used.
func New(db *DB, br broker.Broker, cfg *config.FusionConfig, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Writer{db: db, br: br, cfg: cfg, clk: clk}
}

// Start subscribes to traffic_events and begins the batch loop.
func (w *Writer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	id, ch := w.br.Subscribe(broker.TopicTrafficEvents)
	go w.run(ctx, id, ch)
	return nil
}

// Stop cancels the batch loop, flushing whatever is buffered before it
// returns.
func (w *Writer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		monitoring.Logf("store writer: drain deadline elapsed, forcing shutdown")
	}
}

func (w *Writer) run(ctx context.Context, subID string, ch <-chan broker.Record) {
	defer close(w.done)
	defer w.br.Unsubscribe(broker.TopicTrafficEvents, subID)

	ticker := w.clk.NewTicker(w.cfg.GetBatchMaxAge())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case rec, ok := <-ch:
			if !ok {
				w.flush()
				return
			}
			w.onRecord(rec)
		case <-ticker.C():
			w.flush()
		}
	}
}

func (w *Writer) onRecord(rec broker.Record) {
	if rec.Schema != "event.consolidated.v1" {
		monitoring.Logf("store writer: dropping unknown schema %q on traffic_events", rec.Schema)
		return
	}
	var ev model.ConsolidatedEvent
	if err := rec.Decode(&ev); err != nil {
		monitoring.Logf("store writer: decode consolidated event: %v", err)
		return
	}

	w.mu.Lock()
	w.buffered = append(w.buffered, ev)
	capLimit := w.cfg.GetBatchBufferCap()
	if len(w.buffered) > capLimit {
		dropped := len(w.buffered) - capLimit
		w.buffered = w.buffered[dropped:]
		monitoring.Logf("store writer: write buffer full, dropped %d oldest events", dropped)
	}
	full := len(w.buffered) >= w.cfg.GetBatchMax()
	w.mu.Unlock()

	if full {
		w.flush()
	}
}

// flush writes the current buffer in one transaction, retrying with
// exponential backoff (batch_retry_min_backoff..batch_retry_max_backoff)
// until it succeeds. The batch stays buffered across retries so nothing is
// lost; this blocks the writer loop while retrying, matching spec.md's
// backpressure-over-data-loss stance for persistence.
func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.buffered
	w.buffered = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	backoff := w.cfg.GetBatchRetryMinBackoff()
	for {
		if err := w.writeBatch(batch); err != nil {
			monitoring.Logf("store writer: write batch of %d failed, retrying in %s: %v", len(batch), backoff, err)
			w.mu.Lock()
			w.writeErrors++
			w.mu.Unlock()
			w.clk.Sleep(backoff)
			backoff *= 2
			if maxBackoff := w.cfg.GetBatchRetryMaxBackoff(); backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		break
	}

	w.mu.Lock()
	w.lastFlushAt = w.clk.Now()
	w.mu.Unlock()
}

func (w *Writer) writeBatch(batch []model.ConsolidatedEvent) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO traffic_events (
			event_id, correlation_id, triggered_at, consolidated_at,
			radar_observed_at, radar_speed_mph, radar_magnitude, radar_direction,
			radar_alert_level, radar_correlation_id,
			camera_observed_at, camera_vehicle_type, camera_confidence, camera_bbox, camera_image_ref,
			weather_local_observed_at, weather_local_temperature_c, weather_local_humidity_pct,
			weather_local_wind_mps, weather_local_visibility_m, weather_local_conditions,
			weather_airport_observed_at, weather_airport_temperature_c, weather_airport_humidity_pct,
			weather_airport_wind_mps, weather_airport_visibility_m, weather_airport_conditions
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			triggered_at = excluded.triggered_at,
			consolidated_at = excluded.consolidated_at,
			radar_observed_at = excluded.radar_observed_at,
			radar_speed_mph = excluded.radar_speed_mph,
			radar_magnitude = excluded.radar_magnitude,
			radar_direction = excluded.radar_direction,
			radar_alert_level = excluded.radar_alert_level,
			radar_correlation_id = excluded.radar_correlation_id,
			camera_observed_at = excluded.camera_observed_at,
			camera_vehicle_type = excluded.camera_vehicle_type,
			camera_confidence = excluded.camera_confidence,
			camera_bbox = excluded.camera_bbox,
			camera_image_ref = excluded.camera_image_ref,
			weather_local_observed_at = excluded.weather_local_observed_at,
			weather_local_temperature_c = excluded.weather_local_temperature_c,
			weather_local_humidity_pct = excluded.weather_local_humidity_pct,
			weather_local_wind_mps = excluded.weather_local_wind_mps,
			weather_local_visibility_m = excluded.weather_local_visibility_m,
			weather_local_conditions = excluded.weather_local_conditions,
			weather_airport_observed_at = excluded.weather_airport_observed_at,
			weather_airport_temperature_c = excluded.weather_airport_temperature_c,
			weather_airport_humidity_pct = excluded.weather_airport_humidity_pct,
			weather_airport_wind_mps = excluded.weather_airport_wind_mps,
			weather_airport_visibility_m = excluded.weather_airport_visibility_m,
			weather_airport_conditions = excluded.weather_airport_conditions
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		var cameraObservedAt, cameraVehicleType, cameraBBox, cameraImageRef any
		var cameraConfidence any
		if cam := ev.Camera; cam != nil {
			cameraObservedAt = cam.ObservedAt.UTC().Format(timeLayout)
			cameraVehicleType = cam.VehicleType
			cameraConfidence = cam.Confidence
			cameraBBox = bboxToText(cam.BBox)
			cameraImageRef = nullableStringPtr(cam.ImageRef)
		}

		local := weatherColumns(ev.WeatherLocal)
		airport := weatherColumns(ev.WeatherAirport)

		if _, err := stmt.Exec(
			ev.EventID, ev.CorrelationID, ev.TriggeredAt.UTC().Format(timeLayout), ev.ConsolidatedAt.UTC().Format(timeLayout),
			ev.Radar.ObservedAt.UTC().Format(timeLayout), ev.Radar.SpeedMPH, nullableFloatPtr(ev.Radar.Magnitude),
			string(ev.Radar.Direction), string(ev.Radar.AlertLevel), ev.Radar.CorrelationID,
			cameraObservedAt, cameraVehicleType, cameraConfidence, cameraBBox, cameraImageRef,
			local.observedAt, local.temperatureC, local.humidityPct, local.windMPS, local.visibilityM, local.conditions,
			airport.observedAt, airport.temperatureC, airport.humidityPct, airport.windMPS, airport.visibilityM, airport.conditions,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// weatherRow holds one WeatherSnapshot's columns, all nil when the
// snapshot itself is nil, ready to bind straight into an Exec call.
type weatherRow struct {
	observedAt, conditions             any
	temperatureC, humidityPct, windMPS any
	visibilityM                        any
}

func weatherColumns(snap *model.WeatherSnapshot) weatherRow {
	if snap == nil {
		return weatherRow{}
	}
	return weatherRow{
		observedAt:   snap.ObservedAt.UTC().Format(timeLayout),
		temperatureC: snap.TemperatureC,
		humidityPct:  nullableFloatPtr(snap.HumidityPct),
		windMPS:      snap.WindMPS,
		visibilityM:  nullableFloatPtr(snap.VisibilityM),
		conditions:   nullableStringPtr(snap.Conditions),
	}
}

func nullableFloatPtr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// bboxToText encodes a camera bounding box as "x0,y0,x1,y1" text, the
// smallest flattening that still fits one column per spec.md §6.4's
// one-row-per-event, nullable-column layout.
func bboxToText(b *[4]int) any {
	if b == nil {
		return nil
	}
	return fmt.Sprintf("%d,%d,%d,%d", b[0], b[1], b[2], b[3])
}

// bboxFromText is bboxToText's inverse.
func bboxFromText(s string) (*[4]int, error) {
	var b [4]int
	if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &b[0], &b[1], &b[2], &b[3]); err != nil {
		return nil, fmt.Errorf("store: parse camera_bbox %q: %w", s, err)
	}
	return &b, nil
}

// PendingCount returns how many events are currently buffered, awaiting
// the next flush.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffered)
}

// HealthReport implements health.Health.
func (w *Writer) HealthReport() health.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := health.StatusHealthy
	if len(w.buffered) >= w.cfg.GetBatchBufferCap() {
		state = health.StatusDegraded
	}
	return health.Report{
		State:         state,
		LastEventAgeS: health.AgeSeconds(w.lastFlushAt, w.clk.Now()),
	}
}
