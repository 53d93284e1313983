package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/edgefusion/internal/model"
)

const eventColumns = `
	event_id, correlation_id, triggered_at, consolidated_at,
	radar_observed_at, radar_speed_mph, radar_magnitude, radar_direction,
	radar_alert_level, radar_correlation_id,
	camera_observed_at, camera_vehicle_type, camera_confidence, camera_bbox, camera_image_ref,
	weather_local_observed_at, weather_local_temperature_c, weather_local_humidity_pct,
	weather_local_wind_mps, weather_local_visibility_m, weather_local_conditions,
	weather_airport_observed_at, weather_airport_temperature_c, weather_airport_humidity_pct,
	weather_airport_wind_mps, weather_airport_visibility_m, weather_airport_conditions
`

// Recent returns up to limit traffic events, most recent first.
func (db *DB) Recent(limit int) ([]model.ConsolidatedEvent, error) {
	rows, err := db.Query(`
		SELECT `+eventColumns+`
		FROM traffic_events
		ORDER BY consolidated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Range returns every traffic event with consolidated_at in [from, to],
// ordered oldest first.
func (db *DB) Range(from, to time.Time) ([]model.ConsolidatedEvent, error) {
	rows, err := db.Query(`
		SELECT `+eventColumns+`
		FROM traffic_events
		WHERE consolidated_at BETWEEN ? AND ?
		ORDER BY consolidated_at ASC`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store: query range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SpeedsInRange returns every radar.speed_mph value recorded in
// [from, to], for percentile statistics at the gateway.
func (db *DB) SpeedsInRange(from, to time.Time) ([]float64, error) {
	rows, err := db.Query(`
		SELECT radar_speed_mph FROM traffic_events
		WHERE consolidated_at BETWEEN ? AND ?`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store: query speeds: %w", err)
	}
	defer rows.Close()

	var speeds []float64
	for rows.Next() {
		var speed float64
		if err := rows.Scan(&speed); err != nil {
			return nil, fmt.Errorf("store: scan radar_speed_mph: %w", err)
		}
		speeds = append(speeds, speed)
	}
	return speeds, rows.Err()
}

type scannableRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanEvents reconstructs ConsolidatedEvents from the flattened row shape
// eventColumns selects, rebuilding the nested Camera/WeatherLocal/
// WeatherAirport pointers only when their NULL-able columns were actually
// populated.
func scanEvents(rows scannableRows) ([]model.ConsolidatedEvent, error) {
	var events []model.ConsolidatedEvent
	for rows.Next() {
		var ev model.ConsolidatedEvent
		var triggeredAt, consolidatedAt, radarObservedAt string
		var cameraObservedAt, cameraVehicleType, cameraBBox, cameraImageRef sql.NullString
		var cameraConfidence sql.NullFloat64
		var localObservedAt, localConditions sql.NullString
		var localTemp, localHumidity, localWind, localVisibility sql.NullFloat64
		var airportObservedAt, airportConditions sql.NullString
		var airportTemp, airportHumidity, airportWind, airportVisibility sql.NullFloat64

		if err := rows.Scan(
			&ev.EventID, &ev.CorrelationID, &triggeredAt, &consolidatedAt,
			&radarObservedAt, &ev.Radar.SpeedMPH, &ev.Radar.Magnitude, &ev.Radar.Direction,
			&ev.Radar.AlertLevel, &ev.Radar.CorrelationID,
			&cameraObservedAt, &cameraVehicleType, &cameraConfidence, &cameraBBox, &cameraImageRef,
			&localObservedAt, &localTemp, &localHumidity, &localWind, &localVisibility, &localConditions,
			&airportObservedAt, &airportTemp, &airportHumidity, &airportWind, &airportVisibility, &airportConditions,
		); err != nil {
			return nil, fmt.Errorf("store: scan traffic_events row: %w", err)
		}

		var err error
		if ev.TriggeredAt, err = time.Parse(timeLayout, triggeredAt); err != nil {
			return nil, fmt.Errorf("store: parse triggered_at: %w", err)
		}
		if ev.ConsolidatedAt, err = time.Parse(timeLayout, consolidatedAt); err != nil {
			return nil, fmt.Errorf("store: parse consolidated_at: %w", err)
		}
		if ev.Radar.ObservedAt, err = time.Parse(timeLayout, radarObservedAt); err != nil {
			return nil, fmt.Errorf("store: parse radar_observed_at: %w", err)
		}

		if cameraObservedAt.Valid {
			cam := &model.CameraDetection{VehicleType: cameraVehicleType.String, Confidence: cameraConfidence.Float64}
			if cam.ObservedAt, err = time.Parse(timeLayout, cameraObservedAt.String); err != nil {
				return nil, fmt.Errorf("store: parse camera_observed_at: %w", err)
			}
			if cameraBBox.Valid {
				if cam.BBox, err = bboxFromText(cameraBBox.String); err != nil {
					return nil, err
				}
			}
			if cameraImageRef.Valid {
				ref := cameraImageRef.String
				cam.ImageRef = &ref
			}
			ev.Camera = cam
		}

		local, err := scanWeatherSnapshot(model.WeatherSourceLocal, localObservedAt, localTemp, localHumidity, localWind, localVisibility, localConditions)
		if err != nil {
			return nil, err
		}
		ev.WeatherLocal = local

		airport, err := scanWeatherSnapshot(model.WeatherSourceAirport, airportObservedAt, airportTemp, airportHumidity, airportWind, airportVisibility, airportConditions)
		if err != nil {
			return nil, err
		}
		ev.WeatherAirport = airport

		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanWeatherSnapshot(source model.WeatherSource, observedAt sql.NullString, temp, humidity, wind, visibility sql.NullFloat64, conditions sql.NullString) (*model.WeatherSnapshot, error) {
	if !observedAt.Valid {
		return nil, nil
	}
	snap := &model.WeatherSnapshot{Source: source, TemperatureC: temp.Float64, WindMPS: wind.Float64}
	t, err := time.Parse(timeLayout, observedAt.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse weather observed_at: %w", err)
	}
	snap.ObservedAt = t
	if humidity.Valid {
		v := humidity.Float64
		snap.HumidityPct = &v
	}
	if visibility.Valid {
		v := visibility.Float64
		snap.VisibilityM = &v
	}
	if conditions.Valid {
		v := conditions.String
		snap.Conditions = &v
	}
	return snap, nil
}
