// Package model defines the sensor and event types that flow through the
// fusion pipeline. Types here carry no behavior beyond their own shape and
// the schema tag used to address them on the broker.
package model

import "time"

// Direction is the travel direction derived from a radar sample's signed speed.
type Direction string

const (
	DirectionApproaching Direction = "approaching"
	DirectionReceding     Direction = "receding"
	DirectionStationary   Direction = "stationary"
	DirectionUnknown      Direction = "unknown"
)

// AlertLevel is the radar device's own signal-quality classification.
type AlertLevel string

const (
	AlertNormal    AlertLevel = "normal"
	AlertLowAlert  AlertLevel = "low_alert"
	AlertHighAlert AlertLevel = "high_alert"
)

// WeatherSource identifies which of the two weather snapshot keys a reading
// belongs to.
type WeatherSource string

const (
	WeatherSourceLocal   WeatherSource = "local"
	WeatherSourceAirport WeatherSource = "airport"
)

// RadarSample is one radar observation.
type RadarSample struct {
	ObservedAt    time.Time  `json:"observed_at"`
	SpeedMPH      float64    `json:"speed_mph"`
	Magnitude     *float64   `json:"magnitude,omitempty"`
	Direction     Direction  `json:"direction"`
	AlertLevel    AlertLevel `json:"alert_level"`
	CorrelationID string     `json:"correlation_id"`
}

// Schema returns the wire schema tag and version for a RadarSample.
func (RadarSample) Schema() (string, int) { return "radar.sample.v1", 1 }

// CameraDetection is one externally produced vehicle classification.
type CameraDetection struct {
	ObservedAt  time.Time `json:"observed_at"`
	VehicleType string    `json:"vehicle_type"`
	Confidence  float64   `json:"confidence"`
	BBox        *[4]int   `json:"bbox,omitempty"`
	ImageRef    *string   `json:"image_ref,omitempty"`
}

// Schema returns the wire schema tag and version for a CameraDetection.
func (CameraDetection) Schema() (string, int) { return "camera.detection.v1", 1 }

// WeatherSnapshot is the latest-known reading for one weather source.
type WeatherSnapshot struct {
	Source       WeatherSource `json:"source"`
	ObservedAt   time.Time     `json:"observed_at"`
	TemperatureC float64       `json:"temperature_c"`
	HumidityPct  *float64      `json:"humidity_pct,omitempty"`
	WindMPS      float64       `json:"wind_mps"`
	VisibilityM  *float64      `json:"visibility_m,omitempty"`
	Conditions   *string       `json:"conditions,omitempty"`
}

// Schema returns the wire schema tag and version for a WeatherSnapshot.
func (WeatherSnapshot) Schema() (string, int) { return "weather.snapshot.v1", 1 }

// ConsolidatedEvent is the unit of persistence and broadcast: one radar
// trigger fused with the best available camera detection and the freshest
// weather snapshots.
type ConsolidatedEvent struct {
	EventID        string           `json:"event_id"`
	CorrelationID  string           `json:"correlation_id"`
	TriggeredAt    time.Time        `json:"triggered_at"`
	ConsolidatedAt time.Time        `json:"consolidated_at"`
	Radar          RadarSample      `json:"radar"`
	Camera         *CameraDetection `json:"camera,omitempty"`
	WeatherLocal   *WeatherSnapshot `json:"weather_local,omitempty"`
	WeatherAirport *WeatherSnapshot `json:"weather_airport,omitempty"`
}

// Schema returns the wire schema tag and version for a ConsolidatedEvent.
func (ConsolidatedEvent) Schema() (string, int) { return "event.consolidated.v1", 1 }
