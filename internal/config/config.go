// Package config defines the fusion pipeline's tuning parameters. The
// loading mechanics (file I/O, flags) are ambient plumbing, not core
// behavior — the core itself only ever sees a validated *FusionConfig.
//
// Every tunable is a pointer field with a paired Get<Field> accessor that
// supplies the spec's default when unset, the same idiom as the teacher's
// internal/config/tuning.go, so partial JSON configs are safe and the zero
// value of FusionConfig is already a usable (all-defaults) configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FusionConfig holds every tunable named in spec.md across the radar
// reader, consolidator, persistence writer, and broadcaster.
type FusionConfig struct {
	// Radar reader
	DirectionEpsilonMPH *float64 `json:"direction_epsilon_mph,omitempty"`
	ReconnectMinBackoff *string  `json:"reconnect_min_backoff,omitempty"` // duration string, default 100ms
	ReconnectMaxBackoff *string  `json:"reconnect_max_backoff,omitempty"` // duration string, default 30s
	DegradedAfter       *string  `json:"degraded_after,omitempty"`        // duration string, default 60s

	// Consolidator
	MinTriggerSpeedMPH  *float64 `json:"min_trigger_speed_mph,omitempty"`
	WindowPre           *string  `json:"window_pre,omitempty"`  // default 500ms
	WindowPost          *string  `json:"window_post,omitempty"` // default 2s
	EarlyMatchConfidence *float64 `json:"early_match_confidence,omitempty"`
	CameraStrictMode    *bool    `json:"camera_strict_mode,omitempty"`
	DedupWindow         *string  `json:"dedup_window,omitempty"` // default 800ms
	WeatherMaxAgeLocal  *string  `json:"weather_max_age_local,omitempty"`   // default 2m
	WeatherMaxAgeAirport *string `json:"weather_max_age_airport,omitempty"` // default 15m
	SpillBufferCapacity *int     `json:"spill_buffer_capacity,omitempty"`
	BrokerPublishRetryDelay *string `json:"broker_publish_retry_delay,omitempty"` // default 100ms

	// Persistence writer
	BatchMax               *int    `json:"batch_max,omitempty"`
	BatchMaxAge             *string `json:"batch_max_age,omitempty"` // default 5s
	BatchRetryMinBackoff    *string `json:"batch_retry_min_backoff,omitempty"` // default 100ms
	BatchRetryMaxBackoff    *string `json:"batch_retry_max_backoff,omitempty"` // default 10s
	RetentionScanInterval   *string `json:"retention_scan_interval,omitempty"` // default 1h
	Retention               *string `json:"retention,omitempty"`              // default 2160h (90d)
	DeleteBatch             *int    `json:"delete_batch,omitempty"`

	// Broadcaster
	SlowClientThreshold *int `json:"slow_client_threshold,omitempty"`
	SlowClientKick      *int `json:"slow_client_kick,omitempty"`
}

// Empty returns a FusionConfig with every field unset; Get* accessors then
// supply spec defaults.
func Empty() *FusionConfig { return &FusionConfig{} }

// Load reads a FusionConfig from a JSON file, mirroring the teacher's
// LoadTuningConfig guard rails (extension + size check) and Validate call.
func Load(path string) (*FusionConfig, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that can be checked independent of runtime
// state (durations parse, probabilities are in range).
func (c *FusionConfig) Validate() error {
	for _, d := range []*string{
		c.ReconnectMinBackoff, c.ReconnectMaxBackoff, c.DegradedAfter,
		c.WindowPre, c.WindowPost, c.DedupWindow, c.WeatherMaxAgeLocal,
		c.WeatherMaxAgeAirport, c.BrokerPublishRetryDelay, c.BatchMaxAge,
		c.BatchRetryMinBackoff, c.BatchRetryMaxBackoff, c.RetentionScanInterval,
		c.Retention,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid duration %q: %w", *d, err)
			}
		}
	}
	if c.EarlyMatchConfidence != nil && (*c.EarlyMatchConfidence < 0 || *c.EarlyMatchConfidence > 1) {
		return fmt.Errorf("early_match_confidence must be in [0,1], got %f", *c.EarlyMatchConfidence)
	}
	if c.BatchMax != nil && *c.BatchMax <= 0 {
		return fmt.Errorf("batch_max must be positive, got %d", *c.BatchMax)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetDirectionEpsilonMPH returns epsilon used to derive direction from
// signed speed.
func (c *FusionConfig) GetDirectionEpsilonMPH() float64 {
	if c.DirectionEpsilonMPH == nil {
		return 0.2
	}
	return *c.DirectionEpsilonMPH
}

func (c *FusionConfig) GetReconnectMinBackoff() time.Duration {
	return durationOr(c.ReconnectMinBackoff, 100*time.Millisecond)
}

func (c *FusionConfig) GetReconnectMaxBackoff() time.Duration {
	return durationOr(c.ReconnectMaxBackoff, 30*time.Second)
}

func (c *FusionConfig) GetDegradedAfter() time.Duration {
	return durationOr(c.DegradedAfter, 60*time.Second)
}

func (c *FusionConfig) GetMinTriggerSpeedMPH() float64 {
	if c.MinTriggerSpeedMPH == nil {
		return 2.0
	}
	return *c.MinTriggerSpeedMPH
}

func (c *FusionConfig) GetWindowPre() time.Duration {
	return durationOr(c.WindowPre, 500*time.Millisecond)
}

func (c *FusionConfig) GetWindowPost() time.Duration {
	return durationOr(c.WindowPost, 2*time.Second)
}

func (c *FusionConfig) GetEarlyMatchConfidence() float64 {
	if c.EarlyMatchConfidence == nil {
		return 0.85
	}
	return *c.EarlyMatchConfidence
}

func (c *FusionConfig) GetCameraStrictMode() bool {
	if c.CameraStrictMode == nil {
		return false
	}
	return *c.CameraStrictMode
}

func (c *FusionConfig) GetDedupWindow() time.Duration {
	return durationOr(c.DedupWindow, 800*time.Millisecond)
}

func (c *FusionConfig) GetWeatherMaxAgeLocal() time.Duration {
	return durationOr(c.WeatherMaxAgeLocal, 2*time.Minute)
}

func (c *FusionConfig) GetWeatherMaxAgeAirport() time.Duration {
	return durationOr(c.WeatherMaxAgeAirport, 15*time.Minute)
}

func (c *FusionConfig) GetSpillBufferCapacity() int {
	if c.SpillBufferCapacity == nil {
		return 256
	}
	return *c.SpillBufferCapacity
}

func (c *FusionConfig) GetBrokerPublishRetryDelay() time.Duration {
	return durationOr(c.BrokerPublishRetryDelay, 100*time.Millisecond)
}

func (c *FusionConfig) GetBatchMax() int {
	if c.BatchMax == nil {
		return 100
	}
	return *c.BatchMax
}

func (c *FusionConfig) GetBatchMaxAge() time.Duration {
	return durationOr(c.BatchMaxAge, 5*time.Second)
}

func (c *FusionConfig) GetBatchBufferCap() int {
	return c.GetBatchMax() * 8
}

func (c *FusionConfig) GetBatchRetryMinBackoff() time.Duration {
	return durationOr(c.BatchRetryMinBackoff, 100*time.Millisecond)
}

func (c *FusionConfig) GetBatchRetryMaxBackoff() time.Duration {
	return durationOr(c.BatchRetryMaxBackoff, 10*time.Second)
}

func (c *FusionConfig) GetRetentionScanInterval() time.Duration {
	return durationOr(c.RetentionScanInterval, time.Hour)
}

func (c *FusionConfig) GetRetention() time.Duration {
	return durationOr(c.Retention, 90*24*time.Hour)
}

func (c *FusionConfig) GetDeleteBatch() int {
	if c.DeleteBatch == nil {
		return 1000
	}
	return *c.DeleteBatch
}

func (c *FusionConfig) GetSlowClientThreshold() int {
	if c.SlowClientThreshold == nil {
		return 16
	}
	return *c.SlowClientThreshold
}

func (c *FusionConfig) GetSlowClientKick() int {
	if c.SlowClientKick == nil {
		return 64
	}
	return *c.SlowClientKick
}
