package broker

import "time"

// Fixed topic names the core publishes and subscribes to. TopicCameraDetections
// is not named in spec.md's fixed-topic list but is required by the data flow
// in spec.md §2 ("Camera (external) -> Broker"); this module adds it as the
// obvious namesake of radar_detections/weather_updates, recorded as a design
// decision in DESIGN.md rather than left implicit.
const (
	TopicTrafficEvents     = "traffic_events"
	TopicRadarDetections   = "radar_detections"
	TopicCameraDetections  = "camera_detections"
	TopicDatabaseEvents    = "database_events"
	TopicWeatherUpdates    = "weather_updates"
)

// Fixed bounded-stream names and their maxlen.
const (
	StreamRadarData              = "radar_data"
	StreamRadarDataMaxLen         = 1000
	StreamConsolidatedTraffic     = "consolidated_traffic_data"
	StreamConsolidatedTrafficMax  = 100
)

// Fixed cache keys.
const (
	CacheKeyWeatherLocal   = "weather:local:latest"
	CacheKeyWeatherAirport = "weather:airport:latest"
)

// ConsolidationCacheKey returns the per-event cache key used to hold a
// ConsolidatedEvent for the consolidator's own retention window.
func ConsolidationCacheKey(eventID string) string {
	return "consolidation:" + eventID
}

// ConsolidationCacheTTL is the TTL applied to ConsolidationCacheKey entries.
const ConsolidationCacheTTL = time.Hour
