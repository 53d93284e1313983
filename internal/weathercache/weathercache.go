// Package weathercache holds the two most recent WeatherSnapshots under
// their fixed broker cache keys. The local-sensor reader and the airport
// METAR fetcher are external collaborators (out of scope per spec.md §1);
// this package only defines the read/write surface the core shares with
// them and publishes weather_updates whenever either key changes.
package weathercache

import (
	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/model"
)

// Cache is a thin, stateless wrapper over the broker's cache keys and the
// weather_updates topic — it owns no state of its own, per spec.md §4.3
// ("the core consumes these keys read-only").
type Cache struct {
	br broker.Broker
}

// New constructs a Cache backed by br.
func New(br broker.Broker) *Cache {
	return &Cache{br: br}
}

// WriteLocal records a fresh local WeatherSnapshot. Called by the (external)
// GPIO sensor reader, stood in for by tests.
func (c *Cache) WriteLocal(snap model.WeatherSnapshot) error {
	return c.write(broker.CacheKeyWeatherLocal, snap)
}

// WriteAirport records a fresh airport WeatherSnapshot. Called by the
// (external) METAR fetcher, stood in for by tests.
func (c *Cache) WriteAirport(snap model.WeatherSnapshot) error {
	return c.write(broker.CacheKeyWeatherAirport, snap)
}

func (c *Cache) write(key string, snap model.WeatherSnapshot) error {
	rec, err := broker.NewRecord(snap)
	if err != nil {
		return err
	}
	c.br.CacheSet(key, rec, 0)
	return c.br.Publish(broker.TopicWeatherUpdates, rec)
}

// ReadLocal returns the latest local snapshot, if any.
func (c *Cache) ReadLocal() (model.WeatherSnapshot, bool) {
	return c.read(broker.CacheKeyWeatherLocal)
}

// ReadAirport returns the latest airport snapshot, if any.
func (c *Cache) ReadAirport() (model.WeatherSnapshot, bool) {
	return c.read(broker.CacheKeyWeatherAirport)
}

func (c *Cache) read(key string) (model.WeatherSnapshot, bool) {
	rec, ok := c.br.CacheGet(key)
	if !ok {
		return model.WeatherSnapshot{}, false
	}
	var snap model.WeatherSnapshot
	if err := rec.Decode(&snap); err != nil {
		return model.WeatherSnapshot{}, false
	}
	return snap, true
}
