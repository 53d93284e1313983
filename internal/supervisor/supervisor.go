// Package supervisor starts and stops the fusion pipeline's long-running
// components in dependency order and aggregates their health reports.
// Run blocks until its context is canceled (main wires that context to
// signal.NotifyContext); components are started one after another and
// stopped one after another in reverse, with no per-component goroutine.
// The shape is grounded on cmd/radar/radar.go's main function, generalized from that
// file's flag-driven, hand-wired goroutine block into a reusable type that
// starts components from an ordered list instead of inline code.
package supervisor

import (
	"context"

	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/monitoring"
)

// Component is anything the supervisor can start, stop, and health-check.
// radarreader.Reader, consolidator.Consolidator, store.Writer,
// store.Retention and broadcaster.Broadcaster satisfy this shape;
// gateway.Gateway does not (its Start also takes a listen address).
type Component interface {
	Start(ctx context.Context) error
	Stop()
}

// namedComponent pairs a Component with the name it reports health under.
// A component that doesn't implement health.Health (e.g. store.Retention,
// which has nothing meaningful to report) is still started and stopped,
// it's just absent from the aggregated health map.
type namedComponent struct {
	name string
	c    Component
}

// Supervisor starts components in the order they were added and stops them
// in reverse, so a component started after another (e.g. the broadcaster
// after the consolidator whose events it relays) is always torn down first.
type Supervisor struct {
	components []namedComponent
	started    []namedComponent
}

// New constructs an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Add registers a component to be started (in the order Add is called) and
// stopped (in reverse order) by Run.
func (s *Supervisor) Add(name string, c Component) {
	s.components = append(s.components, namedComponent{name: name, c: c})
}

// Run starts every registered component in order, blocks until ctx is
// canceled, then stops them in reverse order. If any component fails to
// start, the components already started are stopped before Run returns
// the error.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, nc := range s.components {
		if err := nc.c.Start(ctx); err != nil {
			monitoring.Logf("supervisor: %s failed to start: %v", nc.name, err)
			s.stopStarted()
			return err
		}
		monitoring.Logf("supervisor: %s started", nc.name)
		s.started = append(s.started, nc)
	}

	<-ctx.Done()
	monitoring.Logf("supervisor: shutdown signal received, stopping components")
	s.stopStarted()
	return nil
}

// stopStarted stops every started component sequentially, in reverse start
// order, so a component never drains against another that's already torn
// down.
func (s *Supervisor) stopStarted() {
	for i := len(s.started) - 1; i >= 0; i-- {
		nc := s.started[i]
		nc.c.Stop()
		monitoring.Logf("supervisor: %s stopped", nc.name)
	}
	s.started = nil
}

// HealthReports returns the current health.Report for every registered
// component that implements health.Health, keyed by the name it was
// Add()-ed under. Suitable as-is for gateway.New's components argument.
func (s *Supervisor) HealthReports() map[string]health.Health {
	out := make(map[string]health.Health, len(s.components))
	for _, nc := range s.components {
		if h, ok := nc.c.(health.Health); ok {
			out[nc.name] = h
		}
	}
	return out
}
