// Package radarreader consumes a line-oriented UART stream from the Doppler
// radar, parses each newline-terminated frame, and publishes RadarSamples to
// the broker. Framing tolerance, direction derivation, and reconnect backoff
// follow spec.md §4.2 exactly; the read-loop/select shape is grounded on
// radar/serial.go's RadarPortInterface pattern, generalized behind the Port
// interface in port.go so tests drive it with a MockPort.
package radarreader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/monitoring"
)

// OpenFunc constructs a Port for a device path; overridden in tests to hand
// back a MockPort instead of opening real hardware.
type OpenFunc func(device string) (Port, error)

// Reader owns the serial device exclusively and is the sole publisher of
// RadarSamples to the broker.
type Reader struct {
	br     broker.Broker
	cfg    *config.FusionConfig
	clk    clock.Clock
	device string
	open   OpenFunc

	mu               sync.Mutex
	state            health.Status
	lastEventAt      time.Time
	firstFailureAt   time.Time
	droppedMalformed int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Reader. If clk is nil, clock.RealClock{} is used.
func New(br broker.Broker, cfg *config.FusionConfig, clk clock.Clock, device string, open OpenFunc) *Reader {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reader{
		br:     br,
		cfg:    cfg,
		clk:    clk,
		device: device,
		open:   open,
		state:  health.StatusHealthy,
	}
}

// Start spawns the read loop and returns at once, without waiting for the
// first connection attempt; opening the device and reconnecting happen in
// the background.
func (r *Reader) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop cancels the read loop and waits up to 1s for it to exit before
// returning, matching spec.md's stop() grace period.
func (r *Reader) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		monitoring.Logf("radarreader: grace period elapsed, forcing shutdown")
	}
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.cfg.GetReconnectMinBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := r.open(r.device)
		if err != nil {
			r.recordFailure()
			if !r.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = r.cfg.GetReconnectMinBackoff()
		r.setHealthy()
		exitReason := r.readLoop(ctx, port)
		_ = port.Close()
		if exitReason == exitCanceled {
			return
		}
		r.recordFailure()
		if !r.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

type loopExit int

const (
	exitCanceled loopExit = iota
	exitIOError
)

func (r *Reader) readLoop(ctx context.Context, port Port) loopExit {
	lines := port.Lines()
	errs := port.Err()
	for {
		select {
		case <-ctx.Done():
			return exitCanceled
		case err := <-errs:
			monitoring.Logf("radarreader: device error: %v", err)
			return exitIOError
		case line, ok := <-lines:
			if !ok {
				return exitIOError
			}
			r.handleLine(line)
		}
	}
}

func (r *Reader) handleLine(line string) {
	pf, err := parseFrame(line)
	if err != nil {
		r.mu.Lock()
		r.droppedMalformed++
		r.mu.Unlock()
		monitoring.Logf("radarreader: dropping malformed frame %q: %v", line, err)
		return
	}

	now := r.clk.Now()
	correlationID := uuid.Must(uuid.NewV7()).String()
	sample := toSample(pf, now, r.cfg.GetDirectionEpsilonMPH(), correlationID)

	rec, err := broker.NewRecord(sample)
	if err != nil {
		monitoring.Logf("radarreader: encode sample: %v", err)
		return
	}
	if err := r.br.Append(broker.StreamRadarData, rec); err != nil {
		monitoring.Logf("radarreader: append radar_data: %v", err)
	}
	if err := r.br.Publish(broker.TopicRadarDetections, rec); err != nil {
		monitoring.Logf("radarreader: publish radar_detections: %v", err)
	}

	r.mu.Lock()
	r.lastEventAt = now
	r.state = health.StatusHealthy
	r.firstFailureAt = time.Time{}
	r.mu.Unlock()
}

func (r *Reader) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	if r.firstFailureAt.IsZero() {
		r.firstFailureAt = now
	}
	if now.Sub(r.firstFailureAt) > r.cfg.GetDegradedAfter() {
		r.state = health.StatusDegraded
	}
}

func (r *Reader) setHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = health.StatusHealthy
	r.firstFailureAt = time.Time{}
}

// sleepBackoff waits the current backoff (doubling it, capped at max) or
// returns false if ctx is canceled first.
func (r *Reader) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clk.After(*backoff):
	}
	*backoff *= 2
	if max := r.cfg.GetReconnectMaxBackoff(); *backoff > max {
		*backoff = max
	}
	return true
}

// HealthReport implements health.Health.
func (r *Reader) HealthReport() health.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return health.Report{
		State:         r.state,
		LastEventAgeS: health.AgeSeconds(r.lastEventAt, r.clk.Now()),
	}
}

// DroppedMalformed returns the count of frames discarded for failing schema
// validation, for tests and diagnostics.
func (r *Reader) DroppedMalformed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedMalformed
}
