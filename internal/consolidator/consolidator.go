// Package consolidator implements the hardest subsystem in the pipeline:
// turning each qualifying radar trigger into exactly one ConsolidatedEvent
// by gathering the best camera detection in its correlation window and the
// freshest weather snapshots, per spec.md §4.4. The single-loop,
// drain-channels-into-protected-state shape is grounded on the retrieval
// pack's sensor-fusion controller example, adapted from its fixed-cadence
// tick to this design's deadline-driven resolution.
package consolidator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/ferrors"
	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/model"
	"github.com/banshee-data/edgefusion/internal/monitoring"
	"github.com/banshee-data/edgefusion/internal/weathercache"
)

// pendingState is the per-trigger state machine node from spec.md §4.4.
type pendingState int

const (
	stateOpen pendingState = iota
	stateResolved
	stateDropped
)

type pendingTrigger struct {
	correlationID string
	first         model.RadarSample
	maxSpeedMPH   float64
	triggeredAt   time.Time
	deadline      time.Time
	bestCamera    *model.CameraDetection
	state         pendingState
}

// Consolidator is the single-instance fusion state machine. Per spec.md §9's
// Open Question on concurrent instances, exactly one must run against a
// given broker; nothing here makes two instances safe together.
type Consolidator struct {
	br     broker.Broker
	wc     *weathercache.Cache
	cfg    *config.FusionConfig
	clk    clock.Clock
	gen    idGenerator
	publish func(topic string, rec broker.Record) error

	mu            sync.Mutex
	droppedStrict int
	droppedDedup  int
	droppedSpill  int
	spill         []model.ConsolidatedEvent
	lastEventAt   time.Time

	// loop-owned state, touched only from the run() goroutine
	pending   map[string]*pendingTrigger
	cameraBuf []model.CameraDetection

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Consolidator. If clk is nil, clock.RealClock{} is used.
func New(br broker.Broker, wc *weathercache.Cache, cfg *config.FusionConfig, clk clock.Clock) *Consolidator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &Consolidator{
		br:      br,
		wc:      wc,
		cfg:     cfg,
		clk:     clk,
		pending: make(map[string]*pendingTrigger),
	}
	c.publish = c.br.Publish
	return c
}

// Start subscribes to radar and camera detections and begins the single
// consolidation loop.
func (c *Consolidator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	radarID, radarCh := c.br.Subscribe(broker.TopicRadarDetections)
	cameraID, cameraCh := c.br.Subscribe(broker.TopicCameraDetections)

	go c.run(ctx, radarID, radarCh, cameraID, cameraCh)
	return nil
}

// Stop cancels the consolidation loop and waits for it to drain.
func (c *Consolidator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		monitoring.Logf("consolidator: drain deadline elapsed, forcing shutdown")
	}
}

func (c *Consolidator) run(ctx context.Context, radarID string, radarCh <-chan broker.Record, cameraID string, cameraCh <-chan broker.Record) {
	defer close(c.done)
	defer c.br.Unsubscribe(broker.TopicRadarDetections, radarID)
	defer c.br.Unsubscribe(broker.TopicCameraDetections, cameraID)

	for {
		timer := c.clk.NewTimer(c.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case rec, ok := <-radarCh:
			timer.Stop()
			if !ok {
				return
			}
			c.onRadarRecord(rec)
		case rec, ok := <-cameraCh:
			timer.Stop()
			if !ok {
				return
			}
			c.onCameraRecord(rec)
		case <-timer.C():
			c.resolveExpired()
		}
	}
}

// nextWait returns how long the loop should sleep before the next pending
// deadline, capped so the loop still wakes periodically with nothing
// pending (bounds goroutine leak risk to none, keeps behavior simple).
func (c *Consolidator) nextWait() time.Duration {
	now := c.clk.Now()
	earliest := now.Add(time.Second)
	found := false
	for _, p := range c.pending {
		if p.state != stateOpen {
			continue
		}
		if !found || p.deadline.Before(earliest) {
			earliest = p.deadline
			found = true
		}
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Consolidator) onRadarRecord(rec broker.Record) {
	if rec.Schema != "radar.sample.v1" {
		monitoring.Logf("consolidator: dropping unknown schema %q on radar_detections", rec.Schema)
		return
	}
	var sample model.RadarSample
	if err := rec.Decode(&sample); err != nil {
		monitoring.Logf("consolidator: decode radar sample: %v", err)
		return
	}
	c.handleTrigger(sample)
}

func (c *Consolidator) onCameraRecord(rec broker.Record) {
	if rec.Schema != "camera.detection.v1" {
		monitoring.Logf("consolidator: dropping unknown schema %q on camera_detections", rec.Schema)
		return
	}
	var det model.CameraDetection
	if err := rec.Decode(&det); err != nil {
		monitoring.Logf("consolidator: decode camera detection: %v", err)
		return
	}
	c.handleCamera(det)
}

// isTrigger implements spec.md 4.4's trigger policy: |speed_mph| >=
// min_trigger_speed and direction != stationary.
func isTrigger(s model.RadarSample, cfg *config.FusionConfig) bool {
	return math.Abs(s.SpeedMPH) >= cfg.GetMinTriggerSpeedMPH() && s.Direction != model.DirectionStationary
}

func sameSign(a, b model.Direction) bool {
	return a == b && (a == model.DirectionApproaching || a == model.DirectionReceding)
}

func (c *Consolidator) handleTrigger(sample model.RadarSample) {
	c.evictCameraBuffer()

	if !isTrigger(sample, c.cfg) {
		return // sub-threshold or stationary: consumed silently
	}

	dedupWindow := c.cfg.GetDedupWindow()
	for _, p := range c.pending {
		if p.state != stateOpen {
			continue
		}
		if sameSign(p.first.Direction, sample.Direction) && absDuration(sample.ObservedAt.Sub(p.triggeredAt)) <= dedupWindow {
			if math.Abs(sample.SpeedMPH) > math.Abs(p.maxSpeedMPH) {
				p.maxSpeedMPH = sample.SpeedMPH
			}
			c.mu.Lock()
			c.droppedDedup++
			c.mu.Unlock()
			return
		}
	}

	p := &pendingTrigger{
		correlationID: sample.CorrelationID,
		first:         sample,
		maxSpeedMPH:   sample.SpeedMPH,
		triggeredAt:   sample.ObservedAt,
		deadline:      sample.ObservedAt.Add(c.cfg.GetWindowPost()),
		state:         stateOpen,
	}
	c.pending[sample.CorrelationID] = p
	c.scanBufferFor(p)
	c.maybeEarlyResolve(p)
}

func withinWindow(observedAt, triggeredAt time.Time, cfg *config.FusionConfig) bool {
	start := triggeredAt.Add(-cfg.GetWindowPre())
	end := triggeredAt.Add(cfg.GetWindowPost())
	return !observedAt.Before(start) && !observedAt.After(end)
}

func (c *Consolidator) maybeUpdateBest(p *pendingTrigger, det model.CameraDetection) {
	if p.bestCamera == nil {
		cp := det
		p.bestCamera = &cp
		return
	}
	if det.Confidence > p.bestCamera.Confidence {
		cp := det
		p.bestCamera = &cp
		return
	}
	if det.Confidence == p.bestCamera.Confidence {
		distNew := absDuration(det.ObservedAt.Sub(p.triggeredAt))
		distOld := absDuration(p.bestCamera.ObservedAt.Sub(p.triggeredAt))
		if distNew < distOld {
			cp := det
			p.bestCamera = &cp
		}
	}
}

func (c *Consolidator) scanBufferFor(p *pendingTrigger) {
	for _, det := range c.cameraBuf {
		if withinWindow(det.ObservedAt, p.triggeredAt, c.cfg) {
			c.maybeUpdateBest(p, det)
		}
	}
}

func (c *Consolidator) maybeEarlyResolve(p *pendingTrigger) {
	if p.state == stateOpen && p.bestCamera != nil && p.bestCamera.Confidence >= c.cfg.GetEarlyMatchConfidence() {
		c.resolveOne(p)
	}
}

func (c *Consolidator) handleCamera(det model.CameraDetection) {
	c.evictCameraBuffer()
	c.cameraBuf = append(c.cameraBuf, det)

	for _, p := range c.pending {
		if p.state != stateOpen {
			continue
		}
		if withinWindow(det.ObservedAt, p.triggeredAt, c.cfg) {
			c.maybeUpdateBest(p, det)
			c.maybeEarlyResolve(p)
		}
	}
}

// evictCameraBuffer drops buffered camera detections older than
// t_now - W_pre - slack, the window spec.md §4.4's implementation model
// specifies for Q_camera's sliding buffer.
func (c *Consolidator) evictCameraBuffer() {
	const slack = time.Second
	cutoff := c.clk.Now().Add(-c.cfg.GetWindowPre() - slack)
	kept := c.cameraBuf[:0]
	for _, det := range c.cameraBuf {
		if !det.ObservedAt.Before(cutoff) {
			kept = append(kept, det)
		}
	}
	c.cameraBuf = kept
}

func (c *Consolidator) resolveExpired() {
	now := c.clk.Now()
	for _, p := range c.pending {
		if p.state == stateOpen && !p.deadline.After(now) {
			c.resolveOne(p)
		}
	}
}

func (c *Consolidator) resolveOne(p *pendingTrigger) {
	if p.bestCamera == nil && c.cfg.GetCameraStrictMode() {
		p.state = stateDropped
		c.mu.Lock()
		c.droppedStrict++
		c.mu.Unlock()
		delete(c.pending, p.correlationID)
		return
	}

	p.state = stateResolved
	delete(c.pending, p.correlationID)

	consolidatedAt := c.clk.Now()
	ev := model.ConsolidatedEvent{
		EventID:       c.gen.next(consolidatedAt),
		CorrelationID: p.correlationID,
		TriggeredAt:   p.triggeredAt,
		ConsolidatedAt: consolidatedAt,
		Radar:         p.first,
		Camera:        p.bestCamera,
	}
	ev.Radar.SpeedMPH = p.maxSpeedMPH

	if local, ok := c.wc.ReadLocal(); ok && !p.triggeredAt.Before(local.ObservedAt) &&
		p.triggeredAt.Sub(local.ObservedAt) <= c.cfg.GetWeatherMaxAgeLocal() {
		cp := local
		ev.WeatherLocal = &cp
	}
	if airport, ok := c.wc.ReadAirport(); ok && !p.triggeredAt.Before(airport.ObservedAt) &&
		p.triggeredAt.Sub(airport.ObservedAt) <= c.cfg.GetWeatherMaxAgeAirport() {
		cp := airport
		ev.WeatherAirport = &cp
	}

	c.publishResolved(ev)
}

// publishResolved implements spec.md §4.4's failure semantics: flush any
// backlog first (to preserve order), retry the new event once after
// broker_publish_retry_delay, then spill it if the retry also fails.
func (c *Consolidator) publishResolved(ev model.ConsolidatedEvent) {
	c.flushSpill()

	if err := c.emit(ev); err != nil {
		monitoring.Logf("consolidator: publish failed, retrying once: %v", err)
		c.clk.Sleep(c.cfg.GetBrokerPublishRetryDelay())
		if err := c.emit(ev); err != nil {
			monitoring.Logf("consolidator: publish retry failed, spilling event %s: %v", ev.EventID, err)
			c.spillPush(ev)
			return
		}
	}

	c.mu.Lock()
	c.lastEventAt = ev.ConsolidatedAt
	c.mu.Unlock()
}

func (c *Consolidator) emit(ev model.ConsolidatedEvent) error {
	rec, err := broker.NewRecord(ev)
	if err != nil {
		return err
	}
	if err := c.publish(broker.TopicTrafficEvents, rec); err != nil {
		return err
	}
	if err := c.br.Append(broker.StreamConsolidatedTraffic, rec); err != nil {
		monitoring.Logf("consolidator: append consolidated_traffic_data: %v", err)
	}
	c.br.CacheSet(broker.ConsolidationCacheKey(ev.EventID), rec, broker.ConsolidationCacheTTL)
	return nil
}

// spillPush appends ev to the spill buffer, applying the oldest-drop policy
// ferrors.Resource documents for a full spill buffer: once the buffer is at
// capacity, the oldest spilled event is dropped (never the new one, to keep
// FIFO replay order on flushSpill) and counted rather than growing the
// buffer unbounded.
func (c *Consolidator) spillPush(ev model.ConsolidatedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	capacity := c.cfg.GetSpillBufferCapacity()
	c.spill = append(c.spill, ev)
	if len(c.spill) > capacity {
		dropped := len(c.spill) - capacity
		c.spill = c.spill[dropped:]
		c.droppedSpill += dropped
		monitoring.Logf("consolidator: %v", ferrors.New(ferrors.Resource, "consolidator.spill",
			fmt.Errorf("spill buffer at capacity %d, dropped %d oldest event(s)", capacity, dropped)))
	}
}

func (c *Consolidator) flushSpill() {
	c.mu.Lock()
	spill := c.spill
	c.mu.Unlock()
	if len(spill) == 0 {
		return
	}
	i := 0
	for ; i < len(spill); i++ {
		if err := c.emit(spill[i]); err != nil {
			break
		}
	}
	c.mu.Lock()
	c.spill = spill[i:]
	c.mu.Unlock()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// DroppedStrict returns the count of triggers dropped under
// camera_strict_mode with no camera match.
func (c *Consolidator) DroppedStrict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedStrict
}

// DroppedDedup returns the count of triggers discarded as duplicates within
// dedup_window.
func (c *Consolidator) DroppedDedup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedDedup
}

// SpillDepth returns the number of ConsolidatedEvents currently held in the
// spill buffer.
func (c *Consolidator) SpillDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spill)
}

// DroppedSpill returns the count of spilled events discarded under the
// spill buffer's oldest-drop policy (ferrors.Resource).
func (c *Consolidator) DroppedSpill() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedSpill
}

// HealthReport implements health.Health.
func (c *Consolidator) HealthReport() health.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := health.StatusHealthy
	if c.cfg.GetSpillBufferCapacity() > 0 && len(c.spill) >= c.cfg.GetSpillBufferCapacity() {
		state = health.StatusDegraded
	}
	return health.Report{
		State:         state,
		LastEventAgeS: health.AgeSeconds(c.lastEventAt, c.clk.Now()),
	}
}
