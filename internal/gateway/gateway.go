// Package gateway implements the REST surface named in spec.md §6.1:
// health, recent/range event queries, speed statistics, and the latest
// radar/weather readings. Its request plumbing — loggingResponseWriter,
// LoggingMiddleware, writeJSONError, and the ctx.Done()-driven graceful
// Start/Shutdown — is carried over from internal/api/server.go nearly
// verbatim. What's new is the construction: instead of one Server holding
// a concrete *db.DB and serialmux.SerialMuxInterface, the gateway is built
// from the four narrow capability interfaces below, so it depends on what
// it reads rather than on the concrete components that happen to provide
// it, per spec.md §9's capability-interface design note.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
	"tailscale.com/tsweb"

	"github.com/banshee-data/edgefusion/internal/ferrors"
	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/model"
)

// ReadLatestRadar exposes the most recent radar sample, independent of
// which broker stream it was read from.
type ReadLatestRadar interface {
	LatestRadar() (model.RadarSample, bool)
}

// ReadEvents exposes persisted ConsolidatedEvents for the recent/range/
// stats endpoints. *store.DB satisfies this directly.
type ReadEvents interface {
	Recent(limit int) ([]model.ConsolidatedEvent, error)
	Range(from, to time.Time) ([]model.ConsolidatedEvent, error)
	SpeedsInRange(from, to time.Time) ([]float64, error)
}

// ReadWeather exposes the latest weather snapshots. *weathercache.Cache
// satisfies this directly.
type ReadWeather interface {
	ReadLocal() (model.WeatherSnapshot, bool)
	ReadAirport() (model.WeatherSnapshot, bool)
}

// Gateway serves the REST API over whatever capabilities it's constructed
// with; it never imports the consolidator, store, or broadcaster packages
// directly.
type Gateway struct {
	components map[string]health.Health
	radar      ReadLatestRadar
	events     ReadEvents
	weather    ReadWeather

	startedAt time.Time
	mux       *http.ServeMux
}

// New constructs a Gateway. components is the set the /api/health endpoint
// reports on, keyed by component name (e.g. "consolidator", "store_writer",
// "broadcaster", "radarreader").
func New(components map[string]health.Health, radar ReadLatestRadar, events ReadEvents, weather ReadWeather) *Gateway {
	return &Gateway{
		components: components,
		radar:      radar,
		events:     events,
		weather:    weather,
		startedAt:  time.Now(),
	}
}

// ServeMux returns the gateway's http.ServeMux, building it on first call
// so callers can still mount extra admin routes (e.g. store.AttachAdminRoutes)
// before Start runs the server, the same allowance internal/api/server.go
// documents for its own ServeMux().
func (g *Gateway) ServeMux() *http.ServeMux {
	if g.mux != nil {
		return g.mux
	}
	g.mux = http.NewServeMux()
	g.mux.HandleFunc("/api/health", g.handleHealth)
	g.mux.HandleFunc("/api/events/recent", g.handleEventsRecent)
	g.mux.HandleFunc("/api/events", g.handleEvents)
	g.mux.HandleFunc("/api/events/stats", g.handleEventsStats)
	g.mux.HandleFunc("/api/radar/latest", g.handleRadarLatest)
	g.mux.HandleFunc("/api/weather/latest", g.handleWeatherLatest)
	tsweb.Debugger(g.mux)
	return g.mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		portPrefix := ""
		if host := r.Host; host != "" {
			if _, p, err := net.SplitHostPort(host); err == nil {
				portPrefix = ":" + p
			}
		}
		log.Printf("[%d] %s %s%s %vms", lrw.statusCode, r.Method, portPrefix, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}

func (g *Gateway) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		log.Printf("gateway: encode error response: %v", err)
	}
}

// clientError builds a query-validation failure tagged ClientError, the
// single kind writeError maps to 4xx.
func clientError(where, msg string) error {
	return ferrors.New(ferrors.ClientError, where, fmt.Errorf("%s", msg))
}

// writeError is the gateway's single translation layer from the ferrors
// taxonomy to an HTTP status, per spec.md §7: ClientError is the caller's
// fault (400), everything else reaching a handler is this component's own
// failure to serve a read it should have been able to serve (503).
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if ferrors.Is(err, ferrors.ClientError) {
		status = http.StatusBadRequest
	}
	g.writeJSONError(w, status, err.Error())
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

// componentHealth is the per-component shape in /api/health's response.
type componentHealth struct {
	State         health.Status `json:"state"`
	LastEventAgeS *float64      `json:"last_event_age_s,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	comp := make(map[string]componentHealth, len(g.components))
	anyUnhealthy := false
	for name, h := range g.components {
		rep := h.HealthReport()
		comp[name] = componentHealth{State: rep.State, LastEventAgeS: rep.LastEventAgeS}
		if rep.State == health.StatusUnhealthy {
			anyUnhealthy = true
		}
	}

	status := "healthy"
	code := http.StatusOK
	if anyUnhealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	g.writeJSON(w, map[string]any{
		"status":     status,
		"components": comp,
		"uptime_s":   time.Since(g.startedAt).Seconds(),
	})
}

func (g *Gateway) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			g.writeError(w, clientError("gateway.events_recent", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}

	events, err := g.events.Recent(limit)
	if err != nil {
		g.writeError(w, ferrors.New(ferrors.TransientIO, "gateway.events_recent", err))
		return
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, events)
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		g.writeError(w, clientError("gateway.events", "'start' and 'end' are required, both RFC3339"))
		return
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		g.writeError(w, clientError("gateway.events", "invalid 'start': must be RFC3339"))
		return
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		g.writeError(w, clientError("gateway.events", "invalid 'end': must be RFC3339"))
		return
	}

	limit := 1000
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			g.writeError(w, clientError("gateway.events", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	// end is exclusive per spec.md §6.1; Range's BETWEEN is inclusive of
	// both bounds, so back end off by the smallest representable instant.
	events, err := g.events.Range(start, end.Add(-time.Nanosecond))
	if err != nil {
		g.writeError(w, ferrors.New(ferrors.TransientIO, "gateway.events", err))
		return
	}
	if len(events) > limit {
		events = events[:limit]
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, events)
}

func (g *Gateway) handleEventsStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	windowStr := r.URL.Query().Get("window")
	if windowStr == "" {
		g.writeError(w, clientError("gateway.events_stats", "'window' is required, an ISO-8601 duration such as 'PT1H'"))
		return
	}
	window, err := parseISO8601Duration(windowStr)
	if err != nil || window < 0 {
		g.writeError(w, clientError("gateway.events_stats", "invalid 'window': must be a non-negative ISO-8601 duration such as 'PT1H'"))
		return
	}

	now := time.Now().UTC()
	// A zero window has no natural "look back N" meaning, so it's read as
	// "no lower bound" rather than the empty instant [now, now] — this is
	// what scenario S6 exercises with window=PT0S after a retention sweep.
	from := time.Time{}
	if window > 0 {
		from = now.Add(-window)
	}

	events, err := g.events.Range(from, now)
	if err != nil {
		g.writeError(w, ferrors.New(ferrors.TransientIO, "gateway.events_stats", err))
		return
	}
	speeds, err := g.events.SpeedsInRange(from, now)
	if err != nil {
		g.writeError(w, ferrors.New(ferrors.TransientIO, "gateway.events_stats", err))
		return
	}

	byType := make(map[string]int)
	for _, ev := range events {
		if ev.Camera != nil {
			byType[ev.Camera.VehicleType]++
		}
	}

	var avgSpeed, p95Speed float64
	if len(speeds) > 0 {
		sorted := make([]float64, len(speeds))
		copy(sorted, speeds)
		sort.Float64s(sorted)

		var sum float64
		for _, s := range sorted {
			sum += s
		}
		avgSpeed = sum / float64(len(sorted))
		p95Speed = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}

	g.writeJSON(w, map[string]any{
		"count":         len(events),
		"avg_speed_mph": avgSpeed,
		"p95_speed_mph": p95Speed,
		"by_type":       byType,
	})
}

// iso8601DurationPattern matches the P[n]Y[n]M[n]D[T[n]H[n]M[n]S] grammar
// spec.md §6.1 names for the stats window (e.g. "PT1H", "P1DT12H", "PT0S").
// No third-party ISO-8601 *duration* parser turned up anywhere in the
// retrieved example pack — the one ISO-8601 library present there,
// relvacode/iso8601, parses timestamps, not durations — so this is a small
// stdlib regexp, not a hand-rolled replacement for an available library.
var iso8601DurationPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`,
)

// parseISO8601Duration parses the subset of ISO-8601 durations spec.md §6.1
// and scenario S6 use: calendar Y/M/D treated as fixed 365/30/1-day units
// (this endpoint only needs a lookback span, not calendar-accurate
// arithmetic), fractional seconds preserved.
func parseISO8601Duration(s string) (time.Duration, error) {
	m := iso8601DurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("gateway: %q is not a valid ISO-8601 duration", s)
	}
	anyField := false
	for _, g := range m[1:] {
		if g != "" {
			anyField = true
			break
		}
	}
	if !anyField {
		return 0, fmt.Errorf("gateway: %q is not a valid ISO-8601 duration", s)
	}
	var total time.Duration
	units := []time.Duration{
		365 * 24 * time.Hour, // Y
		30 * 24 * time.Hour,  // M (date part)
		24 * time.Hour,       // D
		time.Hour,            // H
		time.Minute,          // M (time part)
	}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("gateway: %q is not a valid ISO-8601 duration: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	if m[6] != "" {
		secs, err := strconv.ParseFloat(m[6], 64)
		if err != nil {
			return 0, fmt.Errorf("gateway: %q is not a valid ISO-8601 duration: %w", s, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}

func (g *Gateway) handleRadarLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sample, ok := g.radar.LatestRadar()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, sample)
}

func (g *Gateway) handleWeatherLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	local, localOK := g.weather.ReadLocal()
	airport, airportOK := g.weather.ReadAirport()

	resp := map[string]any{}
	if localOK {
		resp["local"] = local
	} else {
		resp["local"] = nil
	}
	if airportOK {
		resp["airport"] = airport
	} else {
		resp["airport"] = nil
	}
	g.writeJSON(w, resp)
}

// Start runs the HTTP server on listen until ctx is canceled, then shuts
// down gracefully within a short deadline. Grounded on
// internal/api/server.go's Start: background ListenAndServe, select on
// ctx.Done() vs. the server's own error channel, bounded Shutdown.
func (g *Gateway) Start(ctx context.Context, listen string) error {
	server := &http.Server{
		Addr:    listen,
		Handler: LoggingMiddleware(g.ServeMux()),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway: shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("gateway: force close error: %v", err)
			}
		}
		return nil
	case err := <-errCh:
		return err
	}
}
