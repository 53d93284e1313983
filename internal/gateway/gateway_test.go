package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/edgefusion/internal/health"
	"github.com/banshee-data/edgefusion/internal/model"
	"github.com/banshee-data/edgefusion/internal/testutil"
)

type fakeHealth struct{ report health.Report }

func (f fakeHealth) HealthReport() health.Report { return f.report }

type fakeRadar struct {
	sample model.RadarSample
	ok     bool
}

func (f fakeRadar) LatestRadar() (model.RadarSample, bool) { return f.sample, f.ok }

type fakeEvents struct {
	recent   []model.ConsolidatedEvent
	ranged   []model.ConsolidatedEvent
	speeds   []float64
	err      error
	lastFrom *time.Time
}

func (f fakeEvents) Recent(limit int) ([]model.ConsolidatedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f fakeEvents) Range(from, to time.Time) ([]model.ConsolidatedEvent, error) {
	if f.lastFrom != nil {
		*f.lastFrom = from
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.ranged, nil
}

func (f fakeEvents) SpeedsInRange(from, to time.Time) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.speeds, nil
}

type fakeWeather struct {
	local     model.WeatherSnapshot
	localOK   bool
	airport   model.WeatherSnapshot
	airportOK bool
}

func (f fakeWeather) ReadLocal() (model.WeatherSnapshot, bool)   { return f.local, f.localOK }
func (f fakeWeather) ReadAirport() (model.WeatherSnapshot, bool) { return f.airport, f.airportOK }

func newTestGateway(t *testing.T, components map[string]health.Health, radar ReadLatestRadar, events ReadEvents, weather ReadWeather) *httptest.Server {
	t.Helper()
	g := New(components, radar, events, weather)
	ts := httptest.NewServer(g.ServeMux())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthHealthyWhenAllComponentsHealthy(t *testing.T) {
	components := map[string]health.Health{
		"consolidator": fakeHealth{report: health.Report{State: health.StatusHealthy}},
	}
	ts := newTestGateway(t, components, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/health")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", body["status"])
	}
}

func TestHealthUnavailableWhenAnyComponentUnhealthy(t *testing.T) {
	components := map[string]health.Health{
		"consolidator": fakeHealth{report: health.Report{State: health.StatusHealthy}},
		"radarreader":  fakeHealth{report: health.Report{State: health.StatusUnhealthy}},
	}
	ts := newTestGateway(t, components, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/health")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusServiceUnavailable)
}

func TestEventsRecentReturnsEvents(t *testing.T) {
	events := fakeEvents{recent: []model.ConsolidatedEvent{{EventID: "evt-1"}, {EventID: "evt-2"}}}
	ts := newTestGateway(t, nil, fakeRadar{}, events, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/recent?limit=1")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var got []model.ConsolidatedEvent
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "evt-1" {
		t.Fatalf("expected [evt-1], got %+v", got)
	}
}

func TestEventsRecentRejectsBadLimit(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/recent?limit=-1")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestEventsRecentNoContentWhenEmpty(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/recent")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNoContent)
}

func TestEventsRequiresStartAndEnd(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestEventsStatsComputesPercentileAndAverage(t *testing.T) {
	events := fakeEvents{
		ranged: []model.ConsolidatedEvent{
			{Camera: &model.CameraDetection{VehicleType: "car"}},
			{Camera: &model.CameraDetection{VehicleType: "truck"}},
		},
		speeds: []float64{10, 20, 30, 40, 50},
	}
	ts := newTestGateway(t, nil, fakeRadar{}, events, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/stats?window=PT1H")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"].(float64) != 2 {
		t.Fatalf("expected count 2, got %v", body["count"])
	}
	if body["avg_speed_mph"].(float64) != 30 {
		t.Fatalf("expected avg 30, got %v", body["avg_speed_mph"])
	}
	if body["p95_speed_mph"].(float64) != 50 {
		t.Fatalf("expected p95 50, got %v", body["p95_speed_mph"])
	}
	byType, ok := body["by_type"].(map[string]any)
	if !ok || byType["car"].(float64) != 1 || byType["truck"].(float64) != 1 {
		t.Fatalf("expected by_type car:1 truck:1, got %v", body["by_type"])
	}
}

func TestEventsStatsRejectsMissingWindow(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/stats")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestEventsStatsRejectsGoDurationSyntax(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/stats?window=1h")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestEventsStatsZeroWindowQueriesUnboundedLower(t *testing.T) {
	var from time.Time
	events := fakeEvents{lastFrom: &from}
	ts := newTestGateway(t, nil, fakeRadar{}, events, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/events/stats?window=PT0S")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	if !from.IsZero() {
		t.Fatalf("expected window=PT0S to query from the zero time, got %v", from)
	}
}

func TestRadarLatestNoContentWhenAbsent(t *testing.T) {
	ts := newTestGateway(t, nil, fakeRadar{ok: false}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/radar/latest")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNoContent)
}

func TestRadarLatestReturnsSample(t *testing.T) {
	sample := model.RadarSample{SpeedMPH: 42}
	ts := newTestGateway(t, nil, fakeRadar{sample: sample, ok: true}, fakeEvents{}, fakeWeather{})

	resp, err := http.Get(ts.URL + "/api/radar/latest")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var got model.RadarSample
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SpeedMPH != 42 {
		t.Fatalf("expected speed 42, got %v", got.SpeedMPH)
	}
}

func TestWeatherLatestReportsBothSources(t *testing.T) {
	weather := fakeWeather{
		local:     model.WeatherSnapshot{TemperatureC: 20},
		localOK:   true,
		airportOK: false,
	}
	ts := newTestGateway(t, nil, fakeRadar{}, fakeEvents{}, weather)

	resp, err := http.Get(ts.URL + "/api/weather/latest")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["airport"] != nil {
		t.Fatalf("expected nil airport, got %v", body["airport"])
	}
	local, ok := body["local"].(map[string]any)
	if !ok || local["temperature_c"].(float64) != 20 {
		t.Fatalf("expected local temperature_c 20, got %v", body["local"])
	}
}
