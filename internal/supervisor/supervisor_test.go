package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/edgefusion/internal/health"
)

type fakeComponent struct {
	name string

	mu      sync.Mutex
	started bool
	stopped bool

	startErr error
	report   health.Report
}

func (f *fakeComponent) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeComponent) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeComponent) HealthReport() health.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeComponent) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeComponent) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func TestRunStartsAllThenStopsOnCancel(t *testing.T) {
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b"}

	s := New()
	s.Add("a", a)
	s.Add("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !a.isStarted() || !b.isStarted() {
		if time.Now().After(deadline) {
			t.Fatalf("components never started")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	assert.True(t, a.isStopped(), "expected a stopped")
	assert.True(t, b.isStopped(), "expected b stopped")
}

func TestRunStopsAlreadyStartedOnFailure(t *testing.T) {
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b", startErr: context.DeadlineExceeded}

	s := New()
	s.Add("a", a)
	s.Add("b", b)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, a.isStarted(), "expected a to have started before b failed")
	assert.True(t, a.isStopped(), "expected a to be stopped after b's start failure")
	assert.False(t, b.isStarted(), "expected b to never have started")
}

// startStopOnly is a Component that does not implement health.Health.
type startStopOnly struct{}

func (startStopOnly) Start(ctx context.Context) error {
	return nil
}

func (startStopOnly) Stop() {}

func TestHealthReportsOnlyIncludesHealthComponents(t *testing.T) {
	a := &fakeComponent{name: "a", report: health.Report{State: health.StatusHealthy}}

	s := New()
	s.Add("a", a)
	s.Add("b", startStopOnly{})

	reports := s.HealthReports()
	require.Len(t, reports, 1)
	assert.NotContains(t, reports, "b")
	assert.Equal(t, health.StatusHealthy, reports["a"].HealthReport().State)
}
