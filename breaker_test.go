package httpgate

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu       sync.Mutex
	requests []RequestEvent
	health   []HealthEvent
}

func (rs *recordingSink) RequestDone(ev RequestEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.requests = append(rs.requests, ev)
}

func (rs *recordingSink) HealthChanged(ev HealthEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.health = append(rs.health, ev)
}

func (rs *recordingSink) healthEvents() []HealthEvent {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]HealthEvent(nil), rs.health...)
}

func (rs *recordingSink) requestEvents() []RequestEvent {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]RequestEvent(nil), rs.requests...)
}

const addr = "target:80"

func newTestTracker(sink EventSink) (*Tracker, *clock.Mock) {
	mock := clock.NewMock()
	return &Tracker{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		CoolDown:         10 * time.Second,
		MaxCoolDown:      80 * time.Second,
		Clock:            mock,
		Events:           sink,
	}, mock
}

func Test_Tracker_TripsAfterConsecutiveFailures(t *testing.T) {
	sink := &recordingSink{}
	tr, _ := newTestTracker(sink)

	tr.Record(addr, false)
	tr.Record(addr, false)
	assert.Equal(t, CircuitClosed, tr.State(addr))
	tr.Record(addr, false)
	assert.Equal(t, CircuitOpen, tr.State(addr))
	assert.False(t, tr.Eligible(addr))
	assert.False(t, tr.Allow(addr))

	events := sink.healthEvents()
	assert.Len(t, events, 1)
	assert.Equal(t, CircuitClosed, events[0].From)
	assert.Equal(t, CircuitOpen, events[0].To)
}

func Test_Tracker_SuccessResetsFailureCount(t *testing.T) {
	tr, _ := newTestTracker(nil)

	tr.Record(addr, false)
	tr.Record(addr, false)
	tr.Record(addr, true)
	tr.Record(addr, false)
	tr.Record(addr, false)
	assert.Equal(t, CircuitClosed, tr.State(addr))
}

func Test_Tracker_WindowExpiryResetsFailureCount(t *testing.T) {
	tr, mock := newTestTracker(nil)

	tr.Record(addr, false)
	tr.Record(addr, false)
	mock.Add(2 * time.Minute)
	tr.Record(addr, false)
	tr.Record(addr, false)
	assert.Equal(t, CircuitClosed, tr.State(addr))
	tr.Record(addr, false)
	assert.Equal(t, CircuitOpen, tr.State(addr))
}

func Test_Tracker_SingleProbeAfterCoolDown(t *testing.T) {
	tr, mock := newTestTracker(nil)
	for i := 0; i < 3; i++ {
		tr.Record(addr, false)
	}
	assert.Equal(t, CircuitOpen, tr.State(addr))
	assert.False(t, tr.Allow(addr))

	mock.Add(10 * time.Second)
	assert.True(t, tr.Eligible(addr))
	assert.True(t, tr.Allow(addr))
	assert.Equal(t, CircuitHalfOpen, tr.State(addr))
	// exactly one probe until its outcome is recorded
	assert.False(t, tr.Allow(addr))
	assert.False(t, tr.Allow(addr))
}

func Test_Tracker_LostProbeGrantExpires(t *testing.T) {
	tr, mock := newTestTracker(nil)
	for i := 0; i < 3; i++ {
		tr.Record(addr, false)
	}
	mock.Add(10 * time.Second)
	assert.True(t, tr.Allow(addr))

	// the probe request dies before reaching the target, so its outcome
	// is never recorded; the grant must expire rather than wedge the circuit
	assert.False(t, tr.Allow(addr))
	mock.Add(10 * time.Second)
	assert.True(t, tr.Allow(addr))
	assert.Equal(t, CircuitHalfOpen, tr.State(addr))

	tr.Record(addr, true)
	assert.Equal(t, CircuitClosed, tr.State(addr))
}

func Test_Tracker_ProbeSuccessCloses(t *testing.T) {
	sink := &recordingSink{}
	tr, mock := newTestTracker(sink)
	for i := 0; i < 3; i++ {
		tr.Record(addr, false)
	}
	mock.Add(10 * time.Second)
	assert.True(t, tr.Allow(addr))
	tr.Record(addr, true)
	assert.Equal(t, CircuitClosed, tr.State(addr))
	assert.True(t, tr.Allow(addr))

	// Closed -> Open -> HalfOpen -> Closed
	events := sink.healthEvents()
	assert.Len(t, events, 3)
	assert.Equal(t, CircuitClosed, events[2].To)

	// and the failure count starts over
	tr.Record(addr, false)
	tr.Record(addr, false)
	assert.Equal(t, CircuitClosed, tr.State(addr))
}

func Test_Tracker_ProbeFailureReopensWithBackoff(t *testing.T) {
	tr, mock := newTestTracker(nil)
	for i := 0; i < 3; i++ {
		tr.Record(addr, false)
	}

	mock.Add(10 * time.Second)
	assert.True(t, tr.Allow(addr))
	tr.Record(addr, false)
	assert.Equal(t, CircuitOpen, tr.State(addr))

	// cool-down doubled, the original interval is no longer enough
	mock.Add(10 * time.Second)
	assert.False(t, tr.Allow(addr))
	mock.Add(10 * time.Second)
	assert.True(t, tr.Allow(addr))
	tr.Record(addr, false)

	// backoff is capped at MaxCoolDown
	mock.Add(40 * time.Second)
	assert.True(t, tr.Allow(addr))
	tr.Record(addr, false)
	mock.Add(80 * time.Second)
	assert.True(t, tr.Allow(addr))
}

func Test_Tracker_OpenFailuresDoNotExtendCoolDown(t *testing.T) {
	tr, mock := newTestTracker(nil)
	for i := 0; i < 3; i++ {
		tr.Record(addr, false)
	}
	mock.Add(5 * time.Second)
	// degraded try-anyway traffic keeps failing while Open
	tr.Record(addr, false)
	mock.Add(5 * time.Second)
	assert.True(t, tr.Allow(addr))
}
