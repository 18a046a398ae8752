package connstate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/voicenote-sync/internal/model"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock for the manager.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingObserver struct {
	events    []StateChangeEvent
	stability []bool
}

func (r *recordingObserver) OnStateChange(e StateChangeEvent) {
	r.events = append(r.events, e)
}

func (r *recordingObserver) OnStabilityChange(stable bool, _ StabilityAssessment) {
	r.stability = append(r.stability, stable)
}

func newTestManager() (*Manager, *fakeClock, *recordingObserver) {
	clock := &fakeClock{now: t0}
	obs := &recordingObserver{}
	return New(WithClock(clock.Now), WithObserver(obs)), clock, obs
}

func TestNew_InitialState(t *testing.T) {
	m, _, _ := newTestManager()

	s := m.State()
	assert.Equal(t, model.ModeInitializing, s.Mode)
	assert.Equal(t, model.StatusDisconnected, s.Status)
	assert.Equal(t, model.QualityGood, s.Quality)
	assert.True(t, s.IsStable)
	assert.True(t, s.LastConnected.IsZero())
	assert.Empty(t, m.History())
}

func TestSetConnectionStatus_NoOpWhenUnchanged(t *testing.T) {
	m, _, obs := newTestManager()

	m.SetConnectionStatus(model.StatusDisconnected, "noop")
	m.SetConnectionMode(model.ModeInitializing, "noop")

	assert.Empty(t, m.History())
	assert.Empty(t, obs.events)
}

func TestSetConnectionStatus_Connected(t *testing.T) {
	m, clock, obs := newTestManager()

	m.RecordReconnectAttempt("retry")
	m.RecordReconnectAttempt("retry")
	clock.Advance(5 * time.Second)
	m.SetConnectionStatus(model.StatusConnected, "subscribed")

	s := m.State()
	assert.Equal(t, model.StatusConnected, s.Status)
	assert.Equal(t, t0.Add(5*time.Second), s.LastConnected)
	assert.Zero(t, s.ReconnectAttempts)

	require.Len(t, obs.events, 3)
	last := obs.events[2]
	assert.Equal(t, model.StatusDisconnected, last.Previous.Status)
	assert.Equal(t, model.StatusConnected, last.Current.Status)
	assert.Equal(t, "subscribed", last.Trigger)
	assert.Equal(t, clock.now, last.Timestamp)
}

func TestSetConnectionStatus_ErrorCountsFailure(t *testing.T) {
	m, _, _ := newTestManager()

	m.SetConnectionStatus(model.StatusError, "timed_out")
	m.SetConnectionStatus(model.StatusDisconnected, "stop")

	s := m.State()
	assert.Equal(t, 1, s.TotalFailures, "only error increments TotalFailures")

	a := m.StabilityAssessment()
	assert.Equal(t, 80, a.StabilityScore, "both error and disconnected count as window failures")
}

func TestHistory_Bounded(t *testing.T) {
	m, _, _ := newTestManager()

	for i := 0; i < MaxHistory+15; i++ {
		m.UpdateMetadata(map[string]any{"i": i}, fmt.Sprintf("update-%d", i))
	}

	h := m.History()
	require.Len(t, h, MaxHistory)
	assert.Equal(t, "update-15", h[0].Trigger, "oldest entries evicted")
	assert.Equal(t, fmt.Sprintf("update-%d", MaxHistory+14), h[MaxHistory-1].Trigger)
}

func TestUpdateLatency_Quality(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    model.Quality
	}{
		{10 * time.Millisecond, model.QualityExcellent},
		{49 * time.Millisecond, model.QualityExcellent},
		{50 * time.Millisecond, model.QualityGood},
		{149 * time.Millisecond, model.QualityGood},
		{150 * time.Millisecond, model.QualityFair},
		{499 * time.Millisecond, model.QualityFair},
		{500 * time.Millisecond, model.QualityPoor},
		{1999 * time.Millisecond, model.QualityPoor},
		{2 * time.Second, model.QualityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.latency.String(), func(t *testing.T) {
			m, _, _ := newTestManager()
			m.UpdateLatency(tt.latency)
			assert.Equal(t, tt.want, m.State().Quality)
		})
	}
}

func TestUpdateLatency_RollingAverage(t *testing.T) {
	m, _, _ := newTestManager()

	for i := 0; i < LatencySamples; i++ {
		m.UpdateLatency(3 * time.Second)
	}
	assert.Equal(t, model.QualityCritical, m.State().Quality)

	// Twenty fast samples push every slow one out of the window.
	for i := 0; i < LatencySamples; i++ {
		m.UpdateLatency(10 * time.Millisecond)
	}
	s := m.State()
	assert.Equal(t, 10*time.Millisecond, s.Latency)
	assert.Equal(t, model.QualityExcellent, s.Quality)
}

func TestUpdateLatency_IgnoresNegative(t *testing.T) {
	m, _, _ := newTestManager()
	m.UpdateLatency(-time.Second)
	assert.Empty(t, m.History())
}

func TestUpdateMetadata(t *testing.T) {
	m, _, _ := newTestManager()

	m.UpdateMetadata(map[string]any{"a": 1, "b": "two"}, "patch")
	m.UpdateMetadata(map[string]any{"a": nil}, "patch")

	s := m.State()
	assert.Equal(t, map[string]any{"b": "two"}, s.Metadata)

	// Snapshots must not alias internal state.
	s.Metadata["c"] = 3
	assert.NotContains(t, m.State().Metadata, "c")
}

func TestRecordError(t *testing.T) {
	m, clock, _ := newTestManager()

	clock.Advance(time.Minute)
	m.RecordError("channel error", "channel_error")
	assert.Equal(t, "channel error", m.State().LastError)
	assert.Equal(t, t0.Add(time.Minute), m.Metrics().LastErrorTime)

	m.RecordError("", "cleared")
	assert.Empty(t, m.State().LastError)
}

func TestReset_KeepsHistory(t *testing.T) {
	m, _, _ := newTestManager()

	m.SetConnectionMode(model.ModeWebsocket, "start")
	m.SetConnectionStatus(model.StatusError, "boom")
	m.UpdateLatency(3 * time.Second)
	m.UpdateMetadata(map[string]any{"k": "v"}, "meta")

	m.Reset("reset")

	s := m.State()
	assert.Equal(t, model.ModeInitializing, s.Mode)
	assert.Equal(t, model.StatusDisconnected, s.Status)
	assert.Zero(t, s.TotalFailures)
	assert.Zero(t, s.Latency)
	assert.Empty(t, s.Metadata)

	h := m.History()
	require.Len(t, h, 5)
	assert.Equal(t, "reset", h[4].Trigger)

	a := m.StabilityAssessment()
	assert.Equal(t, 100, a.StabilityScore)
	assert.Empty(t, a.Factors)
}

func TestStabilityAssessment_Penalties(t *testing.T) {
	t.Run("recent failures", func(t *testing.T) {
		m, _, _ := newTestManager()
		for i := 0; i < 2; i++ {
			m.SetConnectionStatus(model.StatusConnecting, "retry")
			m.SetConnectionStatus(model.StatusError, "fail")
		}
		a := m.StabilityAssessment()
		assert.Equal(t, 80, a.StabilityScore)
		assert.True(t, a.IsStable)
		require.Len(t, a.Factors, 1)
		assert.Contains(t, a.Factors[0], "2 of last 2")
	})

	t.Run("window holds last ten outcomes", func(t *testing.T) {
		m, _, _ := newTestManager()
		for i := 0; i < 5; i++ {
			m.SetConnectionStatus(model.StatusConnecting, "retry")
			m.SetConnectionStatus(model.StatusError, "fail")
		}
		for i := 0; i < StabilityWindow; i++ {
			m.SetConnectionStatus(model.StatusConnected, "ok")
			m.SetConnectionStatus(model.StatusConnecting, "blip")
		}
		m.SetConnectionStatus(model.StatusConnected, "ok")
		a := m.StabilityAssessment()
		assert.Equal(t, 100, a.StabilityScore, "old failures slid out of the window")
	})

	t.Run("poor quality", func(t *testing.T) {
		m, _, _ := newTestManager()
		m.UpdateLatency(time.Second)
		a := m.StabilityAssessment()
		assert.Equal(t, 75, a.StabilityScore)
		assert.True(t, a.IsStable)
	})

	t.Run("reconnect attempts beyond two", func(t *testing.T) {
		m, _, _ := newTestManager()
		for i := 0; i < 5; i++ {
			m.RecordReconnectAttempt("retry")
		}
		a := m.StabilityAssessment()
		assert.Equal(t, 70, a.StabilityScore)
		assert.True(t, a.IsStable, "exactly 70 is stable")
	})

	t.Run("disconnected for more than a minute", func(t *testing.T) {
		m, clock, _ := newTestManager()
		m.SetConnectionStatus(model.StatusConnected, "ok")
		m.SetConnectionStatus(model.StatusConnecting, "lost")

		clock.Advance(60 * time.Second)
		assert.Equal(t, 100, m.StabilityAssessment().StabilityScore, "exactly 60s is not penalized")

		clock.Advance(time.Second)
		a := m.StabilityAssessment()
		assert.Equal(t, 70, a.StabilityScore)
		assert.Contains(t, a.Factors, "disconnected for 1m1s (-30)")
	})

	t.Run("never connected is not penalized", func(t *testing.T) {
		m, clock, _ := newTestManager()
		clock.Advance(time.Hour)
		assert.Equal(t, 100, m.StabilityAssessment().StabilityScore)
	})

	t.Run("clamped at zero", func(t *testing.T) {
		m, _, _ := newTestManager()
		for i := 0; i < StabilityWindow; i++ {
			m.SetConnectionStatus(model.StatusConnecting, "retry")
			m.SetConnectionStatus(model.StatusError, "fail")
		}
		m.UpdateLatency(5 * time.Second)
		for i := 0; i < 10; i++ {
			m.RecordReconnectAttempt("retry")
		}
		a := m.StabilityAssessment()
		assert.Zero(t, a.StabilityScore)
		assert.False(t, a.IsStable)
	})
}

func TestStabilityChange_FiresOnTransitionOnly(t *testing.T) {
	m, _, obs := newTestManager()

	// 100 -> 90 -> 80 -> 70: still stable.
	for i := 0; i < 3; i++ {
		m.SetConnectionStatus(model.StatusConnecting, "retry")
		m.SetConnectionStatus(model.StatusError, "fail")
	}
	assert.Empty(t, obs.stability)

	// 60: unstable.
	m.SetConnectionStatus(model.StatusConnecting, "retry")
	m.SetConnectionStatus(model.StatusError, "fail")
	assert.Equal(t, []bool{false}, obs.stability)
	assert.False(t, m.State().IsStable)

	// Further failures do not fire again.
	m.SetConnectionStatus(model.StatusConnecting, "retry")
	m.SetConnectionStatus(model.StatusError, "fail")
	assert.Equal(t, []bool{false}, obs.stability)
	assert.Greater(t, len(obs.events), len(obs.stability))
}

func TestMetrics(t *testing.T) {
	m, clock, _ := newTestManager()

	m.SetConnectionStatus(model.StatusConnecting, "subscribe")
	clock.Advance(10 * time.Second)
	m.SetConnectionStatus(model.StatusError, "timed_out")
	m.SetConnectionStatus(model.StatusConnecting, "retry")
	clock.Advance(10 * time.Second)
	m.SetConnectionStatus(model.StatusConnected, "subscribed")
	m.UpdateLatency(100 * time.Millisecond)
	m.UpdateLatency(200 * time.Millisecond)
	// Polling reports connected without a connecting phase.
	m.SetConnectionStatus(model.StatusError, "lost")
	m.SetConnectionStatus(model.StatusConnected, "polling")
	clock.Advance(20 * time.Second)

	got := m.Metrics()
	assert.Equal(t, 3, got.TotalAttempts)
	assert.Equal(t, 2, got.SuccessfulConnections)
	assert.Equal(t, 2, got.FailedConnections)
	assert.Equal(t, 150*time.Millisecond, got.AverageLatency)
	assert.Equal(t, 20*time.Second, got.ConnectionDuration)
	assert.Equal(t, t0.Add(20*time.Second), got.LastErrorTime)
	// 40s window, connected for the final 20s.
	assert.InDelta(t, 50.0, got.UptimePercentage, 0.001)
}

func TestMetrics_Empty(t *testing.T) {
	m, _, _ := newTestManager()
	got := m.Metrics()
	assert.Zero(t, got.TotalAttempts)
	assert.Zero(t, got.UptimePercentage)
	assert.True(t, got.LastErrorTime.IsZero())
}

func TestObserverFuncs(t *testing.T) {
	var changes int
	clock := &fakeClock{now: t0}
	m := New(WithClock(clock.Now), WithObserver(ObserverFuncs{
		StateChange: func(StateChangeEvent) { changes++ },
	}))

	m.SetConnectionMode(model.ModePolling, "fallback")
	for i := 0; i < 5; i++ {
		m.SetConnectionStatus(model.StatusConnecting, "retry")
		m.SetConnectionStatus(model.StatusError, "fail")
	}
	assert.Equal(t, 11, changes)
}

func TestDiagnosticReport(t *testing.T) {
	m, clock, _ := newTestManager()

	m.SetConnectionMode(model.ModeWebsocket, "start")
	m.SetConnectionStatus(model.StatusConnecting, "subscribe")
	clock.Advance(10 * time.Second)
	m.SetConnectionStatus(model.StatusError, "timed_out")
	m.RecordError("subscription timed out", "timed_out")
	m.RecordReconnectAttempt("retry")
	clock.Advance(2 * time.Second)
	m.SetConnectionStatus(model.StatusConnecting, "retry")
	clock.Advance(time.Second)
	m.SetConnectionStatus(model.StatusConnected, "subscribed")
	m.UpdateLatency(40 * time.Millisecond)
	m.UpdateMetadata(map[string]any{"user_id": "user-1"}, "config")
	clock.Advance(time.Minute)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "diagnostic_report", []byte(m.DiagnosticReport()))
}

func TestDiagnosticReport_SingleInstant(t *testing.T) {
	now := t0
	tick := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	m := New(WithClock(tick))
	m.SetConnectionStatus(model.StatusConnected, "subscribed")

	report := m.DiagnosticReport()

	lineValue := func(prefix string) string {
		for line := range strings.Lines(report) {
			if v, ok := strings.CutPrefix(line, prefix); ok {
				return strings.TrimSpace(v)
			}
		}
		t.Fatalf("report has no %q line", prefix)
		return ""
	}
	uptime := lineValue("  Uptime: ")
	assert.Equal(t, "1s", uptime)
	assert.Equal(t, uptime, lineValue("  Connection Duration: "))
}

func TestDiagnosticReport_Empty(t *testing.T) {
	m, _, _ := newTestManager()
	report := m.DiagnosticReport()

	assert.Contains(t, report, "Mode: Initializing")
	assert.Contains(t, report, "Last Connected: never")
	assert.Contains(t, report, "Factors: none")
	assert.Contains(t, report, "Recent Events:\n  none\n")
	assert.NotContains(t, report, "Metadata:")
}
