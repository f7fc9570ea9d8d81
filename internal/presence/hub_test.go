package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// fakeClock lets tests advance presence time without sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestHub(t *testing.T) (*Hub, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	h := NewHub(DefaultHubConfig(), zap.NewNop())
	h.clock = clock.Now
	return h, clock
}

// drain reads every event currently queued on the subscription.
func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func usernames(users []Entry) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names
}

func TestStartEditing_AddsAndBroadcasts(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	h.StartEditing("doc-1", "u1", "alice")

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, TypeEditingUsers, events[0].Type)
	assert.Equal(t, []string{"alice"}, usernames(events[0].Users))
}

func TestStartEditing_IdempotentSingleEntry(t *testing.T) {
	h, _ := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-1", "u1", "alice")

	users := h.Editing("doc-1")
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].UserID)
}

func TestStartEditing_ReregisterKeepsStartTime(t *testing.T) {
	h, clock := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	started := h.Editing("doc-1")[0].StartedAt

	clock.Advance(10 * time.Second)
	h.StartEditing("doc-1", "u1", "alice")

	entry := h.Editing("doc-1")[0]
	assert.Equal(t, started, entry.StartedAt)
	assert.Equal(t, clock.Now(), entry.LastActivity)
}

func TestStopEditing_RemovesAndBroadcasts(t *testing.T) {
	h, _ := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-1", "u2", "bob")

	sub := h.Subscribe("doc-1")
	defer sub.Close()

	h.StopEditing("doc-1", "u1")

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"bob"}, usernames(events[0].Users))
	assert.Equal(t, []string{"bob"}, usernames(h.Editing("doc-1")))
}

func TestStopEditing_AbsentEntryIsSilent(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	h.StopEditing("doc-1", "nobody")

	assert.Empty(t, drain(sub))
}

func TestActivity_HeartbeatIsSilent(t *testing.T) {
	h, clock := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	clock.Advance(30 * time.Second)
	h.Activity("doc-1", "u1")
	h.Activity("doc-1", "u1")

	// Membership did not change, so nothing was broadcast.
	assert.Empty(t, drain(sub))
	assert.Equal(t, clock.Now(), h.Editing("doc-1")[0].LastActivity)
}

func TestSweep_CollectsStaleEntries(t *testing.T) {
	h, clock := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-1", "u2", "bob")

	// Bob keeps heartbeating; Alice's client died silently.
	clock.Advance(60 * time.Second)
	h.Activity("doc-1", "u2")

	sub := h.Subscribe("doc-1")
	defer sub.Close()

	clock.Advance(31 * time.Second)
	h.sweep()

	users := h.Editing("doc-1")
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, []string{"bob"}, usernames(events[0].Users))
}

// editingUsersGauge collects and sums the editing-users gauge.
func editingUsersGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "reportd.presence.editing_users" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestEditing_StaleRemovalDecrementsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	clock := newFakeClock()
	h := NewHub(DefaultHubConfig(), zap.NewNop())
	h.clock = clock.Now

	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-1", "u2", "bob")
	require.Equal(t, int64(2), editingUsersGauge(t, reader))

	// Both clients die silently. The next read collects them lazily and the
	// gauge must follow, not wait for the background sweep.
	clock.Advance(91 * time.Second)
	require.Empty(t, h.Editing("doc-1"))
	assert.Equal(t, int64(0), editingUsersGauge(t, reader))
}

func TestStartEditing_StaleRemovalDecrementsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	clock := newFakeClock()
	h := NewHub(DefaultHubConfig(), zap.NewNop())
	h.clock = clock.Now

	h.StartEditing("doc-1", "u1", "alice")
	clock.Advance(91 * time.Second)

	// Bob's registration collects stale alice in the same critical section:
	// one added, one removed, the gauge nets out at one.
	h.StartEditing("doc-1", "u2", "bob")

	assert.Equal(t, []string{"bob"}, usernames(h.Editing("doc-1")))
	assert.Equal(t, int64(1), editingUsersGauge(t, reader))
}

func TestEditing_SortedByStartTime(t *testing.T) {
	h, clock := newTestHub(t)

	h.StartEditing("doc-1", "u2", "bob")
	clock.Advance(time.Second)
	h.StartEditing("doc-1", "u1", "alice")
	clock.Advance(time.Second)
	h.StartEditing("doc-1", "u3", "carol")

	assert.Equal(t, []string{"bob", "alice", "carol"}, usernames(h.Editing("doc-1")))
}

func TestEditing_DocumentsAreIndependent(t *testing.T) {
	h, _ := newTestHub(t)

	h.StartEditing("doc-1", "u1", "alice")
	h.StartEditing("doc-2", "u2", "bob")

	assert.Equal(t, []string{"alice"}, usernames(h.Editing("doc-1")))
	assert.Equal(t, []string{"bob"}, usernames(h.Editing("doc-2")))
}

func TestReportSaved_DeliversToSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	h.ReportSaved("doc-1", "alice", 7)

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, TypeReportSaved, events[0].Type)
	assert.Equal(t, "alice", events[0].Username)
	assert.Equal(t, int64(7), events[0].Version)
}

func TestForwardRemote_DeliversWithoutMutatingLocal(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	h.ForwardRemote("doc-1", []Entry{{DocumentID: "doc-1", UserID: "r1", Username: "remote"}})

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"remote"}, usernames(events[0].Users))
	// The local entry map is untouched.
	assert.Empty(t, h.Editing("doc-1"))
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	sub.Close()

	h.StartEditing("doc-1", "u1", "alice")

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestSubscription_SlowSubscriberDropsOldest(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe("doc-1")
	defer sub.Close()

	// Overflow the buffer; the hub must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		h.ReportSaved("doc-1", "alice", int64(i+1))
	}

	events := drain(sub)
	require.Len(t, events, subscriberBuffer)
	// The newest event survived the drops.
	assert.Equal(t, int64(subscriberBuffer*2), events[len(events)-1].Version)
}

func TestRun_SweepsOnTicker(t *testing.T) {
	clock := newFakeClock()
	h := NewHub(&HubConfig{StaleAfter: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, zap.NewNop())
	h.clock = clock.Now

	h.StartEditing("doc-1", "u1", "alice")
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	require.Eventually(t, func() bool {
		return len(h.Editing("doc-1")) == 0
	}, time.Second, 5*time.Millisecond)
}
