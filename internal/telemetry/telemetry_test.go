package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldstate/internal/store"
	"worldstate/internal/subscribe"
)

func TestTickComputesEventsPerSecond(t *testing.T) {
	s := store.New()
	subs := subscribe.New(10, nil)
	ticker := New(s, subs, time.Second, nil)

	now := time.Unix(0, 0)
	ticker.now = func() time.Time { return now }
	ticker.lastTickTime = now

	for i := 0; i < 10; i++ {
		ticker.RecordEvent("source-a")
	}
	now = now.Add(2 * time.Second)

	snap := ticker.tick()
	assert.InDelta(t, 5.0, snap.EventsPerSecond, 0.01)
	assert.Equal(t, uint64(10), snap.TotalEvents)
}

func TestTickReportsCurrentEntityAndSessionCounts(t *testing.T) {
	s := store.New()
	s.ApplyProperties("ns/e1", map[string]json.RawMessage{"x": json.RawMessage(`1`)}, []string{"x"})
	subs := subscribe.New(10, nil)
	subs.Register("client-1")
	ticker := New(s, subs, time.Second, nil)

	snap := ticker.tick()
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, s.Count(), snap.TotalEntities)
}

func TestActivePublishersWindowPrunesStaleSources(t *testing.T) {
	s := store.New()
	subs := subscribe.New(10, nil)
	ticker := New(s, subs, time.Second, nil)

	now := time.Unix(0, 0)
	ticker.now = func() time.Time { return now }
	ticker.lastTickTime = now
	ticker.RecordEvent("source-a")

	snap := ticker.tick()
	assert.Equal(t, 1, snap.ActivePublishers)

	now = now.Add(sourceWindow + time.Second)
	snap = ticker.tick()
	assert.Equal(t, 0, snap.ActivePublishers, "source older than the window must be pruned")
}

func TestRecordEventIgnoresEmptySource(t *testing.T) {
	s := store.New()
	subs := subscribe.New(10, nil)
	ticker := New(s, subs, time.Second, nil)

	ticker.RecordEvent("")
	snap := ticker.tick()
	assert.Equal(t, 0, snap.ActivePublishers)
	assert.Equal(t, uint64(1), snap.TotalEvents)
}

func TestRunAndStop(t *testing.T) {
	s := store.New()
	subs := subscribe.New(10, nil)
	ticker := New(s, subs, 5*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		ticker.Run()
		close(done)
	}()
	ticker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestRegistryExposesAllFiveGauges(t *testing.T) {
	s := store.New()
	subs := subscribe.New(10, nil)
	ticker := New(s, subs, time.Second, nil)

	metrics, err := ticker.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, metrics, 5)
}
