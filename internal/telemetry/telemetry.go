// Package telemetry implements the Metrics Ticker of spec.md §4.8: a
// read-only rolling-counter loop that never backpressures ingest, pushing a
// metrics_update broadcast every tick and exposing the same counters over
// Prometheus. Grounded on the teacher's state.go ticker/flush/Close
// lifecycle shape and pkg/metrics/metrics.go's GaugeVec/Counter naming and
// registration discipline (cuemby-warren), adapted to an instance-owned
// registry instead of package-level globals so multiple engines in one
// process (e.g. tests) never collide on metric names.
package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worldstate/internal/logging"
	"worldstate/internal/store"
	"worldstate/internal/subscribe"
)

// sourceWindow is how long a distinct `source` value counts toward the
// active-publishers estimate (spec.md §4.8).
const sourceWindow = 60 * time.Second

// Snapshot is the payload carried in a metrics_update frame; the same values
// are set on the Prometheus gauges.
type Snapshot struct {
	EventsPerSecond  float64 `json:"events_per_second"`
	TotalEvents      uint64  `json:"total_events"`
	TotalEntities    int     `json:"total_entities"`
	ActiveSessions   int     `json:"active_sessions"`
	ActivePublishers int     `json:"active_publishers"`
}

// Ticker owns the rolling counters and the background publish loop.
type Ticker struct {
	store    *store.Store
	subs     *subscribe.Manager
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	totalEvents    uint64 // atomic, cumulative
	lastTickCount  uint64
	lastTickTime   time.Time

	mu         sync.Mutex
	sourcesSeen map[string]time.Time

	registry           *prometheus.Registry
	eventsPerSecondG   prometheus.Gauge
	totalEventsG       prometheus.Gauge
	totalEntitiesG     prometheus.Gauge
	activeSessionsG    prometheus.Gauge
	activePublishersG  prometheus.Gauge

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Ticker. Registry is a dedicated Prometheus registry
// (not the global default) so its /metrics exposition never collides with
// another instance in the same process.
func New(s *store.Store, subs *subscribe.Manager, interval time.Duration, logger *logging.Logger) *Ticker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	t := &Ticker{
		store:       s,
		subs:        subs,
		interval:    interval,
		log:         logger,
		now:         time.Now,
		sourcesSeen: make(map[string]time.Time),
		registry:    prometheus.NewRegistry(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	t.eventsPerSecondG = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worldstate_events_per_second", Help: "Accepted events per second, rolling."})
	t.totalEventsG = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worldstate_events_total", Help: "Cumulative accepted events."})
	t.totalEntitiesG = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worldstate_entities_total", Help: "Current entity count in the store."})
	t.activeSessionsG = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worldstate_ws_sessions", Help: "Active WebSocket subscription sessions."})
	t.activePublishersG = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worldstate_active_publishers", Help: "Distinct event sources seen in the last minute."})
	t.registry.MustRegister(t.eventsPerSecondG, t.totalEventsG, t.totalEntitiesG, t.activeSessionsG, t.activePublishersG)
	t.lastTickTime = t.now()
	return t
}

// Registry exposes the Prometheus registry for wiring into promhttp.
func (t *Ticker) Registry() *prometheus.Registry { return t.registry }

// RecordEvent is called once per accepted event (by the Ingest Gate) to
// feed the events/sec and active-publishers counters.
func (t *Ticker) RecordEvent(source string) {
	atomic.AddUint64(&t.totalEvents, 1)
	if source == "" {
		return
	}
	t.mu.Lock()
	t.sourcesSeen[source] = t.now()
	t.mu.Unlock()
}

// Run starts the periodic tick loop; returns once Stop is called.
func (t *Ticker) Run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := t.tick()
			t.publish(snap)
		case <-t.stopCh:
			return
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

func (t *Ticker) tick() Snapshot {
	now := t.now()

	total := atomic.LoadUint64(&t.totalEvents)
	elapsed := now.Sub(t.lastTickTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(total-t.lastTickCount) / elapsed
	}
	t.lastTickCount = total
	t.lastTickTime = now

	t.mu.Lock()
	for source, seen := range t.sourcesSeen {
		if now.Sub(seen) > sourceWindow {
			delete(t.sourcesSeen, source)
		}
	}
	publishers := len(t.sourcesSeen)
	t.mu.Unlock()

	snap := Snapshot{
		EventsPerSecond:  rate,
		TotalEvents:      total,
		TotalEntities:    t.store.Count(),
		ActiveSessions:   t.subs.Count(),
		ActivePublishers: publishers,
	}

	t.eventsPerSecondG.Set(snap.EventsPerSecond)
	t.totalEventsG.Set(float64(snap.TotalEvents))
	t.totalEntitiesG.Set(float64(snap.TotalEntities))
	t.activeSessionsG.Set(float64(snap.ActiveSessions))
	t.activePublishersG.Set(float64(snap.ActivePublishers))

	return snap
}

func (t *Ticker) publish(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		t.log.Error("telemetry: marshal metrics_update failed", logging.Error(err))
		return
	}
	t.subs.BroadcastMetrics(payload)
}
