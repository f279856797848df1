// Package reducer implements the Reducer of spec.md §4.3: it folds each log
// event into store mutations and emits per-property deltas plus deletion
// notices, tracking the highest applied sequence. Grounded on the teacher's
// internal/events stream consumption shape and world_occupants.go's
// diff-envelope construction (Updated/Removed pairing gated on change).
package reducer

import (
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"worldstate/internal/logging"
	"worldstate/internal/store"
)

// Delta is a single (entity_id, property) change notification.
type Delta struct {
	EntityID  string
	Property  string
	OldValue  json.RawMessage
	HasOld    bool
	NewValue  json.RawMessage
	Timestamp time.Time
}

// Deletion notifies that an entity was removed by a tombstone.
type Deletion struct {
	EntityID  string
	Timestamp time.Time
}

// Sink receives the mutations produced by folding one event. Implementations
// must not block the reducer for long; the Subscription Manager's Sink
// implementation uses bounded, non-blocking fan-out (spec.md §4.7).
type Sink interface {
	PublishDeltas(deltas []Delta)
	PublishDeletion(d Deletion)
}

// envelope is the subset of the event envelope (spec.md §3) the reducer
// reads. Everything else in the payload is opaque and never parsed — the
// one seam where "domain-agnostic" is deliberately violated (spec.md §9).
type envelope struct {
	Payload struct {
		EntityID   string                     `json:"entity_id"`
		Properties map[string]json.RawMessage `json:"properties"`
		Delete     bool                       `json:"delete"`
	} `json:"payload"`
}

// Reducer owns the applied-sequence watermark and folds events from a
// record source into the store, publishing results to sink.
type Reducer struct {
	store     *store.Store
	sink      Sink
	log       *logging.Logger
	watermark uint64 // atomic
}

// New constructs a Reducer over store, publishing to sink.
func New(s *store.Store, sink Sink, logger *logging.Logger) *Reducer {
	if logger == nil {
		logger = logging.L()
	}
	return &Reducer{store: s, sink: sink, log: logger}
}

// Watermark returns the highest log sequence whose mutations have been
// folded into the store (spec.md's applied-sequence watermark, I1).
func (r *Reducer) Watermark() uint64 {
	return atomic.LoadUint64(&r.watermark)
}

// SetWatermark seeds the watermark, used by the Recovery Orchestrator after
// loading a snapshot so Watermark() reports the restored sequence even
// before any event has been replayed.
func (r *Reducer) SetWatermark(seq uint64) {
	atomic.StoreUint64(&r.watermark, seq)
}

// Apply folds a single event (already parsed from its wire bytes) at the
// given log sequence into the store, publishing deltas/deletion to the
// sink, and advances the watermark. It never returns an error for malformed
// payloads — those are non-fatal drops per spec.md §4.3 step 1/3 and §7.
func (r *Reducer) Apply(sequence uint64, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Debug("dropping event: invalid JSON envelope", logging.Uint64("sequence", sequence), logging.Error(err))
		r.advance(sequence)
		return
	}
	entityID := env.Payload.EntityID
	if entityID == "" {
		r.log.Debug("dropping event: missing entity_id", logging.Uint64("sequence", sequence))
		r.advance(sequence)
		return
	}

	now := time.Now()

	if env.Payload.Delete {
		existed := r.store.Delete(entityID)
		if existed {
			r.sink.PublishDeletion(Deletion{EntityID: entityID, Timestamp: now})
		}
		r.advance(sequence)
		return
	}

	if env.Payload.Properties == nil {
		r.log.Debug("dropping event: missing properties", logging.Uint64("sequence", sequence), logging.String("entity_id", entityID))
		r.advance(sequence)
		return
	}

	keys := make([]string, 0, len(env.Payload.Properties))
	for k := range env.Payload.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic iteration order for a map with no inherent order

	changes := r.store.ApplyProperties(entityID, env.Payload.Properties, keys)
	if len(changes) == 0 {
		r.advance(sequence)
		return
	}

	deltas := make([]Delta, 0, len(changes))
	for _, c := range changes {
		deltas = append(deltas, Delta{
			EntityID:  entityID,
			Property:  c.Key,
			OldValue:  c.Old,
			HasOld:    c.Existed,
			NewValue:  c.New,
			Timestamp: now,
		})
	}
	r.sink.PublishDeltas(deltas)
	r.advance(sequence)
}

func (r *Reducer) advance(sequence uint64) {
	for {
		current := atomic.LoadUint64(&r.watermark)
		if sequence <= current {
			return
		}
		if atomic.CompareAndSwapUint64(&r.watermark, current, sequence) {
			return
		}
	}
}
