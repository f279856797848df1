// Package store implements the Entity Store of spec.md §4.4: a concurrent
// keyed map of entities with per-shard writer serialization and per-shard
// read locks. Generalized from the teacher's fixed-struct, single-RWMutex
// per-subsystem maps (internal/state/vehicles.go, projectiles.go) into a
// sharded map of arbitrary JSON property bags, because the spec requires
// writers of *different* keys to never block each other.
package store

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const defaultShardCount = 64

// Entity is a keyed bag of properties with an update timestamp.
type Entity struct {
	ID          string                     `json:"id"`
	Properties  map[string]json.RawMessage `json:"properties"`
	LastUpdated time.Time                  `json:"last_updated"`
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (e Entity) clone() Entity {
	props := make(map[string]json.RawMessage, len(e.Properties))
	for k, v := range e.Properties {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		props[k] = cp
	}
	return Entity{ID: e.ID, Properties: props, LastUpdated: e.LastUpdated}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entity
}

// Store is a sharded, concurrent entity map.
type Store struct {
	shards []*shard
	now    func() time.Time
}

// Option customises Store construction.
type Option func(*Store)

// WithClock overrides the time source, primarily for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs an empty Store with the default shard count.
func New(opts ...Option) *Store {
	s := &Store{
		shards: make([]*shard, defaultShardCount),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]Entity)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns a copy of the entity and whether it exists. Only the single
// shard owning id is touched, under its read lock, so a reader waits only
// for writers of keys that hash to the same shard.
func (s *Store) Get(id string) (Entity, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// PropertyChange records one property write that actually changed the
// stored value (deep JSON equality), in the order it was applied.
type PropertyChange struct {
	Key     string
	Old     json.RawMessage
	New     json.RawMessage
	Existed bool
}

// ApplyProperties writes the given properties into entity id, creating it on
// first write, and returns the changes — spec.md §4.3 step 5 requires one
// delta per changed property, none for properties that didn't change.
func (s *Store) ApplyProperties(id string, properties map[string]json.RawMessage, orderedKeys []string) []PropertyChange {
	if id == "" {
		return nil
	}
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	entity, existed := sh.entries[id]
	if !existed {
		entity = Entity{ID: id, Properties: make(map[string]json.RawMessage)}
	}

	changes := make([]PropertyChange, 0, len(orderedKeys))
	for _, key := range orderedKeys {
		newVal, ok := properties[key]
		if !ok {
			continue
		}
		oldVal, hadOld := entity.Properties[key]
		if hadOld && jsonEqual(oldVal, newVal) {
			continue
		}
		entity.Properties[key] = cloneRaw(newVal)
		changes = append(changes, PropertyChange{Key: key, Old: oldVal, New: newVal, Existed: hadOld})
	}
	entity.LastUpdated = now
	sh.entries[id] = entity
	return changes
}

// Delete removes the entity, returning whether it existed.
func (s *Store) Delete(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, existed := sh.entries[id]
	delete(sh.entries, id)
	return existed
}

// Count returns the total number of entities across all shards.
func (s *Store) Count() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Iterate calls fn once per entity in a weakly-consistent snapshot: no
// entity is ever seen torn (each shard is copied under its own read lock),
// but entities added to a not-yet-visited shard mid-iteration may or may
// not be observed (spec.md §4.4). Stops early if fn returns false.
func (s *Store) Iterate(fn func(Entity) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		snapshot := make([]Entity, 0, len(sh.entries))
		for _, e := range sh.entries {
			snapshot = append(snapshot, e.clone())
		}
		sh.mu.RUnlock()
		for _, e := range snapshot {
			if !fn(e) {
				return
			}
		}
	}
}

// ByNamespace returns every entity whose id has prefix "<name>/".
func (s *Store) ByNamespace(name string) []Entity {
	return s.ByPrefix(name + "/")
}

// ByPrefix returns every entity whose id has the given prefix.
func (s *Store) ByPrefix(prefix string) []Entity {
	var out []Entity
	s.Iterate(func(e Entity) bool {
		if strings.HasPrefix(e.ID, prefix) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// LoadSnapshot replaces the store contents wholesale, used by the Recovery
// Orchestrator when restoring from a snapshot file. Existing content is
// discarded.
func (s *Store) LoadSnapshot(entities []Entity) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]Entity)
		sh.mu.Unlock()
	}
	for _, e := range entities {
		sh := s.shardFor(e.ID)
		sh.mu.Lock()
		sh.entries[e.ID] = e.clone()
		sh.mu.Unlock()
	}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp
}

// jsonEqual reports deep JSON equality by decoding both sides into generic
// values and comparing; this correctly treats {"a":1,"b":2} and
// {"b":2,"a":1} as equal, unlike a byte comparison.
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return deepEqual(va, vb)
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
