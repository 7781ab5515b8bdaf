// Package lwwmap implements a small last-writer-wins observed-add map
// CRDT: the local stand-in for the delta-CRDT collaborator spec.md §1
// treats as an external, assumed anti-entropy protocol. It is not meant
// to compete with a production CRDT library; it exists so the
// replication bridge and dispatcher have something concrete to drive and
// so the module runs end-to-end without a network dependency on a real
// CRDT service.
package lwwmap

import "sync"

// Tag orders concurrent writes to the same key: the peer that wrote it
// and that peer's local counter at the time. Ties (impossible within one
// peer, since its counter only increases) fall back to comparing peer
// ids lexicographically so Merge stays commutative.
type Tag struct {
	Peer    string
	Counter uint64
}

// After reports whether t happened after other under last-writer-wins
// ordering.
func (t Tag) After(other Tag) bool {
	if t.Counter != other.Counter {
		return t.Counter > other.Counter
	}
	return t.Peer > other.Peer
}

// Delta is one observed mutation: either an Add carrying a value, or a
// Remove (Value is nil and ignored). Deltas are the unit the replication
// bridge submits to and receives from the map.
type Delta struct {
	Key     any
	Tag     Tag
	Removed bool
	Value   any
}

type entry struct {
	tag     Tag
	removed bool
	value   any
}

// Map is a last-writer-wins observed-add map keyed by arbitrary
// comparable keys, safe for concurrent use. The zero value is not usable;
// construct with New.
type Map struct {
	mu      sync.Mutex
	peer    string
	counter uint64
	entries map[any]entry
	deltas  chan Delta
}

// New returns an empty Map that will tag its own writes with peerID.
func New(peerID string) *Map {
	return &Map{
		peer:    peerID,
		entries: map[any]entry{},
		deltas:  make(chan Delta, 256),
	}
}

// Add records key -> value as the latest local write and emits the
// corresponding delta on the Deltas channel.
func (m *Map) Add(key, value any) {
	m.mu.Lock()
	m.counter++
	tag := Tag{Peer: m.peer, Counter: m.counter}
	m.entries[key] = entry{tag: tag, value: value}
	m.mu.Unlock()

	m.emit(Delta{Key: key, Tag: tag, Value: value})
}

// Remove marks key as tombstoned as of the local peer's next counter
// tick and emits the corresponding delta.
func (m *Map) Remove(key any) {
	m.mu.Lock()
	m.counter++
	tag := Tag{Peer: m.peer, Counter: m.counter}
	m.entries[key] = entry{tag: tag, removed: true}
	m.mu.Unlock()

	m.emit(Delta{Key: key, Tag: tag, Removed: true})
}

// Merge folds an inbound delta (from a peer or from replaying history)
// into the map, keeping whichever of the existing and incoming entries
// has the later Tag. This is where "last-writer-wins" is enforced; it is
// commutative, associative and idempotent, the three properties a
// delta-CRDT merge must have to converge regardless of delivery order.
func (m *Map) Merge(d Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[d.Key]
	if ok && !d.Tag.After(cur.tag) {
		return
	}
	m.entries[d.Key] = entry{tag: d.Tag, removed: d.Removed, value: d.Value}
}

// Snapshot returns the current visible (non-tombstoned) key/value view.
func (m *Map) Snapshot() map[any]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[any]any, len(m.entries))
	for k, e := range m.entries {
		if e.removed {
			continue
		}
		out[k] = e.value
	}
	return out
}

// Deltas returns the channel of deltas produced by this map's own local
// Add/Remove calls, the feed the replication bridge fans out to peers.
func (m *Map) Deltas() <-chan Delta {
	return m.deltas
}

func (m *Map) emit(d Delta) {
	select {
	case m.deltas <- d:
	default:
		// Slow consumer: drop rather than block the writer that owns the
		// tree. A dropped delta is recovered on the next full Snapshot
		// exchange during peer join.
	}
}
