// Package idgen implements the deterministic 64-bit id stream used to
// mint internal branch keys. Given the same seed and the same sequence of
// draws, every replica produces byte-identical ids, which matters here
// because internal ids are observable through depth-limited queries and
// are carried across the wire in replication deltas.
package idgen

// State is the persisted generator state, carried as a tree's "ticket".
// It is a splitmix64-style two-word state: Seed never changes, Counter
// advances on every draw.
type State struct {
	Seed    uint64
	Counter uint64
}

// New returns the generator state for a freshly created tree.
func New(seed uint64) State {
	return State{Seed: seed, Counter: 0}
}

// Next draws the next id from state, returning the id and the advanced
// state. It never mutates its argument.
func Next(s State) (uint64, State) {
	next := s
	next.Counter++

	z := s.Seed + next.Counter*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)

	return z, next
}

// Fork draws n ids in sequence and returns them alongside the resulting
// state, equivalent to n sequential calls to Next but convenient for
// pre-allocating ids for a whole bulk-insert batch.
func Fork(s State, n int) ([]uint64, State) {
	ids := make([]uint64, n)
	cur := s
	for i := 0; i < n; i++ {
		var id uint64
		id, cur = Next(cur)
		ids[i] = id
	}
	return ids, cur
}
