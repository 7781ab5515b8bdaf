package nodemap

import "github.com/boxtree/boxtree/idgen"

// Map is the contract the tree engine and the replication bridge operate
// through; switching backends changes only metadata, never the engine's
// semantics.
type Map interface {
	Get(k Key) (Record, bool)
	// Put returns a new Map value with k set to r; the receiver is left
	// untouched.
	Put(k Key, r Record) Map
	// Delete returns a new Map value with k absent; the receiver is left
	// untouched.
	Delete(k Key) Map
	Has(k Key) bool
	// Keys returns every key present, in unspecified order.
	Keys() []Key
	Len() int

	Root() (Key, bool)
	Ticket() (idgen.State, bool)
}

// Plain is the simplest backend: a bare map from key to record plus the
// two reserved entries. Every mutation copies the underlying map so that
// a returned Map is an independent snapshot, matching the "no in-place
// mutation visible to callers" rule.
type Plain struct {
	entries map[Key]Record
}

var _ Map = Plain{}

// NewPlain returns an empty Plain node map (no root, no ticket set yet).
func NewPlain() Plain {
	return Plain{entries: map[Key]Record{}}
}

func (p Plain) Get(k Key) (Record, bool) {
	r, ok := p.entries[k]
	return r, ok
}

func (p Plain) Has(k Key) bool {
	_, ok := p.entries[k]
	return ok
}

func (p Plain) Put(k Key, r Record) Map {
	next := make(map[Key]Record, len(p.entries)+1)
	for k2, v2 := range p.entries {
		next[k2] = v2
	}
	next[k] = r
	return Plain{entries: next}
}

func (p Plain) Delete(k Key) Map {
	if _, ok := p.entries[k]; !ok {
		return p
	}
	next := make(map[Key]Record, len(p.entries))
	for k2, v2 := range p.entries {
		if k2 == k {
			continue
		}
		next[k2] = v2
	}
	return Plain{entries: next}
}

func (p Plain) Keys() []Key {
	out := make([]Key, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	return out
}

func (p Plain) Len() int {
	return len(p.entries)
}

func (p Plain) Root() (Key, bool) {
	rec, ok := p.entries[RootKey]
	if !ok || rec.Kind != KindRootPointer {
		return nil, false
	}
	return rec.RootKey, true
}

func (p Plain) Ticket() (idgen.State, bool) {
	rec, ok := p.entries[TicketKey]
	if !ok || rec.Kind != KindTicket {
		return idgen.State{}, false
	}
	return rec.Ticket, true
}
