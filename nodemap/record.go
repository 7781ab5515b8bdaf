// Package nodemap implements the flat key/value representation of a
// tree: every branch and leaf is a Record keyed by a Key, plus two
// reserved entries ("root", "ticket") carrying the tree's root pointer
// and id-generator state. Two interchangeable backends satisfy the same
// Map contract; only the hash-summarized backend can answer DiffKeys,
// which the replication bridge needs to turn a mutation into CRDT
// deltas.
package nodemap

import (
	"encoding/binary"
	"fmt"
	"math"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/idgen"
)

// Key identifies a node: either an external leaf id supplied by the
// caller (string or number) or an internally generated uint64 branch id.
// The two reserved meta keys below are a distinct concrete type so they
// can never collide with a caller-supplied id.
type Key any

// reservedKey is the private type backing the tree's two meta entries,
// following the same "unexported type as map key" trick stdlib uses for
// context values, so a leaf id of "root" or "ticket" (a plain string)
// never aliases the tree's reserved slots.
type reservedKey int

var (
	// RootKey is the reserved key whose Record.RootKey names the current
	// root branch.
	RootKey Key = reservedKey(0)
	// TicketKey is the reserved key whose Record.Ticket holds the live
	// id-generator state.
	TicketKey Key = reservedKey(1)
)

// Kind tags the variant a Record holds.
type Kind int

const (
	KindLeaf Kind = iota + 1
	KindBranch
	KindRootPointer
	KindTicket
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindBranch:
		return "branch"
	case KindRootPointer:
		return "root-pointer"
	case KindTicket:
		return "ticket"
	default:
		return "unknown"
	}
}

// Record is a tagged variant over the four kinds of entry a tree value
// can hold. Only the fields relevant to Kind are meaningful.
type Record struct {
	Kind Kind

	// Leaf, Branch
	Parent Key
	Box    geom.Box

	// Branch only
	Children []Key

	// KindRootPointer only
	RootKey Key

	// KindTicket only
	Ticket idgen.State
}

// HasParent reports whether the record carries a defined parent (false
// for the root branch, whose Parent is nil).
func (r Record) HasParent() bool {
	return r.Parent != nil
}

// CloneChildren returns an independent copy of Children.
func (r Record) CloneChildren() []Key {
	out := make([]Key, len(r.Children))
	copy(out, r.Children)
	return out
}

// CID returns a content identifier for r, hashed from its canonical byte
// encoding. Two records with the same fields hash to the same CID
// regardless of which peer computed it, which is what lets a CRDT Add
// delta's recipient verify a replicated record instead of trusting the
// sender's bytes.
func (r Record) CID() (cid.Cid, error) {
	sum, err := mh.Sum(r.canonicalBytes(), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("nodemap: hash record: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// canonicalBytes renders r deterministically: fields in a fixed order,
// numbers in fixed-width big-endian, and Key values through keyString so
// the encoding is stable across a record's lifetime.
func (r Record) canonicalBytes() []byte {
	var buf []byte
	appendU64 := func(v uint64) {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	appendStr := func(s string) {
		appendU64(uint64(len(s)))
		buf = append(buf, s...)
	}
	appendFloat := func(f float64) {
		appendU64(math.Float64bits(f))
	}

	appendU64(uint64(r.Kind))
	appendStr(keyString(r.Parent))
	appendU64(uint64(len(r.Box)))
	for _, rg := range r.Box {
		appendFloat(rg.Lo)
		appendFloat(rg.Hi)
	}
	appendU64(uint64(len(r.Children)))
	for _, c := range r.Children {
		appendStr(keyString(c))
	}
	appendStr(keyString(r.RootKey))
	appendU64(r.Ticket.Seed)
	appendU64(r.Ticket.Counter)

	return buf
}

// keyString renders a Key deterministically for hashing and logging.
// External ids are user-controlled scalars (string/int/uint variants);
// internal branch ids are uint64. %v is stable across these.
func keyString(k Key) string {
	if k == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T:%v", k, k)
}
