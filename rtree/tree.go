// Package rtree implements the dynamic R-tree engine: insert descent
// with minimum-enlargement choice, quadratic-seed overflow split, delete
// with orphan pruning and root retention, recursive bounding-box
// maintenance, and depth-limited spatial queries. Every operation is a
// pure function from (Tree, Metadata, ...) to (Tree, Metadata, error);
// nothing is mutated in place from a caller's perspective, matching the
// per-call snapshot discipline the source relies on for CRDT
// replication.
package rtree

import (
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/idgen"
	"github.com/boxtree/boxtree/nodemap"
)

// Key re-exports nodemap.Key so callers of this package don't need to
// import nodemap just to name a leaf id.
type Key = nodemap.Key

// Tree is an immutable snapshot of the node map plus the dimensionality
// established by the tree's first insert. The zero value is the
// "uninitialized engine" state every operation rejects with ErrBadTree.
type Tree struct {
	nodes nodemap.Map
	dim   int
}

// Initialized reports whether t is a live tree rather than the zero
// value.
func (t Tree) Initialized() bool {
	return t.nodes != nil
}

// Nodes returns the tree's flat node-map snapshot, the representation
// the replication bridge diffs and the CRDT ships across peers.
func (t Tree) Nodes() nodemap.Map {
	return t.nodes
}

// Dim returns the dimensionality established by the tree's first
// insert, or 0 if the tree has never held a leaf.
func (t Tree) Dim() int {
	return t.dim
}

// FromNodes wraps an externally produced node map — one just folded from
// inbound replication deltas, typically — into a Tree value, trusting
// the caller that nodes already satisfies the tree's invariants.
func FromNodes(nodes nodemap.Map, dim int) Tree {
	return Tree{nodes: nodes, dim: dim}
}

// Root returns the key of the tree's root branch.
func (t Tree) Root() (Key, bool) {
	if !t.Initialized() {
		return nil, false
	}
	return t.nodes.Root()
}

// Metadata carries configuration and the live id-generator state,
// separate from the tree value itself per spec.md §3. The generator
// state here is kept in lock-step with the tree's own reserved "ticket"
// entry (nodemap.TicketKey) after every mutating call.
type Metadata struct {
	Options Options
	Ticket  idgen.State
}

// New creates an empty tree: one root branch with no children and the
// all-zero sentinel box, per spec.md §3's lifecycle rule.
func New(opts Options) (Tree, Metadata) {
	opts = opts.withDefaults()

	nodes := newBackend(opts.Backend)
	ticket := idgen.New(opts.Seed)

	rootKey, ticket := idgen.Next(ticket)
	nodes = nodes.Put(Key(rootKey), nodemap.Record{
		Kind:     nodemap.KindBranch,
		Children: nil,
		Box:      nil,
	})
	nodes = setRoot(nodes, Key(rootKey))
	nodes = syncTicket(nodes, ticket)

	return Tree{nodes: nodes, dim: 0}, Metadata{Options: opts, Ticket: ticket}
}

func newBackend(bt BackendType) nodemap.Map {
	if bt == HashSummarized {
		return nodemap.NewHashSummarized()
	}
	return nodemap.NewPlain()
}

func setRoot(nodes nodemap.Map, root Key) nodemap.Map {
	return nodes.Put(nodemap.RootKey, nodemap.Record{Kind: nodemap.KindRootPointer, RootKey: root})
}

func syncTicket(nodes nodemap.Map, ticket idgen.State) nodemap.Map {
	return nodes.Put(nodemap.TicketKey, nodemap.Record{Kind: nodemap.KindTicket, Ticket: ticket})
}

// emptyBoxFor returns the tree's established-dimension sentinel box, or
// a zero-dimension sentinel if the tree has never held a leaf.
func emptyBoxFor(dim int) geom.Box {
	return geom.EmptyBox(dim)
}
