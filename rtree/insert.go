package rtree

import (
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/nodemap"
)

// Leaf is one (id, box) pair for bulk operations.
type Leaf struct {
	ID  Key
	Box geom.Box
}

// Insert adds a new leaf under the branch chosen by minimum-enlargement
// descent (spec.md §4.4.1), splitting overflowing branches and, if the
// root itself overflows, allocating a new root. Duplicate ids return
// ErrKeyExists with the tree unchanged.
func Insert(t Tree, meta Metadata, id Key, box geom.Box) (Tree, Metadata, error) {
	if !t.Initialized() {
		return t, meta, ErrBadTree
	}
	if t.nodes.Has(id) {
		return t, meta, ErrKeyExists
	}
	if t.dim != 0 && t.dim != box.Dim() {
		return t, meta, ErrDimensionMismatch
	}

	dim := t.dim
	if dim == 0 {
		dim = box.Dim()
	}

	nodes := t.nodes
	rootKey, ok := nodes.Root()
	if !ok {
		return t, meta, ErrBadTree
	}

	parentKey, err := chooseLeaf(nodes, rootKey, box)
	if err != nil {
		return t, meta, err
	}

	nodes = nodes.Put(id, nodemap.Record{Kind: nodemap.KindLeaf, Parent: parentKey, Box: box})
	parentRec, ok := nodes.Get(parentKey)
	if !ok {
		return t, meta, ErrBadTree
	}
	parentRec.Children = append(parentRec.CloneChildren(), id)
	nodes = nodes.Put(parentKey, parentRec)
	nodes = recomputeUpward(nodes, parentKey, dim)

	if len(parentRec.Children) > meta.Options.Width {
		var serr error
		nodes, meta, serr = splitAndPropagate(nodes, meta, parentKey, dim)
		if serr != nil {
			return t, meta, serr
		}
	} else {
		nodes = syncTicket(nodes, meta.Ticket)
	}

	return Tree{nodes: nodes, dim: dim}, meta, nil
}

// BulkInsert applies Insert sequentially; the result equals the
// sequential composition, matching spec.md §4.4.2. It stops at the
// first failure, returning the tree as of the last successful insert.
func BulkInsert(t Tree, meta Metadata, leaves []Leaf) (Tree, Metadata, error) {
	for _, l := range leaves {
		var err error
		t, meta, err = Insert(t, meta, l.ID, l.Box)
		if err != nil {
			return t, meta, err
		}
	}
	return t, meta, nil
}

// Upsert inserts leaf_id if absent, or updates it in place if present
// (spec.md §4.4.4).
func Upsert(t Tree, meta Metadata, id Key, box geom.Box) (Tree, Metadata, error) {
	if !t.Initialized() {
		return t, meta, ErrBadTree
	}
	if t.nodes.Has(id) {
		return Update(t, meta, id, box)
	}
	return Insert(t, meta, id, box)
}
