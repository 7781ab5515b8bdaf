package rtree

import (
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/nodemap"
)

// Update moves a leaf's box (spec.md §4.4.6). If the leaf's current
// parent still contains new_box, the leaf's box is changed in place and
// ancestor boxes are recomputed upward, possibly shrinking them.
// Otherwise the leaf is deleted and reinserted, which may land it under
// a different parent. Updating an id that doesn't exist is a no-op
// success.
func Update(t Tree, meta Metadata, id Key, newBox geom.Box) (Tree, Metadata, error) {
	if !t.Initialized() {
		return t, meta, ErrBadTree
	}

	leaf, ok := t.nodes.Get(id)
	if !ok || leaf.Kind != nodemap.KindLeaf {
		return t, meta, nil
	}
	if t.dim != 0 && t.dim != newBox.Dim() {
		return t, meta, ErrDimensionMismatch
	}

	parentRec, ok := t.nodes.Get(leaf.Parent)
	if !ok {
		return t, meta, ErrBadTree
	}

	if geom.Contained(parentRec.Box, newBox) {
		leaf.Box = newBox
		nodes := t.nodes.Put(id, leaf)
		nodes = recomputeUpward(nodes, leaf.Parent, t.dim)
		nodes = syncTicket(nodes, meta.Ticket)
		return Tree{nodes: nodes, dim: t.dim}, meta, nil
	}

	t2, meta2, err := Delete(t, meta, id)
	if err != nil {
		return t, meta, err
	}
	return Insert(t2, meta2, id, newBox)
}

// UpdateOp is one (id, new_box) pair for BulkUpdate.
type UpdateOp struct {
	ID  Key
	Box geom.Box
}

// BulkUpdate applies Update sequentially (spec.md §4.4.7).
func BulkUpdate(t Tree, meta Metadata, ops []UpdateOp) (Tree, Metadata, error) {
	for _, op := range ops {
		var err error
		t, meta, err = Update(t, meta, op.ID, op.Box)
		if err != nil {
			return t, meta, err
		}
	}
	return t, meta, nil
}
