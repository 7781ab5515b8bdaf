package rtree

import "github.com/boxtree/boxtree/nodemap"

// Delete removes a leaf, recomputing ancestor boxes and pruning any
// non-root branch left with zero children (spec.md §4.4.5). Deleting an
// absent id is idempotent: it succeeds and returns the tree unchanged.
// The reference source's forced-reinsertion R-tree variant is
// deliberately not implemented; empty branches are simply pruned.
func Delete(t Tree, meta Metadata, id Key) (Tree, Metadata, error) {
	if !t.Initialized() {
		return t, meta, ErrBadTree
	}

	leaf, ok := t.nodes.Get(id)
	if !ok || leaf.Kind != nodemap.KindLeaf {
		return t, meta, nil
	}

	nodes := t.nodes.Delete(id)
	nodes = removeChildAndPrune(nodes, leaf.Parent, id, t.dim)
	nodes = syncTicket(nodes, meta.Ticket)

	return Tree{nodes: nodes, dim: t.dim}, meta, nil
}

// BulkDelete applies Delete sequentially, replying once for the whole
// batch (spec.md §4.4.7).
func BulkDelete(t Tree, meta Metadata, ids []Key) (Tree, Metadata, error) {
	for _, id := range ids {
		var err error
		t, meta, err = Delete(t, meta, id)
		if err != nil {
			return t, meta, err
		}
	}
	return t, meta, nil
}

// removeChildAndPrune removes removedChild from branchKey's children,
// recursing up through parents to prune any non-root branch that ends
// up with zero children, and recomputing every surviving ancestor's box
// along the way. The root is never removed even when it ends up empty;
// its box then collapses to the all-zero sentinel via the ordinary
// combine_multiple-of-no-children computation.
func removeChildAndPrune(nodes nodemap.Map, branchKey, removedChild Key, dim int) nodemap.Map {
	rec, ok := nodes.Get(branchKey)
	if !ok {
		return nodes
	}

	rec.Children = removeKey(rec.Children, removedChild)

	if len(rec.Children) == 0 && rec.HasParent() {
		parentKey := rec.Parent
		nodes = nodes.Delete(branchKey)
		return removeChildAndPrune(nodes, parentKey, branchKey, dim)
	}

	rec.Box = computeBoxFromKeys(nodes, rec.Children, dim)
	nodes = nodes.Put(branchKey, rec)

	if rec.HasParent() {
		nodes = recomputeUpward(nodes, rec.Parent, dim)
	}
	return nodes
}
