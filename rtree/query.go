package rtree

import (
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/nodemap"
)

// Query returns every leaf id whose box overlaps box, found by a
// depth-first descent that prunes any branch whose own box doesn't
// overlap (spec.md §4.4.8). An empty result is a normal success.
func Query(t Tree, box geom.Box) ([]Key, error) {
	if !t.Initialized() {
		return nil, ErrBadTree
	}
	root, ok := t.nodes.Root()
	if !ok {
		return nil, ErrBadTree
	}

	var out []Key
	queryWalk(t.nodes, root, box, &out)
	return out, nil
}

func queryWalk(nodes nodemap.Map, key Key, box geom.Box, out *[]Key) {
	rec, ok := nodes.Get(key)
	if !ok || !geom.Overlap(rec.Box, box) {
		return
	}
	if rec.Kind == nodemap.KindLeaf {
		*out = append(*out, key)
		return
	}
	for _, ck := range rec.Children {
		queryWalk(nodes, ck, box, out)
	}
}

// PQuery returns the keys of every node at exactly depth "depth" (root
// is depth 0) whose box overlaps box (spec.md §4.4.8). If the tree is
// shallower than depth, leaves encountered before reaching it are
// returned in place of the nodes that would have been there.
func PQuery(t Tree, box geom.Box, depth int) ([]Key, error) {
	if !t.Initialized() {
		return nil, ErrBadTree
	}
	root, ok := t.nodes.Root()
	if !ok {
		return nil, ErrBadTree
	}

	var out []Key
	pqueryWalk(t.nodes, root, box, depth, 0, &out)
	return out, nil
}

func pqueryWalk(nodes nodemap.Map, key Key, box geom.Box, target, cur int, out *[]Key) {
	rec, ok := nodes.Get(key)
	if !ok || !geom.Overlap(rec.Box, box) {
		return
	}
	if cur == target || rec.Kind == nodemap.KindLeaf {
		*out = append(*out, key)
		return
	}
	for _, ck := range rec.Children {
		pqueryWalk(nodes, ck, box, target, cur+1, out)
	}
}
