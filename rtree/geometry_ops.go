package rtree

import (
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/nodemap"
)

// computeBoxFromKeys returns the smallest box containing every key's
// current box, the definition of invariant 2 (spec.md §3): a branch's
// box always equals combine_multiple of its children's boxes.
func computeBoxFromKeys(nodes nodemap.Map, keys []Key, dim int) geom.Box {
	boxes := make([]geom.Box, 0, len(keys))
	for _, k := range keys {
		rec, ok := nodes.Get(k)
		if !ok {
			continue
		}
		boxes = append(boxes, rec.Box)
	}
	return geom.CombineMultiple(boxes, dim)
}

// recomputeUpward recomputes the box of `from` from its children and
// walks the parent chain doing the same, until it reaches a node with no
// parent (the root). This is invariant 2 re-established bottom-up after
// any structural change to a branch's children.
func recomputeUpward(nodes nodemap.Map, from Key, dim int) nodemap.Map {
	key := from
	for {
		rec, ok := nodes.Get(key)
		if !ok {
			return nodes
		}
		rec.Box = computeBoxFromKeys(nodes, rec.Children, dim)
		nodes = nodes.Put(key, rec)
		if !rec.HasParent() {
			return nodes
		}
		key = rec.Parent
	}
}

// chooseLeaf descends from root picking, at every branch, the child
// requiring the least enlargement to contain box (ties broken by
// smaller current area, then by earliest position in the child list),
// stopping at a branch whose children are leaves, or at an empty root.
func chooseLeaf(nodes nodemap.Map, root Key, box geom.Box) (Key, error) {
	cur := root
	for {
		rec, ok := nodes.Get(cur)
		if !ok {
			return nil, ErrBadTree
		}
		if len(rec.Children) == 0 {
			return cur, nil
		}
		first, ok := nodes.Get(rec.Children[0])
		if !ok {
			return nil, ErrBadTree
		}
		if first.Kind == nodemap.KindLeaf {
			return cur, nil
		}

		bestIdx := -1
		var bestEnl, bestArea float64
		for i, ck := range rec.Children {
			crec, ok := nodes.Get(ck)
			if !ok {
				continue
			}
			enl := geom.EnlargementArea(crec.Box, box)
			area := geom.Area(crec.Box)
			if bestIdx == -1 || enl < bestEnl || (enl == bestEnl && area < bestArea) {
				bestIdx, bestEnl, bestArea = i, enl, area
			}
		}
		cur = rec.Children[bestIdx]
	}
}

func indexOfKey(keys []Key, target Key) int {
	for i, k := range keys {
		if k == target {
			return i
		}
	}
	return -1
}

func insertKeyAfter(keys []Key, after, insert Key) []Key {
	idx := indexOfKey(keys, after)
	if idx == -1 {
		return append(keys, insert)
	}
	out := make([]Key, 0, len(keys)+1)
	out = append(out, keys[:idx+1]...)
	out = append(out, insert)
	out = append(out, keys[idx+1:]...)
	return out
}

func removeKey(keys []Key, target Key) []Key {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if k == target {
			continue
		}
		out = append(out, k)
	}
	return out
}
