package rtree

import (
	"math"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/idgen"
	"github.com/boxtree/boxtree/nodemap"
)

// pickSeeds implements the quadratic seed selection of spec.md §4.4.3
// step 1: the pair maximizing wasted area, ties broken lexicographically
// on (i, j) by scanning in ascending order and only replacing on a
// strictly greater waste.
func pickSeeds(nodes nodemap.Map, entries []Key) (int, int) {
	bestI, bestJ := 0, 1
	bestWaste := -math.MaxFloat64

	for i := 0; i < len(entries); i++ {
		bi, _ := nodes.Get(entries[i])
		for j := i + 1; j < len(entries); j++ {
			bj, _ := nodes.Get(entries[j])
			waste := geom.Area(geom.Combine(bi.Box, bj.Box)) - geom.Area(bi.Box) - geom.Area(bj.Box)
			if waste > bestWaste {
				bestWaste, bestI, bestJ = waste, i, j
			}
		}
	}
	return bestI, bestJ
}

// quadraticSplit partitions entries (width+1 of them) into two groups
// per spec.md §4.4.3: seed with the maximum-waste pair, then repeatedly
// assign the entry with the greatest enlargement-cost gap between groups
// to the cheaper side, force-assigning the remainder once a group would
// otherwise fall below the minimum fill.
func quadraticSplit(nodes nodemap.Map, entries []Key, width int) (groupA, groupB []Key) {
	si, sj := pickSeeds(nodes, entries)
	seedA, seedB := entries[si], entries[sj]

	recA, _ := nodes.Get(seedA)
	recB, _ := nodes.Get(seedB)
	boxA, boxB := recA.Box, recB.Box

	groupA = []Key{seedA}
	groupB = []Key{seedB}

	remaining := make([]Key, 0, len(entries)-2)
	for i, k := range entries {
		if i == si || i == sj {
			continue
		}
		remaining = append(remaining, k)
	}

	minSize := (width + 1 + 1) / 2 // ceil((width+1)/2)

	for len(remaining) > 0 {
		if len(groupA) < minSize && len(groupA)+len(remaining) <= minSize {
			groupA = append(groupA, remaining...)
			break
		}
		if len(groupB) < minSize && len(groupB)+len(remaining) <= minSize {
			groupB = append(groupB, remaining...)
			break
		}

		bestIdx := -1
		bestDiff := -1.0
		var bestEnlA, bestEnlB float64
		for idx, k := range remaining {
			rec, _ := nodes.Get(k)
			enlA := geom.EnlargementArea(boxA, rec.Box)
			enlB := geom.EnlargementArea(boxB, rec.Box)
			diff := enlA - enlB
			if diff < 0 {
				diff = -diff
			}
			if diff > bestDiff {
				bestDiff, bestIdx, bestEnlA, bestEnlB = diff, idx, enlA, enlB
			}
		}

		k := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		rec, _ := nodes.Get(k)

		if bestEnlA < bestEnlB || (bestEnlA == bestEnlB && geom.Area(boxA) <= geom.Area(boxB)) {
			groupA = append(groupA, k)
			boxA = geom.Combine(boxA, rec.Box)
		} else {
			groupB = append(groupB, k)
			boxB = geom.Combine(boxB, rec.Box)
		}
	}

	return groupA, groupB
}

// splitAndPropagate splits an overflowing branch, wires the resulting
// two branches into the parent (allocating a new root if branchKey was
// the root), and cascades upward if the parent now overflows too.
func splitAndPropagate(nodes nodemap.Map, meta Metadata, branchKey Key, dim int) (nodemap.Map, Metadata, error) {
	rec, ok := nodes.Get(branchKey)
	if !ok {
		return nodes, meta, ErrBadTree
	}

	groupA, groupB := quadraticSplit(nodes, rec.Children, meta.Options.Width)

	var newKey Key
	var id uint64
	id, meta.Ticket = idgen.Next(meta.Ticket)
	newKey = Key(id)

	boxA := computeBoxFromKeys(nodes, groupA, dim)
	boxB := computeBoxFromKeys(nodes, groupB, dim)

	recA := nodemap.Record{Kind: nodemap.KindBranch, Parent: rec.Parent, Box: boxA, Children: groupA}
	recB := nodemap.Record{Kind: nodemap.KindBranch, Parent: rec.Parent, Box: boxB, Children: groupB}
	nodes = nodes.Put(branchKey, recA)
	nodes = nodes.Put(newKey, recB)

	for _, ck := range groupB {
		crec, _ := nodes.Get(ck)
		crec.Parent = newKey
		nodes = nodes.Put(ck, crec)
	}

	if !rec.HasParent() {
		var newRootID uint64
		newRootID, meta.Ticket = idgen.Next(meta.Ticket)
		newRootKey := Key(newRootID)

		rootRec := nodemap.Record{
			Kind:     nodemap.KindBranch,
			Children: []Key{branchKey, newKey},
			Box:      geom.Combine(boxA, boxB),
		}
		nodes = nodes.Put(newRootKey, rootRec)

		recA.Parent = newRootKey
		recB.Parent = newRootKey
		nodes = nodes.Put(branchKey, recA)
		nodes = nodes.Put(newKey, recB)
		nodes = setRoot(nodes, newRootKey)
		nodes = syncTicket(nodes, meta.Ticket)
		return nodes, meta, nil
	}

	parentKey := rec.Parent
	parentRec, _ := nodes.Get(parentKey)
	parentRec.Children = insertKeyAfter(parentRec.CloneChildren(), branchKey, newKey)
	nodes = nodes.Put(parentKey, parentRec)

	if len(parentRec.Children) > meta.Options.Width {
		nodes, meta, err := splitAndPropagate(nodes, meta, parentKey, dim)
		nodes = syncTicket(nodes, meta.Ticket)
		return nodes, meta, err
	}

	nodes = recomputeUpward(nodes, parentKey, dim)
	nodes = syncTicket(nodes, meta.Ticket)
	return nodes, meta, nil
}
