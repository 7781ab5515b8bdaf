package replicate

import (
	"testing"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/lwwmap"
	"github.com/boxtree/boxtree/nodemap"
)

func leaf(lo, hi float64) nodemap.Record {
	return nodemap.Record{Kind: nodemap.KindLeaf, Parent: uint64(1), Box: geom.Box{{Lo: lo, Hi: hi}}}
}

// payload wraps rec the way Publish does: a Payload carrying rec's own
// CID, ready to hand to Fold or Reconstruct.
func payload(t *testing.T, rec nodemap.Record) Payload {
	t.Helper()
	c, err := rec.CID()
	if err != nil {
		t.Fatalf("cid record: %v", err)
	}
	return Payload{Record: rec, CID: c}
}

func TestPublishEmitsAddAndRemove(t *testing.T) {
	crdt := lwwmap.New("writer")
	bridge := New(crdt)

	old := nodemap.NewHashSummarized()
	var oldMap nodemap.Map = old
	oldMap = oldMap.Put("a", leaf(0, 1))
	old = oldMap.(nodemap.HashSummarized)

	var newMap nodemap.Map = old
	newMap = newMap.Put("a", leaf(0, 2)) // changed
	newMap = newMap.Put("b", leaf(5, 6)) // added
	next := newMap.(nodemap.HashSummarized)

	bridge.Publish(old, next)

	deltas := Drain(crdt)
	seen := map[any]bool{}
	for _, d := range deltas {
		seen[d.Key] = true
		if d.Removed {
			t.Fatalf("unexpected remove delta for %v", d.Key)
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected deltas for a and b, got %v", deltas)
	}
}

func TestPublishEmitsRemoveForDeletedKey(t *testing.T) {
	crdt := lwwmap.New("writer")
	bridge := New(crdt)

	old := nodemap.NewHashSummarized()
	var oldMap nodemap.Map = old
	oldMap = oldMap.Put("a", leaf(0, 1))
	old = oldMap.(nodemap.HashSummarized)

	var newMap nodemap.Map = old
	newMap = newMap.Delete("a")
	next := newMap.(nodemap.HashSummarized)

	bridge.Publish(old, next)

	deltas := Drain(crdt)
	if len(deltas) != 1 || !deltas[0].Removed || deltas[0].Key != "a" {
		t.Fatalf("expected one remove delta for a, got %v", deltas)
	}
}

func TestFoldAppliesAddsAndRemovesInOrder(t *testing.T) {
	nodes := nodemap.NewPlain()
	var m nodemap.Map = nodes

	deltas := []lwwmap.Delta{
		{Key: "a", Value: payload(t, leaf(0, 1))},
		{Key: "b", Value: payload(t, leaf(1, 2))},
		{Key: "a", Removed: true},
	}

	m, err := Fold(m, deltas)
	if err != nil {
		t.Fatal(err)
	}
	if m.Has("a") {
		t.Fatal("expected a to be removed after fold")
	}
	if !m.Has("b") {
		t.Fatal("expected b to remain after fold")
	}
}

func TestFoldRejectsTamperedRecord(t *testing.T) {
	p := payload(t, leaf(0, 1))
	p.Record.Box[0].Hi = 99 // mutate after hashing: CID no longer matches

	deltas := []lwwmap.Delta{{Key: "a", Value: p}}

	if _, err := Fold(nodemap.NewPlain(), deltas); err == nil {
		t.Fatal("expected an error for a record that fails cid verification")
	}
}

func TestReconstructFoldsWholeSnapshot(t *testing.T) {
	snapshot := map[any]any{
		"a": payload(t, leaf(0, 1)),
		"b": payload(t, leaf(1, 2)),
	}

	nodes, err := Reconstruct(nodemap.NewPlain(), snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if !nodes.Has("a") || !nodes.Has("b") {
		t.Fatalf("expected both snapshot keys present, got %v", nodes.Keys())
	}
}

func TestReconstructRejectsNonPayloadValues(t *testing.T) {
	snapshot := map[any]any{"a": "not-a-payload"}

	if _, err := Reconstruct(nodemap.NewPlain(), snapshot); err == nil {
		t.Fatal("expected an error for a non-payload snapshot value")
	}
}
