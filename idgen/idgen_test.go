package idgen

import "testing"

func TestNextIsDeterministic(t *testing.T) {
	s1 := New(42)
	s2 := New(42)

	for i := 0; i < 10; i++ {
		var id1, id2 uint64
		id1, s1 = Next(s1)
		id2, s2 = Next(s2)
		if id1 != id2 {
			t.Fatalf("draw %d diverged: %d != %d", i, id1, id2)
		}
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	a, _ := Next(New(1))
	b, _ := Next(New(2))
	if a == b {
		t.Fatal("expected different seeds to produce different first ids")
	}
}

func TestForkMatchesSequentialNext(t *testing.T) {
	s := New(7)

	forked, forkedState := Fork(s, 5)

	seq := make([]uint64, 5)
	cur := s
	for i := range seq {
		seq[i], cur = Next(cur)
	}

	for i := range forked {
		if forked[i] != seq[i] {
			t.Fatalf("Fork[%d] = %d, want %d", i, forked[i], seq[i])
		}
	}
	if forkedState != cur {
		t.Fatalf("Fork end state = %+v, want %+v", forkedState, cur)
	}
}
