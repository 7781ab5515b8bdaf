package geom

import "testing"

func box(pairs ...[2]float64) Box {
	b := make(Box, len(pairs))
	for i, p := range pairs {
		b[i] = Range{Lo: p[0], Hi: p[1]}
	}
	return b
}

func TestCombine(t *testing.T) {
	a := box([2]float64{3, 19}, [2]float64{-4, 20})
	b := box([2]float64{-5, 6}, [2]float64{-4, 11})
	want := box([2]float64{-5, 19}, [2]float64{-4, 20})

	got := Combine(a, b)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Combine axis %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOverlap(t *testing.T) {
	a := box([2]float64{0, 0}, [2]float64{0, 1})
	b := box([2]float64{1, 2}, [2]float64{-1, 5})
	if Overlap(a, b) {
		t.Fatal("expected no overlap")
	}

	c := box([2]float64{1, 2}, [2]float64{0, 1})
	if !Overlap(c, b) {
		t.Fatal("expected overlap")
	}
}

func TestContainedAndInBorder(t *testing.T) {
	outer := box([2]float64{0, 10}, [2]float64{0, 10})
	inner := box([2]float64{0, 5}, [2]float64{0, 5})

	if !Contained(outer, inner) {
		t.Fatal("expected containment")
	}
	if !InBorder(outer, inner) {
		t.Fatal("expected shared border")
	}
}

func TestArea(t *testing.T) {
	cases := []struct {
		b    Box
		want float64
	}{
		{box([2]float64{0, 0}, [2]float64{0, 0}), -1},
		{box([2]float64{0, 1}, [2]float64{0, 1}), 1},
		{box([2]float64{-10, 0}, [2]float64{0, 1}), 10},
	}
	for _, c := range cases {
		if got := Area(c.b); got != c.want {
			t.Fatalf("Area(%v) = %v, want %v", c.b, got, c.want)
		}
	}
}

func TestEnlargementArea(t *testing.T) {
	current := box([2]float64{10, 12}, [2]float64{10, 11})
	incoming := box([2]float64{1, 2}, [2]float64{-1, 5})

	if got := EnlargementArea(current, incoming); got != 130 {
		t.Fatalf("EnlargementArea = %v, want 130", got)
	}
}

func TestEnlargementAreaFromEmpty(t *testing.T) {
	empty := EmptyBox(2)
	incoming := box([2]float64{1, 2}, [2]float64{1, 2})

	if got, want := EnlargementArea(empty, incoming), Area(incoming); got != want {
		t.Fatalf("EnlargementArea from empty = %v, want %v", got, want)
	}
}

func TestOverlapAreaFullyContained(t *testing.T) {
	outer := box([2]float64{0, 10}, [2]float64{0, 10})
	inner := box([2]float64{0, 5}, [2]float64{0, 5})

	if got := OverlapArea(outer, inner); got != 100 {
		t.Fatalf("OverlapArea = %v, want 100", got)
	}
}

func TestOverlapAreaDisjoint(t *testing.T) {
	a := box([2]float64{0, 1}, [2]float64{0, 1})
	b := box([2]float64{5, 6}, [2]float64{5, 6})

	if got := OverlapArea(a, b); got != 0 {
		t.Fatalf("OverlapArea = %v, want 0", got)
	}
}

func TestOverlapAreaQuarter(t *testing.T) {
	a := box([2]float64{0, 2}, [2]float64{0, 2})
	b := box([2]float64{1, 3}, [2]float64{1, 3})

	if got := OverlapArea(a, b); got != 25 {
		t.Fatalf("OverlapArea = %v, want 25", got)
	}
}

func TestCombineMultipleSkipsSentinel(t *testing.T) {
	dim := 2
	boxes := []Box{
		EmptyBox(dim),
		box([2]float64{1, 2}, [2]float64{1, 2}),
		box([2]float64{3, 4}, [2]float64{-1, 0}),
	}

	got := CombineMultiple(boxes, dim)
	want := box([2]float64{1, 4}, [2]float64{-1, 2})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CombineMultiple axis %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCombineMultipleAllSentinel(t *testing.T) {
	got := CombineMultiple([]Box{EmptyBox(2), EmptyBox(2)}, 2)
	if Area(got) != EmptySentinelArea {
		t.Fatalf("expected empty sentinel, got %v", got)
	}
}

func TestCentroidAndMiddleValue(t *testing.T) {
	b := box([2]float64{0, 4}, [2]float64{2, 6})

	c := Centroid(b)
	if c[0] != 2 || c[1] != 4 {
		t.Fatalf("Centroid = %v, want [2 4]", c)
	}
	if got := MiddleValue(b); got != 6 {
		t.Fatalf("MiddleValue = %v, want 6", got)
	}
}
