package garbler

import "testing"

func TestNoneNeverDrops(t *testing.T) {
	var g None
	for i := uint32(1); i < 100; i++ {
		if g.ShouldDrop(i) {
			t.Fatalf("None dropped record %d", i)
		}
	}
}

func TestRateZeroNeverDrops(t *testing.T) {
	g := NewRate(0, 1)
	for i := uint32(1); i < 1000; i++ {
		if g.ShouldDrop(i) {
			t.Fatalf("zero-rate garbler dropped record %d", i)
		}
	}
}

func TestRateOneAlwaysDrops(t *testing.T) {
	g := NewRate(1, 1)
	for i := uint32(1); i < 1000; i++ {
		if !g.ShouldDrop(i) {
			t.Fatalf("rate-1 garbler kept record %d", i)
		}
	}
}

func TestIndexSetDropsOnceThenPasses(t *testing.T) {
	g := NewIndexSet(3, 7)
	if !g.ShouldDrop(3) {
		t.Fatal("expected first consultation of record 3 to drop")
	}
	if g.ShouldDrop(3) {
		t.Fatal("expected retransmission of record 3 to pass")
	}
	if !g.ShouldDrop(7) {
		t.Fatal("expected first consultation of record 7 to drop")
	}
	if g.ShouldDrop(1) {
		t.Fatal("unlisted record should never drop")
	}
}
