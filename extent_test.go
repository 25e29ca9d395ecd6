package lolelffs

import "testing"

func TestExtentIndexRoundTrip(t *testing.T) {
	ei := &ExtentIndex{NrFiles: 2}
	ei.Extents[0] = Extent{Logical: 0, Length: 4, Physical: 100, CompAlgo: CompLZ4, Flags: ExtentFlagCompressed}
	ei.Extents[1] = Extent{Logical: 4, Length: 2, Physical: 200, EncAlgo: EncAES256XTS, Flags: ExtentFlagEncrypted}

	buf, err := ei.marshalBinary()
	if err != nil {
		t.Fatalf("marshalBinary: %s", err)
	}
	if len(buf) != BlockSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), BlockSize)
	}

	got, err := unmarshalExtentIndex(buf)
	if err != nil {
		t.Fatalf("unmarshalExtentIndex: %s", err)
	}
	if *got != *ei {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, *ei)
	}
}

func TestExtentIndexLiveExtents(t *testing.T) {
	ei := &ExtentIndex{}
	ei.Extents[0] = Extent{Logical: 0, Length: 1, Physical: 10}
	ei.Extents[1] = Extent{Logical: 1, Length: 1, Physical: 11}
	live := ei.liveExtents()
	if len(live) != 2 {
		t.Fatalf("liveExtents = %d entries, want 2", len(live))
	}
}

func TestExtentIndexFindExtent(t *testing.T) {
	ei := &ExtentIndex{}
	ei.Extents[0] = Extent{Logical: 0, Length: 4, Physical: 100}
	ei.Extents[1] = Extent{Logical: 4, Length: 4, Physical: 200}

	cases := []struct {
		logical  uint32
		wantOK   bool
		wantPhys uint32
	}{
		{0, true, 100},
		{3, true, 103},
		{4, true, 200},
		{7, true, 203},
		{8, false, 0},
	}
	for _, c := range cases {
		e, ok := ei.findExtent(c.logical)
		if ok != c.wantOK {
			t.Fatalf("findExtent(%d) ok = %v, want %v", c.logical, ok, c.wantOK)
		}
		if ok && e.Physical+(c.logical-e.Logical) != c.wantPhys {
			t.Fatalf("findExtent(%d) resolved to %d, want %d", c.logical, e.Physical+(c.logical-e.Logical), c.wantPhys)
		}
	}
}

func TestCalcOptimalExtentSize(t *testing.T) {
	cases := []struct {
		allocated uint32
		maxRun    uint32
		want      uint32
	}{
		{0, 16, 2},
		{15, 16, 2},
		{16, 16, 4},
		{255, 16, 4},
		{256, 16, 16},
		{1000, 64, 64},
	}
	for _, c := range cases {
		got := calcOptimalExtentSize(c.allocated, c.maxRun)
		if got != c.want {
			t.Fatalf("calcOptimalExtentSize(%d, %d) = %d, want %d", c.allocated, c.maxRun, got, c.want)
		}
	}
}

func TestValidateSorted(t *testing.T) {
	sorted := []Extent{{Logical: 0}, {Logical: 4}, {Logical: 8}}
	if !validateSorted(sorted) {
		t.Fatalf("expected sorted extents to validate")
	}
	unsorted := []Extent{{Logical: 8}, {Logical: 0}}
	if validateSorted(unsorted) {
		t.Fatalf("expected unsorted extents to fail validation")
	}
}

func TestAllocExtentsForLengthRollsBackOnFailure(t *testing.T) {
	h := newTestHandle(t, 140)
	before := h.sb.FreeBlocks

	// Ask for far more blocks than the tiny image has, forcing a failure
	// partway through and exercising the rollback path.
	if _, err := h.allocExtentsForLength(10_000_000); err == nil {
		t.Fatalf("expected allocation failure")
	}
	if h.sb.FreeBlocks != before {
		t.Fatalf("FreeBlocks = %d after failed alloc, want unchanged %d", h.sb.FreeBlocks, before)
	}
}
