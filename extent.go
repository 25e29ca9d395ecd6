package lolelffs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Extent maps a contiguous logical block range of a file to a contiguous
// physical block range, optionally carrying per-extent compression and
// encryption state. It is "empty" iff Length == 0.
type Extent struct {
	Logical   uint32
	Length    uint32
	Physical  uint32
	CompAlgo  uint16
	EncAlgo   uint8
	_pad0     uint8
	Flags     uint16
	_pad1     uint16
	MetaBlock uint32
}

func (e Extent) empty() bool { return e.Length == 0 }

func (e Extent) covers(logical uint32) bool {
	return !e.empty() && logical >= e.Logical && logical < e.Logical+e.Length
}

// marshalExtent writes the 24-byte wire representation of e to w.
func marshalExtent(w *bytes.Buffer, e Extent) error {
	fields := []any{e.Logical, e.Length, e.Physical, e.CompAlgo, e.EncAlgo, e._pad0, e.Flags, e._pad1, e.MetaBlock}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalExtent(r *bytes.Reader) (Extent, error) {
	var e Extent
	fields := []any{&e.Logical, &e.Length, &e.Physical, &e.CompAlgo, &e.EncAlgo, &e._pad0, &e.Flags, &e._pad1, &e.MetaBlock}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Extent{}, err
		}
	}
	return e, nil
}

// ExtentIndex is the one-block array of up to maxExtents extents addressed
// by an inode's EIBlock (XattrBlock holds an xattrIndexBlock instead). NrFiles is meaningful only when the
// index backs a directory, where it tracks the live entry count.
type ExtentIndex struct {
	NrFiles uint32
	Extents [maxExtents]Extent
}

func (ei *ExtentIndex) marshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ei.NrFiles); err != nil {
		return nil, err
	}
	for _, e := range ei.Extents {
		if err := marshalExtent(&buf, e); err != nil {
			return nil, fmt.Errorf("lolelffs: encode extent index: %w", err)
		}
	}
	if buf.Len() != extentIndexHeaderSize+maxExtents*extentSize {
		return nil, fmt.Errorf("lolelffs: extent index encoded to %d bytes", buf.Len())
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

func unmarshalExtentIndex(data []byte) (*ExtentIndex, error) {
	if len(data) < extentIndexHeaderSize+maxExtents*extentSize {
		return nil, fmt.Errorf("%w: extent index truncated", ErrCorruption)
	}
	r := bytes.NewReader(data)
	ei := &ExtentIndex{}
	if err := binary.Read(r, binary.LittleEndian, &ei.NrFiles); err != nil {
		return nil, fmt.Errorf("%w: decode extent index header: %v", ErrCorruption, err)
	}
	for i := 0; i < maxExtents; i++ {
		e, err := unmarshalExtent(r)
		if err != nil {
			return nil, fmt.Errorf("%w: decode extent %d: %v", ErrCorruption, i, err)
		}
		ei.Extents[i] = e
	}
	return ei, nil
}

// liveExtents returns the dense prefix of non-empty extents, i.e. everything
// before the first empty sentinel. The array is required to be sorted and
// dense-then-empty; callers that violate this will see a truncated view.
func (ei *ExtentIndex) liveExtents() []Extent {
	out := make([]Extent, 0, maxExtents)
	for _, e := range ei.Extents {
		if e.empty() {
			break
		}
		out = append(out, e)
	}
	return out
}

// findExtent binary-searches the dense-then-empty extent array for the
// extent covering logical block L.
func (ei *ExtentIndex) findExtent(logical uint32) (Extent, bool) {
	lo, hi := 0, maxExtents-1
	for lo <= hi {
		mid := (lo + hi) / 2
		e := ei.Extents[mid]
		if e.empty() || e.Logical > logical {
			hi = mid - 1
			continue
		}
		if logical >= e.Logical+e.Length {
			lo = mid + 1
			continue
		}
		return e, true
	}
	return Extent{}, false
}

// physicalBlockFor resolves a logical block number to a physical block
// number using the inode's extent index. ok is false on a hole.
func (h *Handle) physicalBlockFor(ei *ExtentIndex, logical uint32) (uint32, Extent, bool) {
	e, ok := ei.findExtent(logical)
	if !ok {
		return 0, Extent{}, false
	}
	return e.Physical + (logical - e.Logical), e, true
}

// calcOptimalExtentSize returns a growth increment for a file that already
// has alreadyAllocated logical blocks, per §4.3: small files grow by 2
// blocks at a time, mid-sized files by 4, and large files by the
// superblock's configured maximum run length.
func calcOptimalExtentSize(alreadyAllocated uint32, maxRun uint32) uint32 {
	switch {
	case alreadyAllocated < 16:
		return 2
	case alreadyAllocated < 256:
		return 4
	default:
		return maxRun
	}
}

// allocExtentsForLength allocates physical blocks for a file that needs N
// logical blocks in total, building a fresh, sorted, dense-then-empty
// extent array. On any allocation failure every extent already allocated
// in this call is released before the error is returned, per §4.4 and the
// write-rollback design note in §9.
func (h *Handle) allocExtentsForLength(n uint32) (*ExtentIndex, error) {
	ei := &ExtentIndex{}
	if n == 0 {
		return ei, nil
	}
	maxRun := h.sb.CompMaxExtentRun
	if maxRun == 0 {
		maxRun = 16
	}

	var allocated uint32
	var logical uint32
	var built []Extent

	rollback := func() {
		for _, e := range built {
			h.freeBlocks(e.Physical, e.Length)
		}
	}

	for allocated < n {
		size := calcOptimalExtentSize(allocated, maxRun)
		if remain := n - allocated; size > remain {
			size = remain
		}
		if size > maxRun {
			size = maxRun
		}
		phys, err := h.allocBlocks(size)
		if err != nil {
			rollback()
			return nil, err
		}
		built = append(built, Extent{Logical: logical, Length: size, Physical: phys})
		logical += size
		allocated += size
	}

	if len(built) > maxExtents {
		rollback()
		return nil, fmt.Errorf("%w: file needs %d extents, only %d available", ErrNoSpace, len(built), maxExtents)
	}
	for i, e := range built {
		ei.Extents[i] = e
	}
	return ei, nil
}

// freeExtentIndex releases every data extent addressed by ei, walking until
// the first empty sentinel, per §4.4 deallocation.
func (h *Handle) freeExtentIndex(ei *ExtentIndex) {
	for _, e := range ei.liveExtents() {
		h.freeBlocks(e.Physical, e.Length)
	}
}

// validateSorted checks the §8 invariant that live extents are
// non-overlapping and sorted by logical start. Used by tests and fsck-style
// callers, not on the hot path.
func validateSorted(extents []Extent) bool {
	return sort.SliceIsSorted(extents, func(i, j int) bool { return extents[i].Logical < extents[j].Logical })
}
