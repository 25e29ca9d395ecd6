package lolelffs

import "fmt"

// bitsPerBlock is the number of free-space bits addressed by one bitmap block.
const bitsPerBlock = BlockSize * 8

// Bitmap bit convention: bit set (1) = free, bit cleared (0) = used. Bits
// within a byte are LSB-first. A fresh bitmap block is 0xFF (everything
// free) with specific bits pre-cleared for reserved/non-existent slots.

func bitIndex(idx uint32) (block uint32, byteOff uint32, bit uint8) {
	block = idx / bitsPerBlock
	rem := idx % bitsPerBlock
	byteOff = rem / 8
	bit = uint8(rem % 8)
	return
}

func bitGet(buf []byte, byteOff uint32, bit uint8) bool {
	return buf[byteOff]&(1<<bit) != 0
}

func bitSet(buf []byte, byteOff uint32, bit uint8, free bool) {
	if free {
		buf[byteOff] |= 1 << bit
	} else {
		buf[byteOff] &^= 1 << bit
	}
}

// readBitmapBlock reads bitmap block i relative to the region's first block.
func (h *Handle) readBitmapBlock(regionStart uint32, i uint32) ([]byte, error) {
	return h.dev.readBlock(regionStart + i)
}

func (h *Handle) writeBitmapBlock(regionStart uint32, i uint32, buf []byte) error {
	return h.dev.writeBlock(regionStart+i, buf)
}

// allocInode scans the inode-free bitmap from index 0, returns the first
// free inode number less than TotalInodes, clears its bit, decrements the
// free counter and persists the superblock.
func (h *Handle) allocInode() (uint32, error) {
	if h.readOnly {
		return 0, ErrReadOnly
	}
	for idx := uint32(0); idx < h.sb.TotalInodes; idx++ {
		block, byteOff, bit := bitIndex(idx)
		buf, err := h.readBitmapBlock(h.regions.InodeFreeStart, block)
		if err != nil {
			return 0, err
		}
		if bitGet(buf, byteOff, bit) {
			bitSet(buf, byteOff, bit, false)
			if err := h.writeBitmapBlock(h.regions.InodeFreeStart, block, buf); err != nil {
				return 0, err
			}
			h.sb.FreeInodes--
			if err := h.writeSuperblock(); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}
	return 0, ErrNoSpace
}

// freeInode sets the inode's bit free and bumps the counter. The caller
// must not double-free: the operation is not self-checked against
// already-free bits, matching §4.3.
func (h *Handle) freeInode(n uint32) error {
	if h.readOnly {
		return ErrReadOnly
	}
	if n >= h.sb.TotalInodes {
		return fmt.Errorf("%w: inode %d out of range", ErrCorruption, n)
	}
	block, byteOff, bit := bitIndex(n)
	buf, err := h.readBitmapBlock(h.regions.InodeFreeStart, block)
	if err != nil {
		return err
	}
	bitSet(buf, byteOff, bit, true)
	if err := h.writeBitmapBlock(h.regions.InodeFreeStart, block, buf); err != nil {
		return err
	}
	h.sb.FreeInodes++
	return h.writeSuperblock()
}

// allocBlocks walks the data region from DataStart looking for `count`
// consecutive free blocks (first-fit). On success it clears each bit,
// decrements FreeBlocks by count, persists the superblock and returns the
// physical start block.
func (h *Handle) allocBlocks(count uint32) (uint32, error) {
	if h.readOnly {
		return 0, ErrReadOnly
	}
	if count == 0 {
		return 0, fmt.Errorf("lolelffs: alloc_blocks called with count=0")
	}
	if count > h.sb.FreeBlocks {
		return 0, ErrNoSpace
	}

	runStart := uint32(0)
	runLen := uint32(0)
	haveRun := false

	for idx := h.regions.DataStart; idx < h.sb.TotalBlocks; idx++ {
		block, byteOff, bit := bitIndex(idx)
		buf, err := h.readBitmapBlock(h.regions.BlockFreeStart, block)
		if err != nil {
			return 0, err
		}
		if bitGet(buf, byteOff, bit) {
			if !haveRun {
				runStart = idx
				haveRun = true
			}
			runLen++
			if runLen == count {
				if err := h.clearBlockRun(runStart, count); err != nil {
					return 0, err
				}
				h.sb.FreeBlocks -= count
				if err := h.writeSuperblock(); err != nil {
					return 0, err
				}
				return runStart, nil
			}
		} else {
			haveRun = false
			runLen = 0
		}
	}
	return 0, ErrNoSpace
}

func (h *Handle) clearBlockRun(start, count uint32) error {
	for idx := start; idx < start+count; idx++ {
		block, byteOff, bit := bitIndex(idx)
		buf, err := h.readBitmapBlock(h.regions.BlockFreeStart, block)
		if err != nil {
			return err
		}
		bitSet(buf, byteOff, bit, false)
		if err := h.writeBitmapBlock(h.regions.BlockFreeStart, block, buf); err != nil {
			return err
		}
	}
	return nil
}

// freeBlocks sets `count` bits starting at `start` free and bumps the
// counter. Errors are discarded without being logged, the way §4.3
// describes free_blocks as a simple, unchecked operation; callers that need
// to observe I/O failure during rollback should call freeBlocksErr.
func (h *Handle) freeBlocks(start, count uint32) {
	_ = h.freeBlocksErr(start, count)
}

func (h *Handle) freeBlocksErr(start, count uint32) error {
	if count == 0 {
		return nil
	}
	for idx := start; idx < start+count; idx++ {
		block, byteOff, bit := bitIndex(idx)
		buf, err := h.readBitmapBlock(h.regions.BlockFreeStart, block)
		if err != nil {
			return err
		}
		bitSet(buf, byteOff, bit, true)
		if err := h.writeBitmapBlock(h.regions.BlockFreeStart, block, buf); err != nil {
			return err
		}
	}
	h.sb.FreeBlocks += count
	return h.writeSuperblock()
}
