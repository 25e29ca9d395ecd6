package lolelffs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
)

// inlineDataSize is the width of an inode's inline data area, used to store
// short symlink targets (up to inlineDataSize-1 bytes).
const inlineDataSize = 28

// maxSymlinkTarget is the largest symlink target that fits inline, per §8
// ("a 27-byte target succeeds; 28-byte target fails").
const maxSymlinkTarget = inlineDataSize - 1

// RootInode is the on-disk root inode number. It is always a directory.
const RootInode uint32 = 0

// Inode is the 72-byte on-disk metadata record for a file, directory or
// symlink, per §3.
type Inode struct {
	Mode       uint32
	Uid        uint16
	Gid        uint16
	Size       uint64
	Ctime      uint32
	Atime      uint32
	Mtime      uint32
	Blocks     uint32
	Nlink      uint32
	EIBlock    uint32
	XattrBlock uint32
	Data       [inlineDataSize]byte
}

func (i Inode) isDir() bool     { return i.Mode&S_IFMT == S_IFDIR }
func (i Inode) isSymlink() bool { return i.Mode&S_IFMT == S_IFLNK }
func (i Inode) isRegular() bool { return i.Mode&S_IFMT == S_IFREG }

// FileMode returns the io/fs.FileMode equivalent of the inode's Mode.
func (i Inode) FileMode() fs.FileMode { return UnixToMode(i.Mode) }

func marshalInode(i Inode) []byte {
	buf := make([]byte, 0, inodeSize)
	var tmp [8]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf = append(buf, tmp[:4]...)
	}
	put16 := func(v uint16) {
		binary.LittleEndian.PutUint16(tmp[:2], v)
		buf = append(buf, tmp[:2]...)
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:8], v)
		buf = append(buf, tmp[:8]...)
	}

	put32(i.Mode)
	put16(i.Uid)
	put16(i.Gid)
	put64(i.Size)
	put32(i.Ctime)
	put32(i.Atime)
	put32(i.Mtime)
	put32(i.Blocks)
	put32(i.Nlink)
	put32(i.EIBlock)
	put32(i.XattrBlock)
	buf = append(buf, i.Data[:]...)

	if len(buf) != inodeSize {
		panic(fmt.Sprintf("lolelffs: inode encoded to %d bytes, want %d", len(buf), inodeSize))
	}
	return buf
}

func unmarshalInode(buf []byte) (Inode, error) {
	if len(buf) < inodeSize {
		return Inode{}, fmt.Errorf("%w: inode record truncated", ErrCorruption)
	}
	r := bytes.NewReader(buf[:inodeSize])
	var i Inode
	fields := []any{&i.Mode, &i.Uid, &i.Gid, &i.Size, &i.Ctime, &i.Atime, &i.Mtime, &i.Blocks, &i.Nlink, &i.EIBlock, &i.XattrBlock}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Inode{}, fmt.Errorf("%w: decode inode: %v", ErrCorruption, err)
		}
	}
	if _, err := r.Read(i.Data[:]); err != nil {
		return Inode{}, fmt.Errorf("%w: decode inode inline data: %v", ErrCorruption, err)
	}
	return i, nil
}

// inodeLocation returns the inode-store block and in-block byte offset for
// inode n, per §6: "inode N lives at (inode_store_start + N/56, (N%56)*72)".
func (h *Handle) inodeLocation(n uint32) (block uint32, offset uint32) {
	block = h.regions.InodeStoreStart + n/inodesPerBlock
	offset = (n % inodesPerBlock) * inodeSize
	return
}

// ReadInode loads inode n from the inode store.
func (h *Handle) ReadInode(n uint32) (Inode, error) {
	if n >= h.sb.TotalInodes {
		return Inode{}, fmt.Errorf("%w: inode %d out of range", ErrNotFound, n)
	}
	block, offset := h.inodeLocation(n)
	buf, err := h.dev.readBlock(block)
	if err != nil {
		return Inode{}, err
	}
	return unmarshalInode(buf[offset : offset+inodeSize])
}

// WriteInode persists inode n to the inode store. The inode store block is
// read-modify-written since it packs inodesPerBlock records per block.
func (h *Handle) WriteInode(n uint32, ino Inode) error {
	if h.readOnly {
		return ErrReadOnly
	}
	if n >= h.sb.TotalInodes {
		return fmt.Errorf("%w: inode %d out of range", ErrNotFound, n)
	}
	block, offset := h.inodeLocation(n)
	buf, err := h.dev.readBlock(block)
	if err != nil {
		return err
	}
	copy(buf[offset:offset+inodeSize], marshalInode(ino))
	return h.dev.writeBlock(block, buf)
}

// readExtentIndex reads the extent index block addressed by blockNum.
func (h *Handle) readExtentIndex(blockNum uint32) (*ExtentIndex, error) {
	buf, err := h.dev.readBlock(blockNum)
	if err != nil {
		return nil, err
	}
	return unmarshalExtentIndex(buf)
}

func (h *Handle) writeExtentIndex(blockNum uint32, ei *ExtentIndex) error {
	buf, err := ei.marshalBinary()
	if err != nil {
		return err
	}
	return h.dev.writeBlock(blockNum, buf)
}

// allocExtentIndexBlock allocates one fresh physical block to hold an
// extent index, zeroing it first.
func (h *Handle) allocExtentIndexBlock() (uint32, error) {
	blk, err := h.allocBlocks(1)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, BlockSize)
	if err := h.dev.writeBlock(blk, zero); err != nil {
		h.freeBlocks(blk, 1)
		return 0, err
	}
	return blk, nil
}
