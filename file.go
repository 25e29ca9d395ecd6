package lolelffs

import "fmt"

// regularFileMode and symlinkMode are the default permission bits applied
// at create_file/symlink time, per §4.7.
const (
	regularFileMode = S_IFREG | 0o644
	symlinkMode     = S_IFLNK | 0o777
)

// CreateFile creates a new, empty regular file named name inside parent.
func (h *Handle) CreateFile(parent uint32, name string) (uint32, error) {
	parentIno, err := h.ReadInode(parent)
	if err != nil {
		return 0, err
	}
	if !parentIno.isDir() {
		return 0, ErrNotDirectory
	}
	if _, err := h.Lookup(parent, name); err == nil {
		return 0, ErrExists
	} else if err != ErrNotFound {
		return 0, err
	}

	ino, err := h.allocInode()
	if err != nil {
		return 0, err
	}
	now := nowSeconds()
	newFile := Inode{Mode: regularFileMode, Nlink: 1, Ctime: now, Atime: now, Mtime: now}
	if err := h.WriteInode(ino, newFile); err != nil {
		h.freeInode(ino)
		return 0, err
	}
	if err := h.addDirEntry(parent, name, ino); err != nil {
		h.freeInode(ino)
		return 0, err
	}
	return ino, nil
}

// Symlink creates a symlink named name inside parent, with target inlined
// in the new inode's data area. target must be at most 27 bytes.
func (h *Handle) Symlink(parent uint32, name, target string) (uint32, error) {
	if len(target) > maxSymlinkTarget {
		return 0, ErrTooLong
	}
	parentIno, err := h.ReadInode(parent)
	if err != nil {
		return 0, err
	}
	if !parentIno.isDir() {
		return 0, ErrNotDirectory
	}
	if _, err := h.Lookup(parent, name); err == nil {
		return 0, ErrExists
	} else if err != ErrNotFound {
		return 0, err
	}

	ino, err := h.allocInode()
	if err != nil {
		return 0, err
	}
	now := nowSeconds()
	sym := Inode{Mode: symlinkMode, Nlink: 1, Size: uint64(len(target)), Ctime: now, Atime: now, Mtime: now}
	copy(sym.Data[:], target)
	if err := h.WriteInode(ino, sym); err != nil {
		h.freeInode(ino)
		return 0, err
	}
	if err := h.addDirEntry(parent, name, ino); err != nil {
		h.freeInode(ino)
		return 0, err
	}
	return ino, nil
}

// Link adds a new name for the existing inode target inside parent,
// bumping its link count.
func (h *Handle) Link(target uint32, parent uint32, name string) error {
	targetIno, err := h.ReadInode(target)
	if err != nil {
		return err
	}
	if targetIno.isDir() {
		return ErrIsDirectory
	}
	if _, err := h.Lookup(parent, name); err == nil {
		return ErrExists
	} else if err != ErrNotFound {
		return err
	}

	targetIno.Nlink++
	if err := h.WriteInode(target, targetIno); err != nil {
		return err
	}
	if err := h.addDirEntry(parent, name, target); err != nil {
		targetIno.Nlink--
		h.WriteInode(target, targetIno)
		return err
	}
	return nil
}

// Unlink removes name from parent. When the target's link count reaches
// zero, its xattrs, data and extent index are freed and the inode itself
// is freed, per §4.7.
func (h *Handle) Unlink(parent uint32, name string) error {
	target, err := h.Lookup(parent, name)
	if err != nil {
		return err
	}
	targetIno, err := h.ReadInode(target)
	if err != nil {
		return err
	}
	if targetIno.isDir() {
		return ErrIsDirectory
	}

	if err := h.removeDirEntry(parent, name); err != nil {
		return err
	}

	targetIno.Nlink--
	if targetIno.Nlink > 0 {
		return h.WriteInode(target, targetIno)
	}

	if err := h.writeXattrRecords(&targetIno, nil); err != nil {
		return err
	}
	if targetIno.EIBlock != 0 {
		ei, err := h.readExtentIndex(targetIno.EIBlock)
		if err == nil {
			h.freeExtentIndex(ei)
		}
		h.freeBlocks(targetIno.EIBlock, 1)
	}
	return h.freeInode(target)
}

// ReadFile returns the full content addressed by inode: file bytes for a
// regular file, the inlined target for a symlink.
func (h *Handle) ReadFile(inode uint32) ([]byte, error) {
	ino, err := h.ReadInode(inode)
	if err != nil {
		return nil, err
	}
	if ino.isDir() {
		return nil, ErrIsDirectory
	}
	if ino.isSymlink() {
		return append([]byte(nil), ino.Data[:ino.Size]...), nil
	}
	return h.readFileData(ino)
}

// readFileData walks the inode's extent index one logical block at a
// time, decrypting then decompressing each mapped block and yielding
// zero bytes for holes, per §4.7's read pipeline.
func (h *Handle) readFileData(ino Inode) ([]byte, error) {
	if ino.Size == 0 {
		return []byte{}, nil
	}
	if ino.EIBlock == 0 {
		return make([]byte, ino.Size), nil
	}
	ei, err := h.readExtentIndex(ino.EIBlock)
	if err != nil {
		return nil, err
	}

	nrBlocks := uint32((ino.Size + BlockSize - 1) / BlockSize)
	out := make([]byte, 0, nrBlocks*BlockSize)
	for logical := uint32(0); logical < nrBlocks; logical++ {
		phys, e, ok := h.physicalBlockFor(ei, logical)
		if !ok {
			out = append(out, make([]byte, BlockSize)...)
			continue
		}
		raw, err := h.dev.readBlock(phys)
		if err != nil {
			return nil, err
		}
		if e.EncAlgo != EncNone {
			if !h.unlocked {
				return nil, ErrLocked
			}
			raw, err = decryptBlock(e.EncAlgo, h.masterKey, logical, raw)
			if err != nil {
				return nil, err
			}
		}
		if e.CompAlgo != CompNone {
			raw, err = decompressBlock(e.CompAlgo, raw)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, raw...)
	}
	if uint64(len(out)) > ino.Size {
		out = out[:ino.Size]
	}
	return out, nil
}

// WriteFile replaces the entire content of a regular file's inode,
// reallocating extents for the new length.
func (h *Handle) WriteFile(inode uint32, data []byte) error {
	ino, err := h.ReadInode(inode)
	if err != nil {
		return err
	}
	if !ino.isRegular() {
		return ErrIsDirectory
	}
	if err := h.writeFileData(&ino, data); err != nil {
		return err
	}
	return h.WriteInode(inode, ino)
}

// Truncate resizes a regular file's content, padding with zeros when
// growing and dropping the tail when shrinking. It is implemented as
// read-full/resize/write-full, per §4.7's documented simplification.
func (h *Handle) Truncate(inode uint32, newSize uint64) error {
	ino, err := h.ReadInode(inode)
	if err != nil {
		return err
	}
	if ino.isDir() {
		return ErrIsDirectory
	}
	data, err := h.readFileData(ino)
	if err != nil {
		return err
	}
	if uint64(len(data)) < newSize {
		padded := make([]byte, newSize)
		copy(padded, data)
		data = padded
	} else {
		data = data[:newSize]
	}
	if err := h.writeFileData(&ino, data); err != nil {
		return err
	}
	return h.WriteInode(inode, ino)
}

// padToBlock right-pads (or truncates) b to exactly BlockSize bytes.
func padToBlock(b []byte) []byte {
	if len(b) == BlockSize {
		return b
	}
	out := make([]byte, BlockSize)
	copy(out, b)
	return out
}

// usePerBlockExtents reports whether the compression/encryption
// configuration requires single-block extents: the 24-byte Extent record
// stores one comp/enc algorithm pair for its whole run, so any run whose
// per-block compression outcome (store-if-shorter) could legitimately
// differ between blocks must be split one block per extent. See DESIGN.md
// for the tradeoff against calc_optimal_extent_size's multi-block growth.
func (h *Handle) usePerBlockExtents() bool {
	return (h.sb.CompEnabled != 0 && h.sb.CompDefaultAlgo != CompNone) || h.sb.EncEnabled != 0
}

// allocExtentsPerBlock allocates n individually-addressed single-block
// extents, rolling back everything already allocated on failure.
func (h *Handle) allocExtentsPerBlock(n uint32) (*ExtentIndex, error) {
	if n > maxExtents {
		return nil, fmt.Errorf("%w: file needs %d single-block extents, only %d available", ErrNoSpace, n, maxExtents)
	}
	ei := &ExtentIndex{}
	var built []Extent
	rollback := func() {
		for _, e := range built {
			h.freeBlocks(e.Physical, e.Length)
		}
	}
	for logical := uint32(0); logical < n; logical++ {
		phys, err := h.allocBlocks(1)
		if err != nil {
			rollback()
			return nil, err
		}
		built = append(built, Extent{Logical: logical, Length: 1, Physical: phys})
	}
	for i, e := range built {
		ei.Extents[i] = e
	}
	return ei, nil
}

// writeFileData reallocates ino's extents to hold data, running each
// logical block through the compress-then-encrypt write pipeline from
// §4.7, then updates ino's size/blocks/timestamps. ino is mutated but not
// itself persisted; callers write it back.
func (h *Handle) writeFileData(ino *Inode, data []byte) error {
	if ino.EIBlock != 0 {
		if oldEI, err := h.readExtentIndex(ino.EIBlock); err == nil {
			h.freeExtentIndex(oldEI)
		}
	}

	var nrBlocks uint32
	if len(data) > 0 {
		nrBlocks = (uint32(len(data)) + BlockSize - 1) / BlockSize
	}

	var ei *ExtentIndex
	var err error
	switch {
	case nrBlocks == 0:
		ei = &ExtentIndex{}
	case h.usePerBlockExtents():
		ei, err = h.allocExtentsPerBlock(nrBlocks)
	default:
		ei, err = h.allocExtentsForLength(nrBlocks)
	}
	if err != nil {
		return err
	}

	for i := range ei.Extents {
		e := &ei.Extents[i]
		if e.empty() {
			break
		}
		for b := uint32(0); b < e.Length; b++ {
			logical := e.Logical + b
			start := uint64(logical) * BlockSize
			end := start + BlockSize

			chunk := make([]byte, BlockSize)
			if start < uint64(len(data)) {
				n := end
				if n > uint64(len(data)) {
					n = uint64(len(data))
				}
				copy(chunk, data[start:n])
			}

			payload := chunk
			algo := uint16(CompNone)
			if h.sb.CompEnabled != 0 && h.sb.CompDefaultAlgo != CompNone {
				out, used, cerr := compressBlock(uint16(h.sb.CompDefaultAlgo), chunk)
				if cerr != nil {
					return cerr
				}
				payload = out
				algo = used
			}
			payload = padToBlock(payload)

			encAlgo := EncNone
			if h.sb.EncEnabled != 0 && h.sb.EncDefaultAlgo != EncNone {
				if !h.unlocked {
					return ErrLocked
				}
				enc, eerr := encryptBlock(h.sb.EncDefaultAlgo, h.masterKey, logical, payload)
				if eerr != nil {
					return eerr
				}
				payload = enc
				encAlgo = h.sb.EncDefaultAlgo
			}

			if err := h.dev.writeBlock(e.Physical+b, payload); err != nil {
				return err
			}

			if b == 0 {
				e.CompAlgo = algo
				e.EncAlgo = encAlgo
				var flags uint16
				if algo != CompNone {
					flags |= ExtentFlagCompressed
				}
				if encAlgo != EncNone {
					flags |= ExtentFlagEncrypted
				}
				e.Flags = flags
			}
		}
	}

	var eiBlock uint32
	if ino.EIBlock != 0 {
		eiBlock = ino.EIBlock
	} else if nrBlocks > 0 {
		blk, err := h.allocExtentIndexBlock()
		if err != nil {
			h.freeExtentIndex(ei)
			return err
		}
		eiBlock = blk
	}
	if eiBlock != 0 {
		if err := h.writeExtentIndex(eiBlock, ei); err != nil {
			return err
		}
	}
	ino.EIBlock = eiBlock

	var blocksUsed uint32
	for _, e := range ei.liveExtents() {
		blocksUsed += e.Length
	}
	ino.Size = uint64(len(data))
	ino.Blocks = blocksUsed
	now := nowSeconds()
	ino.Mtime = now
	ino.Ctime = now
	return nil
}
