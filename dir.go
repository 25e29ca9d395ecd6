package lolelffs

import (
	"fmt"
	"strings"
)

// DirEntry is a directory listing result: an inode number, its name, and
// the decoded inode itself.
type DirEntry struct {
	Inode uint32
	Name  string
	Info  Inode
}

func marshalDirEntry(inode uint32, name string) []byte {
	buf := make([]byte, fileEntrySize)
	buf[0] = byte(inode)
	buf[1] = byte(inode >> 8)
	buf[2] = byte(inode >> 16)
	buf[3] = byte(inode >> 24)
	copy(buf[4:4+maxFilename-1], name)
	return buf
}

// unmarshalDirEntry decodes a 259-byte slot. A slot is free iff its first
// five bytes are zero.
func unmarshalDirEntry(buf []byte) (inode uint32, name string, free bool) {
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0 && buf[4] == 0 {
		return 0, "", true
	}
	inode = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	nameBytes := buf[4:fileEntrySize]
	nul := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			nul = i
			break
		}
	}
	return inode, string(nameBytes[:nul]), false
}

// dirBlocks walks every backing block of a directory's extent index, in
// logical order.
func (h *Handle) dirBlocks(dirIno Inode) ([]uint32, error) {
	if dirIno.EIBlock == 0 {
		return nil, nil
	}
	ei, err := h.readExtentIndex(dirIno.EIBlock)
	if err != nil {
		return nil, err
	}
	var blocks []uint32
	for _, e := range ei.liveExtents() {
		for b := uint32(0); b < e.Length; b++ {
			blocks = append(blocks, e.Physical+b)
		}
	}
	return blocks, nil
}

// ListDir returns every live entry of the directory inode dir.
func (h *Handle) ListDir(dir uint32) ([]DirEntry, error) {
	dirIno, err := h.ReadInode(dir)
	if err != nil {
		return nil, err
	}
	if !dirIno.isDir() {
		return nil, ErrNotDirectory
	}
	blocks, err := h.dirBlocks(dirIno)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, blk := range blocks {
		buf, err := h.dev.readBlock(blk)
		if err != nil {
			return nil, err
		}
		for slot := 0; slot < filesPerBlock; slot++ {
			off := slot * fileEntrySize
			inode, name, free := unmarshalDirEntry(buf[off : off+fileEntrySize])
			if free {
				continue
			}
			info, err := h.ReadInode(inode)
			if err != nil {
				return nil, err
			}
			out = append(out, DirEntry{Inode: inode, Name: name, Info: info})
		}
	}
	return out, nil
}

// Lookup resolves name within directory parent, returning its inode number.
func (h *Handle) Lookup(parent uint32, name string) (uint32, error) {
	dirIno, err := h.ReadInode(parent)
	if err != nil {
		return 0, err
	}
	if !dirIno.isDir() {
		return 0, ErrNotDirectory
	}
	blocks, err := h.dirBlocks(dirIno)
	if err != nil {
		return 0, err
	}
	for _, blk := range blocks {
		buf, err := h.dev.readBlock(blk)
		if err != nil {
			return 0, err
		}
		for slot := 0; slot < filesPerBlock; slot++ {
			off := slot * fileEntrySize
			inode, entName, free := unmarshalDirEntry(buf[off : off+fileEntrySize])
			if !free && entName == name {
				return inode, nil
			}
		}
	}
	return 0, ErrNotFound
}

// addDirEntry adds (name -> inode) to directory parent, per §4.8. It
// rejects overlong names and duplicates, reuses the first free slot, and
// otherwise grows the directory by one backing block.
func (h *Handle) addDirEntry(parent uint32, name string, inode uint32) error {
	if len(name) >= maxFilename {
		return ErrTooLong
	}
	dirIno, err := h.ReadInode(parent)
	if err != nil {
		return err
	}
	if !dirIno.isDir() {
		return ErrNotDirectory
	}

	if dirIno.EIBlock == 0 {
		blk, err := h.allocExtentIndexBlock()
		if err != nil {
			return err
		}
		dirIno.EIBlock = blk
	}
	ei, err := h.readExtentIndex(dirIno.EIBlock)
	if err != nil {
		return err
	}

	// Reject duplicates, and locate the first free slot along the way.
	var freeBlock uint32
	haveFreeSlot := false
	for _, e := range ei.liveExtents() {
		for b := uint32(0); b < e.Length; b++ {
			blk := e.Physical + b
			buf, err := h.dev.readBlock(blk)
			if err != nil {
				return err
			}
			for slot := 0; slot < filesPerBlock; slot++ {
				off := slot * fileEntrySize
				_, entName, free := unmarshalDirEntry(buf[off : off+fileEntrySize])
				if free {
					if !haveFreeSlot {
						freeBlock = blk
						haveFreeSlot = true
					}
					continue
				}
				if entName == name {
					return ErrExists
				}
			}
		}
	}

	if !haveFreeSlot {
		live := ei.liveExtents()
		if len(live) >= maxExtents {
			return ErrNoSpace
		}
		blk, err := h.allocExtentIndexBlock()
		if err != nil {
			return err
		}
		var nextLogical uint32
		if len(live) > 0 {
			last := live[len(live)-1]
			nextLogical = last.Logical + last.Length
		}
		ei.Extents[len(live)] = Extent{Logical: nextLogical, Length: 1, Physical: blk}
		freeBlock = blk
		dirIno.Blocks++
	}

	buf, err := h.dev.readBlock(freeBlock)
	if err != nil {
		return err
	}
	for slot := 0; slot < filesPerBlock; slot++ {
		off := slot * fileEntrySize
		_, _, free := unmarshalDirEntry(buf[off : off+fileEntrySize])
		if free {
			copy(buf[off:off+fileEntrySize], marshalDirEntry(inode, name))
			if err := h.dev.writeBlock(freeBlock, buf); err != nil {
				return err
			}
			break
		}
	}

	ei.NrFiles++
	if err := h.writeExtentIndex(dirIno.EIBlock, ei); err != nil {
		return err
	}

	dirIno.Size += fileEntrySize
	now := nowSeconds()
	dirIno.Mtime = now
	dirIno.Ctime = now
	return h.WriteInode(parent, dirIno)
}

// removeDirEntry zeroes the matching slot. It does not compact other slots,
// per §4.8 and the directory-compaction design note in §9. The only backing
// block it releases is the directory's last one, and only when that block is
// a single-block extent left with no entries; emptied blocks elsewhere stay
// allocated.
func (h *Handle) removeDirEntry(parent uint32, name string) error {
	dirIno, err := h.ReadInode(parent)
	if err != nil {
		return err
	}
	if !dirIno.isDir() {
		return ErrNotDirectory
	}
	if dirIno.EIBlock == 0 {
		return ErrNotFound
	}
	ei, err := h.readExtentIndex(dirIno.EIBlock)
	if err != nil {
		return err
	}
	live := ei.liveExtents()
	for idx, e := range live {
		for b := uint32(0); b < e.Length; b++ {
			blk := e.Physical + b
			buf, err := h.dev.readBlock(blk)
			if err != nil {
				return err
			}
			for slot := 0; slot < filesPerBlock; slot++ {
				off := slot * fileEntrySize
				_, entName, free := unmarshalDirEntry(buf[off : off+fileEntrySize])
				if free || entName != name {
					continue
				}
				for i := 0; i < fileEntrySize; i++ {
					buf[off+i] = 0
				}
				if err := h.dev.writeBlock(blk, buf); err != nil {
					return err
				}
				ei.NrFiles--
				trailingEmpty := idx == len(live)-1 && e.Length == 1
				for s := 0; trailingEmpty && s < filesPerBlock; s++ {
					_, _, trailingEmpty = unmarshalDirEntry(buf[s*fileEntrySize : (s+1)*fileEntrySize])
				}
				if trailingEmpty {
					h.freeBlocks(blk, 1)
					ei.Extents[idx] = Extent{}
					dirIno.Blocks--
				}
				if err := h.writeExtentIndex(dirIno.EIBlock, ei); err != nil {
					return err
				}
				now := nowSeconds()
				dirIno.Mtime = now
				dirIno.Ctime = now
				return h.WriteInode(parent, dirIno)
			}
		}
	}
	return ErrNotFound
}

// Mkdir creates a new, empty directory named name inside parent.
func (h *Handle) Mkdir(parent uint32, name string) (uint32, error) {
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
	eiBlock, err := h.allocExtentIndexBlock()
	if err != nil {
		h.freeInode(ino)
		return 0, err
	}

	now := nowSeconds()
	newDir := Inode{
		Mode:    S_IFDIR | 0o755,
		Nlink:   2,
		EIBlock: eiBlock,
		Ctime:   now,
		Atime:   now,
		Mtime:   now,
	}
	if err := h.WriteInode(ino, newDir); err != nil {
		h.freeBlocks(eiBlock, 1)
		h.freeInode(ino)
		return 0, err
	}

	if err := h.addDirEntry(parent, name, ino); err != nil {
		h.freeBlocks(eiBlock, 1)
		h.freeInode(ino)
		return 0, err
	}

	parentIno, err = h.ReadInode(parent)
	if err != nil {
		return 0, err
	}
	parentIno.Nlink++
	if err := h.WriteInode(parent, parentIno); err != nil {
		return 0, err
	}

	return ino, nil
}

// Rmdir removes an empty directory named name from parent.
func (h *Handle) Rmdir(parent uint32, name string) error {
	target, err := h.Lookup(parent, name)
	if err != nil {
		return err
	}
	targetIno, err := h.ReadInode(target)
	if err != nil {
		return err
	}
	if !targetIno.isDir() {
		return ErrNotDirectory
	}
	entries, err := h.ListDir(target)
	if err != nil {
		return err
	}
	if len(entries) != 0 {
		return ErrNotEmpty
	}

	if err := h.removeDirEntry(parent, name); err != nil {
		return err
	}

	if targetIno.EIBlock != 0 {
		ei, err := h.readExtentIndex(targetIno.EIBlock)
		if err != nil {
			return err
		}
		h.freeExtentIndex(ei)
		h.freeBlocks(targetIno.EIBlock, 1)
	}
	if err := h.freeInode(target); err != nil {
		return err
	}

	parentIno, err := h.ReadInode(parent)
	if err != nil {
		return err
	}
	parentIno.Nlink--
	return h.WriteInode(parent, parentIno)
}

// ResolvePath splits path on "/", skips empty and "." components, rejects
// "..", and walks Lookup from the root inode. Per §4.8 and the §9 design
// note, parent-directory traversal is unsupported.
func (h *Handle) ResolvePath(path string) (uint32, error) {
	cur := RootInode
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			return 0, fmt.Errorf("lolelffs: resolve_path: %w: %q", ErrNotFound, "..")
		}
		next, err := h.Lookup(cur, comp)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}
