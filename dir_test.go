package lolelffs

import "testing"

func TestRootIsEmptyDirectory(t *testing.T) {
	h := newTestHandle(t, 256)
	entries, err := h.ListDir(RootInode)
	if err != nil {
		t.Fatalf("ListDir(root): %s", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root has %d entries, want 0", len(entries))
	}
}

func TestMkdirLookupRmdir(t *testing.T) {
	h := newTestHandle(t, 256)
	freeInodesBefore := h.sb.FreeInodes
	freeBlocksBefore := h.sb.FreeBlocks

	dirIno, err := h.Mkdir(RootInode, "a")
	if err != nil {
		t.Fatalf("Mkdir: %s", err)
	}
	got, err := h.Lookup(RootInode, "a")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}
	if got != dirIno {
		t.Fatalf("Lookup returned %d, want %d", got, dirIno)
	}

	fileIno, err := h.CreateFile(dirIno, "b")
	if err != nil {
		t.Fatalf("CreateFile: %s", err)
	}

	resolved, err := h.ResolvePath("/a/b")
	if err != nil {
		t.Fatalf("ResolvePath: %s", err)
	}
	if resolved != fileIno {
		t.Fatalf("ResolvePath(/a/b) = %d, want %d", resolved, fileIno)
	}

	if err := h.Rmdir(RootInode, "a"); err != ErrNotEmpty {
		t.Fatalf("Rmdir of non-empty dir = %v, want ErrNotEmpty", err)
	}

	if err := h.Unlink(dirIno, "b"); err != nil {
		t.Fatalf("Unlink: %s", err)
	}
	if err := h.Rmdir(RootInode, "a"); err != nil {
		t.Fatalf("Rmdir: %s", err)
	}

	if h.sb.FreeInodes != freeInodesBefore {
		t.Fatalf("FreeInodes = %d after mkdir+rmdir, want %d", h.sb.FreeInodes, freeInodesBefore)
	}
	if h.sb.FreeBlocks != freeBlocksBefore {
		t.Fatalf("FreeBlocks = %d after mkdir+rmdir, want %d", h.sb.FreeBlocks, freeBlocksBefore)
	}

	rootIno, err := h.ReadInode(RootInode)
	if err != nil {
		t.Fatalf("ReadInode(root): %s", err)
	}
	if rootIno.Nlink != 2 {
		t.Fatalf("root Nlink = %d after mkdir+rmdir, want 2", rootIno.Nlink)
	}
}

func TestAddDirEntryRejectsLongNameAndDuplicate(t *testing.T) {
	h := newTestHandle(t, 256)

	longName := make([]byte, maxFilename)
	for i := range longName {
		longName[i] = 'x'
	}
	if _, err := h.CreateFile(RootInode, string(longName)); err != ErrTooLong {
		t.Fatalf("CreateFile with overlong name = %v, want ErrTooLong", err)
	}

	if _, err := h.CreateFile(RootInode, "dup"); err != nil {
		t.Fatalf("CreateFile: %s", err)
	}
	if _, err := h.CreateFile(RootInode, "dup"); err != ErrExists {
		t.Fatalf("CreateFile duplicate = %v, want ErrExists", err)
	}
}

func TestRemoveDirEntryDoesNotCompact(t *testing.T) {
	h := newTestHandle(t, 256)
	if _, err := h.CreateFile(RootInode, "keep"); err != nil {
		t.Fatalf("CreateFile: %s", err)
	}
	if err := h.Unlink(RootInode, "keep"); err != nil {
		t.Fatalf("Unlink: %s", err)
	}
	if _, err := h.CreateFile(RootInode, "reuse"); err != nil {
		t.Fatalf("CreateFile into freed slot: %s", err)
	}
	entries, err := h.ListDir(RootInode)
	if err != nil {
		t.Fatalf("ListDir: %s", err)
	}
	if len(entries) != 1 || entries[0].Name != "reuse" {
		t.Fatalf("ListDir = %+v, want a single entry named reuse", entries)
	}
}

func TestResolvePathRejectsDotDot(t *testing.T) {
	h := newTestHandle(t, 256)
	if _, err := h.ResolvePath("a/../b"); err == nil {
		t.Fatalf("expected error resolving a path containing ..")
	}
}

func TestResolvePathSkipsDotAndEmpty(t *testing.T) {
	h := newTestHandle(t, 256)
	dirIno, err := h.Mkdir(RootInode, "x")
	if err != nil {
		t.Fatalf("Mkdir: %s", err)
	}
	got, err := h.ResolvePath("./x/.")
	if err != nil {
		t.Fatalf("ResolvePath: %s", err)
	}
	if got != dirIno {
		t.Fatalf("ResolvePath(./x/.) = %d, want %d", got, dirIno)
	}
}

func TestDirectoryFullFailsNoSpace(t *testing.T) {
	h := newTestHandle(t, 256)
	dirIno, err := h.Mkdir(RootInode, "full")
	if err != nil {
		t.Fatalf("Mkdir: %s", err)
	}

	// Fill every slot of maxExtents backing blocks by hand so the
	// directory's EI is fully populated with non-empty extents, without
	// burning every free inode doing it through CreateFile.
	dir, err := h.ReadInode(dirIno)
	if err != nil {
		t.Fatalf("ReadInode: %s", err)
	}
	ei := &ExtentIndex{}
	for i := 0; i < maxExtents; i++ {
		blk, err := h.allocExtentIndexBlock()
		if err != nil {
			t.Fatalf("allocExtentIndexBlock: %s", err)
		}
		// Mark every slot in the block as occupied so addDirEntry must grow.
		buf, err := h.dev.readBlock(blk)
		if err != nil {
			t.Fatalf("readBlock: %s", err)
		}
		for slot := 0; slot < filesPerBlock; slot++ {
			off := slot * fileEntrySize
			buf[off] = 1 // nonzero inode number marks the slot used
		}
		if err := h.dev.writeBlock(blk, buf); err != nil {
			t.Fatalf("writeBlock: %s", err)
		}
		ei.Extents[i] = Extent{Logical: uint32(i), Length: 1, Physical: blk}
	}
	if err := h.writeExtentIndex(dir.EIBlock, ei); err != nil {
		t.Fatalf("writeExtentIndex: %s", err)
	}

	if err := h.addDirEntry(dirIno, "one-too-many", RootInode); err != ErrNoSpace {
		t.Fatalf("addDirEntry on a full directory = %v, want ErrNoSpace", err)
	}
}
