package lolelffs

import (
	"path/filepath"
	"testing"
)

// TestMkfsAndRootListing is §8 scenario 1.
func TestMkfsAndRootListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.lolelffs")
	h, err := Create(path, 1_048_576)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	defer h.Close()

	stats := h.Statfs()
	if stats.TotalBlocks != 256 {
		t.Fatalf("TotalBlocks = %d, want 256", stats.TotalBlocks)
	}
	if stats.FreeInodes != stats.TotalInodes-1 {
		t.Fatalf("FreeInodes = %d, want %d", stats.FreeInodes, stats.TotalInodes-1)
	}
	entries, err := h.ListDir(RootInode)
	if err != nil {
		t.Fatalf("ListDir: %s", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ListDir(root) = %v, want empty", entries)
	}
}

func TestCreateRejectsUndersizedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.lolelffs")
	if _, err := Create(path, 10*BlockSize); err == nil {
		t.Fatalf("expected error creating an image below the minimum size")
	}
}

func TestOpenReadOnlyRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.lolelffs")
	h, err := Create(path, 200*BlockSize)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	h.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %s", err)
	}
	defer ro.Close()

	if _, err := ro.CreateFile(RootInode, "x"); err != ErrReadOnly {
		t.Fatalf("CreateFile on read-only handle = %v, want ErrReadOnly", err)
	}
}

func TestReopenPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.lolelffs")
	h, err := Create(path, 200*BlockSize)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	ino, err := h.CreateFile(RootInode, "persisted")
	if err != nil {
		t.Fatalf("CreateFile: %s", err)
	}
	if err := h.WriteFile(ino, []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	h.Close()

	h2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer h2.Close()

	got, err := h2.ReadFile(ino)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadFile after reopen = %q, want %q", got, "hello")
	}
}

func TestRootInodeForBridgeOffByOne(t *testing.T) {
	h := newTestHandle(t, 200)
	if h.RootInodeForBridge() != RootInode+1 {
		t.Fatalf("RootInodeForBridge = %d, want %d", h.RootInodeForBridge(), RootInode+1)
	}
}
