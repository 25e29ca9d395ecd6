package lolelffs

import (
	"path/filepath"
	"testing"
)

// newTestHandle creates a fresh image of nrBlocks blocks (minimum 100, per
// §6) and returns a writable handle, closing it automatically at test end.
func newTestHandle(t *testing.T, nrBlocks uint32, opts ...Option) *Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.lolelffs")
	h, err := Create(path, uint64(nrBlocks)*BlockSize, opts...)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}
