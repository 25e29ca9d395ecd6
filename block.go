package lolelffs

import (
	"fmt"
	"io"
	"os"
)

// BlockSize is the fixed unit of I/O and allocation for a lolelffs image.
const BlockSize = 4096

// BlockBackend is the storage interface a block device needs. *os.File
// satisfies it directly; it is exposed so callers (and tests) can supply
// an alternate backend, the way squashfs.New accepts a raw io.ReaderAt
// instead of requiring a file path.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// blockDevice reads and writes fixed-size blocks at byte offsets within the
// backing file. It enforces the block-size invariant and flushes every
// write before returning, matching the single-writer, no-write-back-cache
// model described for the core.
type blockDevice struct {
	f        BlockBackend
	readOnly bool
	nrBlocks uint32
}

// newBlockDeviceFromBackend wraps an already-open backend, skipping the
// path-based open/create steps. Used by OpenDevice.
func newBlockDeviceFromBackend(backend BlockBackend, nrBlocks uint32, readOnly bool) *blockDevice {
	return &blockDevice{f: backend, readOnly: readOnly, nrBlocks: nrBlocks}
}

func openBlockDevice(path string, readOnly bool) (*blockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("lolelffs: open backing file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lolelffs: stat backing file: %w", err)
	}
	if st.Size()%BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: image size %d is not a multiple of block size", ErrInvalidImage, st.Size())
	}
	return &blockDevice{f: f, readOnly: readOnly, nrBlocks: uint32(st.Size() / BlockSize)}, nil
}

func createBlockDevice(path string, nrBlocks uint32) (*blockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lolelffs: create backing file: %w", err)
	}
	if err := f.Truncate(int64(nrBlocks) * BlockSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("lolelffs: truncate backing file: %w", err)
	}
	return &blockDevice{f: f, nrBlocks: nrBlocks}, nil
}

func (b *blockDevice) close() error {
	return b.f.Close()
}

// readBlock reads exactly BlockSize bytes at block n.
func (b *blockDevice) readBlock(n uint32) ([]byte, error) {
	if n >= b.nrBlocks {
		return nil, fmt.Errorf("lolelffs: block %d out of range (%d total): %w", n, b.nrBlocks, io.ErrUnexpectedEOF)
	}
	buf := make([]byte, BlockSize)
	if _, err := b.f.ReadAt(buf, int64(n)*BlockSize); err != nil {
		return nil, fmt.Errorf("lolelffs: read block %d: %w", n, err)
	}
	return buf, nil
}

// writeBlock writes exactly BlockSize bytes at block n and flushes before returning.
func (b *blockDevice) writeBlock(n uint32, data []byte) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if n >= b.nrBlocks {
		return fmt.Errorf("lolelffs: block %d out of range (%d total): %w", n, b.nrBlocks, io.ErrUnexpectedEOF)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("lolelffs: write block %d: got %d bytes, want %d", n, len(data), BlockSize)
	}
	if _, err := b.f.WriteAt(data, int64(n)*BlockSize); err != nil {
		return fmt.Errorf("lolelffs: write block %d: %w", n, err)
	}
	return b.f.Sync()
}
