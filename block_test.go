package lolelffs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBlockDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	dev, err := createBlockDevice(path, 16)
	if err != nil {
		t.Fatalf("createBlockDevice: %s", err)
	}
	defer dev.close()

	if dev.nrBlocks != 16 {
		t.Fatalf("nrBlocks = %d, want 16", dev.nrBlocks)
	}

	block := bytes.Repeat([]byte{0xAB}, BlockSize)
	if err := dev.writeBlock(3, block); err != nil {
		t.Fatalf("writeBlock: %s", err)
	}
	got, err := dev.readBlock(3)
	if err != nil {
		t.Fatalf("readBlock: %s", err)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("readBlock returned different data than written")
	}

	// An untouched block is zero-filled.
	zero, err := dev.readBlock(4)
	if err != nil {
		t.Fatalf("readBlock(4): %s", err)
	}
	if !bytes.Equal(zero, make([]byte, BlockSize)) {
		t.Fatalf("untouched block is not zero-filled")
	}
}

func TestBlockDeviceOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	dev, err := createBlockDevice(path, 4)
	if err != nil {
		t.Fatalf("createBlockDevice: %s", err)
	}
	defer dev.close()

	if _, err := dev.readBlock(4); err == nil {
		t.Fatalf("expected error reading out-of-range block")
	}
	if err := dev.writeBlock(4, make([]byte, BlockSize)); err == nil {
		t.Fatalf("expected error writing out-of-range block")
	}
}

func TestBlockDeviceWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	dev, err := createBlockDevice(path, 4)
	if err != nil {
		t.Fatalf("createBlockDevice: %s", err)
	}
	defer dev.close()

	if err := dev.writeBlock(0, make([]byte, BlockSize-1)); err == nil {
		t.Fatalf("expected error writing short block")
	}
}

func TestOpenBlockDeviceReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	dev, err := createBlockDevice(path, 4)
	if err != nil {
		t.Fatalf("createBlockDevice: %s", err)
	}
	dev.close()

	ro, err := openBlockDevice(path, true)
	if err != nil {
		t.Fatalf("openBlockDevice: %s", err)
	}
	defer ro.close()

	if err := ro.writeBlock(0, make([]byte, BlockSize)); err != ErrReadOnly {
		t.Fatalf("writeBlock on read-only device = %v, want ErrReadOnly", err)
	}
}

func TestOpenBlockDeviceBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	dev, err := createBlockDevice(path, 4)
	if err != nil {
		t.Fatalf("createBlockDevice: %s", err)
	}
	dev.close()

	// Truncate the file to a size that isn't a multiple of BlockSize.
	if err := os.Truncate(path, BlockSize+1); err != nil {
		t.Fatalf("os.Truncate: %s", err)
	}
	if _, err := openBlockDevice(path, false); err == nil {
		t.Fatalf("expected error opening misaligned image")
	}
}
