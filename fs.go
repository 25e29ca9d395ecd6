package lolelffs

import (
	"crypto/rand"
	"fmt"
	"time"
)

// minTotalBlocks is the smallest image size Create accepts, per §6.
const minTotalBlocks = 100

// Handle is the single facade through which every public operation is
// reached. It owns the backing file, the in-memory superblock, and, once
// unlocked, the in-memory master key. Multiple handles must not coexist
// mutably over the same file, per §5.
type Handle struct {
	dev      *blockDevice
	sb       *Superblock
	regions  Regions
	readOnly bool
	unlocked bool

	masterKey []byte
}

func nowSeconds() uint32 { return uint32(time.Now().Unix()) }

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// createConfig collects the options passed to Create.
type createConfig struct {
	compEnabled      bool
	compAlgo         uint16
	compMinBlockSize uint32
	compMaxExtentRun uint32

	encEnabled    bool
	encPassword   string
	encAlgo       uint8
	encIterations uint32
}

// defaultCreateConfig matches §6's persisted-state compatibility note:
// compression is enabled by default with LZ4 as the default algorithm.
func defaultCreateConfig() createConfig {
	return createConfig{
		compEnabled:      true,
		compAlgo:         CompLZ4,
		compMinBlockSize: BlockSize,
		compMaxExtentRun: 16,
	}
}

// Option configures a filesystem image at creation time.
type Option func(*createConfig)

// WithCompression enables per-block compression with the given default
// algorithm (CompLZ4, CompZlib or CompZstd).
func WithCompression(algo uint16) Option {
	return func(c *createConfig) {
		c.compEnabled = true
		c.compAlgo = algo
	}
}

// WithoutCompression disables compression; all blocks are stored plain.
func WithoutCompression() Option {
	return func(c *createConfig) {
		c.compEnabled = false
		c.compAlgo = CompNone
	}
}

// WithMaxExtentRun caps the block count of any single allocated extent.
func WithMaxExtentRun(n uint32) Option {
	return func(c *createConfig) { c.compMaxExtentRun = n }
}

// WithEncryption enables per-block encryption with a password-derived
// master key, per §4.6.
func WithEncryption(password string, algo uint8, iterations uint32) Option {
	return func(c *createConfig) {
		c.encEnabled = true
		c.encPassword = password
		c.encAlgo = algo
		c.encIterations = iterations
	}
}

// Create formats a new image at path of the given size in bytes and
// returns a handle to it, per §6's mkfs layout.
func Create(path string, size uint64, opts ...Option) (*Handle, error) {
	cfg := defaultCreateConfig()
	for _, o := range opts {
		o(&cfg)
	}

	totalBlocks := uint32(size / BlockSize)
	if totalBlocks < minTotalBlocks {
		return nil, fmt.Errorf("lolelffs: image must be at least %d blocks, got %d", minTotalBlocks, totalBlocks)
	}

	totalInodes := totalBlocks
	sb := &Superblock{
		Magic:            Magic,
		Version:          FormatVersion,
		TotalBlocks:      totalBlocks,
		TotalInodes:      totalInodes,
		NrIstoreBlocks:   ceilDiv(totalInodes, inodesPerBlock),
		NrIfreeBlocks:    ceilDiv(totalInodes, bitsPerBlock),
		NrBfreeBlocks:    ceilDiv(totalBlocks, bitsPerBlock),
		BlockSize:        BlockSize,
		CompMinBlockSize: cfg.compMinBlockSize,
		CompMaxExtentRun: cfg.compMaxExtentRun,
	}
	if cfg.compEnabled {
		sb.CompEnabled = 1
		sb.CompDefaultAlgo = uint8(cfg.compAlgo)
	}

	var masterKey []byte
	if cfg.encEnabled {
		var salt [saltSize]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("lolelffs: generate salt: %w", err)
		}
		masterKey = make([]byte, masterKeySize)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, fmt.Errorf("lolelffs: generate master key: %w", err)
		}
		userKey := deriveUserKey(cfg.encPassword, salt, cfg.encIterations)
		wrapped, err := wrapMasterKey(userKey, masterKey)
		if err != nil {
			return nil, err
		}
		sb.EncEnabled = 1
		sb.EncDefaultAlgo = cfg.encAlgo
		sb.EncKDFID = KDFPBKDF2SHA256
		sb.EncIterations = cfg.encIterations
		sb.EncSalt = salt
		sb.EncWrappedKey = wrapped
	}

	regions := sb.Regions()
	dataStart := regions.DataStart
	sb.FreeInodes = totalInodes - 1
	sb.FreeBlocks = totalBlocks - (dataStart + 1)

	dev, err := createBlockDevice(path, totalBlocks)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		dev:       dev,
		sb:        sb,
		regions:   regions,
		unlocked:  !cfg.encEnabled,
		masterKey: masterKey,
	}

	if err := h.initBitmaps(); err != nil {
		dev.close()
		return nil, err
	}
	if err := h.writeSuperblock(); err != nil {
		dev.close()
		return nil, err
	}

	emptyEI := &ExtentIndex{}
	if err := h.writeExtentIndex(dataStart, emptyEI); err != nil {
		dev.close()
		return nil, err
	}

	now := nowSeconds()
	root := Inode{
		Mode:    S_IFDIR | 0o755,
		Nlink:   2,
		EIBlock: dataStart,
		Ctime:   now,
		Atime:   now,
		Mtime:   now,
	}
	if err := h.WriteInode(RootInode, root); err != nil {
		dev.close()
		return nil, err
	}

	return h, nil
}

// initBitmaps writes fresh 0xFF bitmap blocks with the reserved bits
// pre-cleared, per §6: inode 0 and bits past nr_inodes in the inode-free
// bitmap; the metadata region plus the root EI block and bits past
// total_blocks in the block-free bitmap.
func (h *Handle) initBitmaps() error {
	for i := uint32(0); i < h.sb.NrIfreeBlocks; i++ {
		buf := fullBitmapBlock()
		for idx := i * bitsPerBlock; idx < (i+1)*bitsPerBlock; idx++ {
			if idx == 0 || idx >= h.sb.TotalInodes {
				_, byteOff, bit := bitIndex(idx - i*bitsPerBlock)
				bitSet(buf, byteOff, bit, false)
			}
		}
		if err := h.writeBitmapBlock(h.regions.InodeFreeStart, i, buf); err != nil {
			return err
		}
	}

	reservedThrough := h.regions.DataStart + 1 // metadata region + root EI block
	for i := uint32(0); i < h.sb.NrBfreeBlocks; i++ {
		buf := fullBitmapBlock()
		for idx := i * bitsPerBlock; idx < (i+1)*bitsPerBlock; idx++ {
			if idx < reservedThrough || idx >= h.sb.TotalBlocks {
				_, byteOff, bit := bitIndex(idx - i*bitsPerBlock)
				bitSet(buf, byteOff, bit, false)
			}
		}
		if err := h.writeBitmapBlock(h.regions.BlockFreeStart, i, buf); err != nil {
			return err
		}
	}
	return nil
}

func fullBitmapBlock() []byte {
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

// Open opens an existing image for reading and writing.
func Open(path string) (*Handle, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing image for reading only; every mutating
// operation on the returned handle fails with ErrReadOnly.
func OpenReadOnly(path string) (*Handle, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Handle, error) {
	dev, err := openBlockDevice(path, readOnly)
	if err != nil {
		return nil, err
	}
	buf, err := dev.readBlock(0)
	if err != nil {
		dev.close()
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		dev.close()
		return nil, err
	}
	return newHandle(dev, sb, readOnly), nil
}

// OpenDevice opens an image already available as a BlockBackend rather
// than a file path, the way squashfs.New accepts a raw io.ReaderAt instead
// of a path. Tests use this to substitute a mock backend for I/O fault
// injection without going through the filesystem.
func OpenDevice(backend BlockBackend, readOnly bool) (*Handle, error) {
	head := make([]byte, BlockSize)
	if _, err := backend.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("lolelffs: read superblock: %w", err)
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}
	dev := newBlockDeviceFromBackend(backend, sb.TotalBlocks, readOnly)
	return newHandle(dev, sb, readOnly), nil
}

func newHandle(dev *blockDevice, sb *Superblock, readOnly bool) *Handle {
	return &Handle{
		dev:      dev,
		sb:       sb,
		regions:  sb.Regions(),
		readOnly: readOnly,
		unlocked: sb.EncEnabled == 0,
	}
}

// Close releases the backing file. It does not flush anything extra:
// every write is already synced when it returns, per §5.
func (h *Handle) Close() error {
	return h.dev.close()
}

func (h *Handle) writeSuperblock() error {
	if h.readOnly {
		return ErrReadOnly
	}
	buf, err := h.sb.MarshalBinary()
	if err != nil {
		return err
	}
	return h.dev.writeBlock(0, buf)
}

// FilesystemStats is the result of Statfs.
type FilesystemStats struct {
	TotalBlocks uint32
	FreeBlocks  uint32
	TotalInodes uint32
	FreeInodes  uint32
	BlockSize   uint32
}

// Statfs returns the current allocator counters from the superblock.
func (h *Handle) Statfs() FilesystemStats {
	return FilesystemStats{
		TotalBlocks: h.sb.TotalBlocks,
		FreeBlocks:  h.sb.FreeBlocks,
		TotalInodes: h.sb.TotalInodes,
		FreeInodes:  h.sb.FreeInodes,
		BlockSize:   BlockSize,
	}
}

// Unlock re-derives the user key from password and unwraps the master
// key into memory, per §4.6. It does not itself verify the password: a
// wrong password unwraps to the wrong master key, which only surfaces on
// the first subsequent read. Under ChaCha20-Poly1305 that read fails with
// ErrAuthFailed; under AES-256-XTS the block decrypts to garbage without
// error, and a block that was compressed on write then fails to decompress
// with ErrCorruption.
func (h *Handle) Unlock(password string) error {
	if h.sb.EncEnabled == 0 {
		h.unlocked = true
		return nil
	}
	userKey := deriveUserKey(password, h.sb.EncSalt, h.sb.EncIterations)
	masterKey, err := unwrapMasterKey(userKey, h.sb.EncWrappedKey)
	if err != nil {
		return err
	}
	h.masterKey = masterKey
	h.unlocked = true
	return nil
}

// RootInodeForBridge returns the root inode number translated for POSIX
// bridges that require root == 1, per §6's identifier-mapping note. The
// core itself always uses RootInode (0).
func (h *Handle) RootInodeForBridge() uint32 {
	return RootInode + 1
}
