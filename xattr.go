package lolelffs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Extended attribute namespaces, per §3/§4.9.
const (
	NamespaceUser     uint8 = 0
	NamespaceTrusted  uint8 = 1
	NamespaceSystem   uint8 = 2
	NamespaceSecurity uint8 = 3
)

var namespacePrefixes = map[uint8]string{
	NamespaceUser:     "user.",
	NamespaceTrusted:  "trusted.",
	NamespaceSystem:   "system.",
	NamespaceSecurity: "security.",
}

var prefixNamespaces = map[string]uint8{
	"user.":     NamespaceUser,
	"trusted.":  NamespaceTrusted,
	"system.":   NamespaceSystem,
	"security.": NamespaceSecurity,
}

// splitXattrName splits a namespaced attribute name (e.g. "user.comment")
// into its namespace index and bare suffix.
func splitXattrName(name string) (ns uint8, suffix string, err error) {
	for prefix, idx := range prefixNamespaces {
		if strings.HasPrefix(name, prefix) {
			return idx, name[len(prefix):], nil
		}
	}
	return 0, "", fmt.Errorf("%w: xattr name %q has no recognized namespace prefix", ErrCorruption, name)
}

type xattrRecord struct {
	Namespace uint8
	Name      string
	Value     []byte
}

// xattrIndexBlock is the xattr index's on-disk shape: a (total_size, count)
// header, distinct from the plain (nr_files) header used by file/directory
// extent indices, followed by the same 170-extent array, per §3.
type xattrIndexBlock struct {
	TotalSize uint32
	Count     uint32
	Extents   [maxExtents]Extent
}

func (xi *xattrIndexBlock) liveExtents() []Extent {
	out := make([]Extent, 0, maxExtents)
	for _, e := range xi.Extents {
		if e.empty() {
			break
		}
		out = append(out, e)
	}
	return out
}

func (xi *xattrIndexBlock) marshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, xi.TotalSize); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, xi.Count); err != nil {
		return nil, err
	}
	for _, e := range xi.Extents {
		if err := marshalExtent(&buf, e); err != nil {
			return nil, fmt.Errorf("lolelffs: encode xattr index: %w", err)
		}
	}
	if buf.Len() != xattrIndexHeaderSize+maxExtents*extentSize {
		return nil, fmt.Errorf("lolelffs: xattr index encoded to %d bytes", buf.Len())
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

func unmarshalXattrIndexBlock(data []byte) (*xattrIndexBlock, error) {
	if len(data) < xattrIndexHeaderSize+maxExtents*extentSize {
		return nil, fmt.Errorf("%w: xattr index truncated", ErrCorruption)
	}
	r := bytes.NewReader(data)
	xi := &xattrIndexBlock{}
	if err := binary.Read(r, binary.LittleEndian, &xi.TotalSize); err != nil {
		return nil, fmt.Errorf("%w: decode xattr index header: %v", ErrCorruption, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &xi.Count); err != nil {
		return nil, fmt.Errorf("%w: decode xattr index header: %v", ErrCorruption, err)
	}
	for i := 0; i < maxExtents; i++ {
		e, err := unmarshalExtent(r)
		if err != nil {
			return nil, fmt.Errorf("%w: decode xattr extent %d: %v", ErrCorruption, i, err)
		}
		xi.Extents[i] = e
	}
	return xi, nil
}

func (h *Handle) readXattrIndexBlock(blockNum uint32) (*xattrIndexBlock, error) {
	buf, err := h.dev.readBlock(blockNum)
	if err != nil {
		return nil, err
	}
	return unmarshalXattrIndexBlock(buf)
}

func (h *Handle) writeXattrIndexBlock(blockNum uint32, xi *xattrIndexBlock) error {
	buf, err := xi.marshalBinary()
	if err != nil {
		return err
	}
	return h.dev.writeBlock(blockNum, buf)
}

// marshalXattrRecords packs records sequentially, each as a 12-byte header,
// NUL-terminated name, and value bytes, ending with a zero header, per §3.
func marshalXattrRecords(records []xattrRecord) []byte {
	var buf []byte
	for _, r := range records {
		header := make([]byte, xattrRecordHeaderSize)
		header[0] = byte(len(r.Name))
		header[1] = r.Namespace
		header[2] = byte(len(r.Value))
		header[3] = byte(len(r.Value) >> 8)
		valueOffset := uint32(xattrRecordHeaderSize + len(r.Name) + 1)
		header[4] = byte(valueOffset)
		header[5] = byte(valueOffset >> 8)
		header[6] = byte(valueOffset >> 16)
		header[7] = byte(valueOffset >> 24)
		// header[8:12] reserved, left zero.
		buf = append(buf, header...)
		buf = append(buf, []byte(r.Name)...)
		buf = append(buf, 0)
		buf = append(buf, r.Value...)
	}
	// terminator: a zeroed 12-byte header with NameLen==0 && ValueLen==0.
	buf = append(buf, make([]byte, xattrRecordHeaderSize)...)
	return buf
}

// unmarshalXattrRecords parses the packed sequence up to totalSize bytes,
// stopping at the terminator header.
func unmarshalXattrRecords(data []byte, totalSize uint32) ([]xattrRecord, error) {
	if uint32(len(data)) < totalSize {
		return nil, fmt.Errorf("%w: xattr data shorter than declared total size", ErrCorruption)
	}
	data = data[:totalSize]

	var records []xattrRecord
	pos := 0
	for {
		if pos+xattrRecordHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: xattr record header truncated", ErrCorruption)
		}
		header := data[pos : pos+xattrRecordHeaderSize]
		nameLen := int(header[0])
		namespace := header[1]
		valueLen := int(header[2]) | int(header[3])<<8
		if nameLen == 0 && valueLen == 0 {
			return records, nil
		}
		if int(namespace) >= len(namespacePrefixes) {
			return nil, fmt.Errorf("%w: xattr namespace index %d out of range", ErrCorruption, namespace)
		}
		nameStart := pos + xattrRecordHeaderSize
		nameEnd := nameStart + nameLen
		if nameEnd+1 > len(data) {
			return nil, fmt.Errorf("%w: xattr name extends beyond data", ErrCorruption)
		}
		name := string(data[nameStart:nameEnd])
		valueStart := nameEnd + 1
		valueEnd := valueStart + valueLen
		if valueEnd > len(data) {
			return nil, fmt.Errorf("%w: xattr value extends beyond data", ErrCorruption)
		}
		value := append([]byte(nil), data[valueStart:valueEnd]...)
		records = append(records, xattrRecord{Namespace: namespace, Name: name, Value: value})
		pos = valueEnd
	}
}

// readXattrData concatenates every backing block of the xattr index and
// trims to the index's declared TotalSize.
func (h *Handle) readXattrData(xi *xattrIndexBlock) ([]byte, error) {
	var buf []byte
	for _, e := range xi.liveExtents() {
		for b := uint32(0); b < e.Length; b++ {
			data, err := h.dev.readBlock(e.Physical + b)
			if err != nil {
				return nil, err
			}
			buf = append(buf, data...)
		}
	}
	if uint32(len(buf)) < xi.TotalSize {
		return nil, fmt.Errorf("%w: xattr data shorter than declared total size", ErrCorruption)
	}
	return buf[:xi.TotalSize], nil
}

// writeXattrRecords replaces the inode's xattr data with records, allocating
// fresh extents sized to ceil(len(data)/BlockSize) and freeing the old ones,
// per §4.9 set/remove.
func (h *Handle) writeXattrRecords(ino *Inode, records []xattrRecord) error {
	if len(records) == 0 {
		if ino.XattrBlock != 0 {
			xi, err := h.readXattrIndexBlock(ino.XattrBlock)
			if err != nil {
				return err
			}
			for _, e := range xi.liveExtents() {
				h.freeBlocks(e.Physical, e.Length)
			}
			h.freeBlocks(ino.XattrBlock, 1)
			ino.XattrBlock = 0
		}
		return nil
	}

	packed := marshalXattrRecords(records)
	nrBlocks := (uint32(len(packed)) + BlockSize - 1) / BlockSize
	if nrBlocks == 0 {
		nrBlocks = 1
	}

	var oldXattrBlock uint32
	if ino.XattrBlock != 0 {
		oldXattrBlock = ino.XattrBlock
		oldXI, err := h.readXattrIndexBlock(oldXattrBlock)
		if err != nil {
			return err
		}
		for _, e := range oldXI.liveExtents() {
			h.freeBlocks(e.Physical, e.Length)
		}
	}

	dataExtents, err := h.allocExtentsForLength(nrBlocks)
	if err != nil {
		return err
	}

	padded := make([]byte, nrBlocks*BlockSize)
	copy(padded, packed)
	for _, e := range dataExtents.liveExtents() {
		for b := uint32(0); b < e.Length; b++ {
			logical := e.Logical + b
			blockData := padded[logical*BlockSize : (logical+1)*BlockSize]
			if err := h.dev.writeBlock(e.Physical+b, blockData); err != nil {
				return err
			}
		}
	}

	var xiBlock uint32
	if oldXattrBlock != 0 {
		xiBlock = oldXattrBlock
	} else {
		xiBlock, err = h.allocExtentIndexBlock()
		if err != nil {
			return err
		}
	}
	xi := &xattrIndexBlock{TotalSize: uint32(len(packed)), Count: uint32(len(records))}
	copy(xi.Extents[:], dataExtents.Extents[:])
	if err := h.writeXattrIndexBlock(xiBlock, xi); err != nil {
		return err
	}
	ino.XattrBlock = xiBlock
	return nil
}

func (h *Handle) loadXattrs(ino Inode) ([]xattrRecord, error) {
	if ino.XattrBlock == 0 {
		return nil, nil
	}
	xi, err := h.readXattrIndexBlock(ino.XattrBlock)
	if err != nil {
		return nil, err
	}
	data, err := h.readXattrData(xi)
	if err != nil {
		return nil, err
	}
	return unmarshalXattrRecords(data, xi.TotalSize)
}

// GetXattr returns the value stored for name on inode n.
func (h *Handle) GetXattr(n uint32, name string) ([]byte, error) {
	ns, suffix, err := splitXattrName(name)
	if err != nil {
		return nil, err
	}
	ino, err := h.ReadInode(n)
	if err != nil {
		return nil, err
	}
	if ino.XattrBlock == 0 {
		return nil, ErrNotFound
	}
	records, err := h.loadXattrs(ino)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Namespace == ns && r.Name == suffix {
			return r.Value, nil
		}
	}
	return nil, ErrNotFound
}

// SetXattr replaces or appends the record for name on inode n.
func (h *Handle) SetXattr(n uint32, name string, value []byte) error {
	ns, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	ino, err := h.ReadInode(n)
	if err != nil {
		return err
	}
	records, err := h.loadXattrs(ino)
	if err != nil {
		return err
	}

	found := false
	for i, r := range records {
		if r.Namespace == ns && r.Name == suffix {
			records[i].Value = value
			found = true
			break
		}
	}
	if !found {
		records = append(records, xattrRecord{Namespace: ns, Name: suffix, Value: value})
	}

	if err := h.writeXattrRecords(&ino, records); err != nil {
		return err
	}
	return h.WriteInode(n, ino)
}

// ListXattrs returns every attribute name (with its namespace prefix) set
// on inode n, in traversal order.
func (h *Handle) ListXattrs(n uint32) ([]string, error) {
	ino, err := h.ReadInode(n)
	if err != nil {
		return nil, err
	}
	records, err := h.loadXattrs(ino)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, namespacePrefixes[r.Namespace]+r.Name)
	}
	return out, nil
}

// RemoveXattr deletes the record for name on inode n.
func (h *Handle) RemoveXattr(n uint32, name string) error {
	ns, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	ino, err := h.ReadInode(n)
	if err != nil {
		return err
	}
	if ino.XattrBlock == 0 {
		return ErrNotFound
	}
	records, err := h.loadXattrs(ino)
	if err != nil {
		return err
	}

	idx := -1
	for i, r := range records {
		if r.Namespace == ns && r.Name == suffix {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	records = append(records[:idx], records[idx+1:]...)

	if err := h.writeXattrRecords(&ino, records); err != nil {
		return err
	}
	return h.WriteInode(n, ino)
}
