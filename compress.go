package lolelffs

import (
	"bytes"
	"fmt"
	"io"
	"log"

	kzlib "github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressBlock encodes one full BlockSize-sized plaintext block with algo,
// applying the store-if-shorter policy from §4.5: if the compressed output
// is not strictly shorter than BlockSize, the block is stored uncompressed
// and the returned algorithm is CompNone.
func compressBlock(algo uint16, plaintext []byte) (out []byte, usedAlgo uint16, err error) {
	if len(plaintext) != BlockSize {
		return nil, 0, fmt.Errorf("lolelffs: compress: input is %d bytes, want %d", len(plaintext), BlockSize)
	}
	if algo == CompNone {
		return plaintext, CompNone, nil
	}

	var compressed []byte
	switch algo {
	case CompLZ4:
		compressed, err = lz4Compress(plaintext)
	case CompZlib:
		compressed, err = zlibCompress(plaintext)
	case CompZstd:
		compressed, err = zstdCompress(plaintext)
	default:
		return nil, 0, fmt.Errorf("lolelffs: unknown compression algorithm %d", algo)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("lolelffs: compress block: %w", err)
	}
	if len(compressed) == 0 || len(compressed) >= BlockSize {
		// no gain: keep the plaintext form.
		return plaintext, CompNone, nil
	}
	return compressed, algo, nil
}

// decompressBlock reverses compressBlock. It is symmetric and rejects any
// output whose length differs from BlockSize.
func decompressBlock(algo uint16, data []byte) ([]byte, error) {
	if algo == CompNone {
		if len(data) != BlockSize {
			return nil, fmt.Errorf("%w: stored-plain block is %d bytes", ErrCorruption, len(data))
		}
		return data, nil
	}

	var out []byte
	var err error
	switch algo {
	case CompLZ4:
		out, err = lz4Decompress(data)
	case CompZlib:
		out, err = zlibDecompress(data)
	case CompZstd:
		out, err = zstdDecompress(data)
	default:
		return nil, fmt.Errorf("%w: unknown compression algorithm %d", ErrCorruption, algo)
	}
	if err != nil {
		log.Printf("lolelffs: block decompress failed (algo=%d): %s", algo, err)
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if len(out) != BlockSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, want %d", ErrCorruption, len(out), BlockSize)
	}
	return out, nil
}

func lz4Compress(plaintext []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(plaintext)))
	var c lz4.Compressor
	n, err := c.CompressBlock(plaintext, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// pierrec/lz4 reports n==0 when the block is incompressible.
		return nil, nil
	}
	return dst[:n], nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	dst := make([]byte, BlockSize)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func zlibCompress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := kzlib.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := kzlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func zstdCompress(plaintext []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	// data is the full zero-padded on-disk block, not just the compressed
	// payload. DecodeAll treats its whole input as one or more concatenated
	// frames and errors on the zero padding trailing the real frame, so
	// decode through the streaming Reader instead: like zlibDecompress, it
	// stops once the frame ends and never looks at what follows.
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
