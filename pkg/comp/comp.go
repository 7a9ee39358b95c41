// Package comp handles the compression formats found inside Android OTA
// payloads and boot images.
package comp

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm is the compression algorithm type
type Algorithm uint

const (
	NONE Algorithm = iota
	GZIP
	LZ4 // lz4 frame format
	LZ4_LEGACY
	LZMA
	XZ
	BZIP2
	ZSTD
	// BROTLI has no magic so Detect never reports it; payload diff streams
	// and vabc params name it explicitly.
	BROTLI
)

const (
	lz4FrameMagic   uint32 = 0x184D2204
	lz4LegacyMagic  uint32 = 0x184C2102
	lz4LegacyMagic2 uint32 = 0x184C2103
	// kernel lz4_legacy streams are cut into 8M blocks
	lz4LegacyBlockSize = 0x800000
)

func (a Algorithm) String() string {
	switch a {
	case NONE:
		return "none"
	case GZIP:
		return "gzip"
	case LZ4:
		return "lz4"
	case LZ4_LEGACY:
		return "lz4_legacy"
	case LZMA:
		return "lzma"
	case XZ:
		return "xz"
	case BZIP2:
		return "bzip2"
	case ZSTD:
		return "zstd"
	case BROTLI:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", uint(a))
	}
}

func Lookup(name string) (Algorithm, error) {
	switch name {
	case "none", "raw":
		return NONE, nil
	case "gzip", "gz":
		return GZIP, nil
	case "lz4":
		return LZ4, nil
	case "lz4_legacy", "lz4-l":
		return LZ4_LEGACY, nil
	case "lzma":
		return LZMA, nil
	case "xz":
		return XZ, nil
	case "bzip2", "bz2":
		return BZIP2, nil
	case "zstd":
		return ZSTD, nil
	case "brotli":
		return BROTLI, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %s", name)
	}
}

func Algorithms() []string {
	return []string{
		GZIP.String(),
		LZ4.String(),
		LZ4_LEGACY.String(),
		LZMA.String(),
		XZ.String(),
		BZIP2.String(),
		ZSTD.String(),
		BROTLI.String(),
	}
}

// Detect sniffs the algorithm from the stream's magic bytes. Data without a
// recognized magic is reported as NONE.
func Detect(data []byte) Algorithm {
	if len(data) < 4 {
		return NONE
	}
	switch {
	case data[0] == 0x1f && (data[1] == 0x8b || data[1] == 0x9e):
		return GZIP
	case binary.LittleEndian.Uint32(data) == lz4FrameMagic:
		return LZ4
	case binary.LittleEndian.Uint32(data) == lz4LegacyMagic,
		binary.LittleEndian.Uint32(data) == lz4LegacyMagic2:
		return LZ4_LEGACY
	case bytes.HasPrefix(data, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return XZ
	case bytes.HasPrefix(data, []byte{0x5d, 0x00, 0x00}):
		return LZMA
	case bytes.HasPrefix(data, []byte("BZh")):
		return BZIP2
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return ZSTD
	}
	return NONE
}

// Compress compresses the given data using the specified algorithm.
func Compress(data []byte, algorithm Algorithm) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("input data is empty")
	}

	switch algorithm {
	case NONE:
		return data, nil
	case GZIP:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to gzip compress data: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip compress data: %v", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to lz4 compress data: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to lz4 compress data: %v", err)
		}
		return buf.Bytes(), nil
	case LZ4_LEGACY:
		return lz4LegacyCompress(data)
	case LZMA:
		var buf bytes.Buffer
		zw, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to lzma compress data: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to lzma compress data: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to lzma compress data: %v", err)
		}
		return buf.Bytes(), nil
	case XZ:
		var buf bytes.Buffer
		zw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to xz compress data: %v", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to xz compress data: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to xz compress data: %v", err)
		}
		return buf.Bytes(), nil
	case ZSTD:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to zstd compress data: %v", err)
		}
		defer zw.Close()
		return zw.EncodeAll(data, nil), nil
	case BROTLI:
		var buf bytes.Buffer
		zw := brotli.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to brotli compress data: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to brotli compress data: %v", err)
		}
		return buf.Bytes(), nil
	case BZIP2:
		// stdlib bzip2 is read-only and Android never writes bz2 ramdisks
		return nil, fmt.Errorf("bzip2 compression is not supported")
	}
	return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
}

// Decompress decompresses the given data using the specified algorithm.
func Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("input data is empty")
	}

	switch algorithm {
	case NONE:
		return data, nil
	case GZIP:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to gzip decompress data: %v", err)
		}
		defer zr.Close()
		// kernel images may carry trailing garbage after the gzip stream
		zr.Multistream(false)
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to gzip decompress data: %v", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to lz4 decompress data: %v", err)
		}
		return out, nil
	case LZ4_LEGACY:
		return lz4LegacyDecompress(data)
	case LZMA:
		zr, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to lzma decompress data: %v", err)
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to lzma decompress data: %v", err)
		}
		return out, nil
	case XZ:
		zr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to xz decompress data: %v", err)
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to xz decompress data: %v", err)
		}
		return out, nil
	case BZIP2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to bzip2 decompress data: %v", err)
		}
		return out, nil
	case ZSTD:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to zstd decompress data: %v", err)
		}
		defer zr.Close()
		out, err := zr.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to zstd decompress data: %v", err)
		}
		return out, nil
	case BROTLI:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to brotli decompress data: %v", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
}

// lz4LegacyCompress writes the block stream the kernel's unlz4 expects: the
// legacy magic followed by size-prefixed high-compression blocks.
func lz4LegacyCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var c lz4.CompressorHC

	binary.Write(&buf, binary.LittleEndian, lz4LegacyMagic)

	for off := 0; off < len(data); off += lz4LegacyBlockSize {
		end := min(off+lz4LegacyBlockSize, len(data))
		block := make([]byte, lz4.CompressBlockBound(end-off))
		n, err := c.CompressBlock(data[off:end], block)
		if err != nil {
			return nil, fmt.Errorf("failed to lz4_legacy compress data: %v", err)
		}
		binary.Write(&buf, binary.LittleEndian, uint32(n))
		buf.Write(block[:n])
	}
	// trailing uncompressed size (the lz4_lg variant magiskboot emits)
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))

	return buf.Bytes(), nil
}

func lz4LegacyDecompress(data []byte) ([]byte, error) {
	var out []byte

	r := bytes.NewReader(data[4:])
	block := make([]byte, lz4LegacyBlockSize)

	for r.Len() > 0 {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("failed to lz4_legacy decompress data: %v", err)
		}
		// concatenated streams restart with the magic
		if size == lz4LegacyMagic || size == lz4LegacyMagic2 {
			continue
		}
		if r.Len() == 0 {
			// trailing word was the uncompressed size
			break
		}
		if int(size) > r.Len() {
			return nil, fmt.Errorf("failed to lz4_legacy decompress data: block size %d exceeds remaining %d bytes", size, r.Len())
		}
		src := make([]byte, size)
		if _, err := io.ReadFull(r, src); err != nil {
			return nil, fmt.Errorf("failed to lz4_legacy decompress data: %v", err)
		}
		n, err := lz4.UncompressBlock(src, block)
		if err != nil {
			return nil, fmt.Errorf("failed to lz4_legacy decompress data: %v", err)
		}
		out = append(out, block[:n]...)
	}

	return out, nil
}
