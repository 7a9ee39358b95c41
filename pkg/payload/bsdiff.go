package payload

import (
	"bytes"
	"fmt"

	"github.com/blacktop/aota/pkg/comp"
)

// Two patch containers show up in OTA payloads: classic BSDIFF40 with bzip2
// streams, and AOSP's BSDF2 which tags each stream (control, diff, extra)
// with its own compressor byte.

const (
	bsdiff40Magic = "BSDIFF40"
	bsdf2Magic    = "BSDF2"
)

type bsControl struct {
	MixLen  int64
	CopyLen int64
	SeekLen int64
}

// readOffset decodes bsdiff's 8-byte little-endian sign-magnitude integers.
func readOffset(data []byte) int64 {
	var offset int64

	offset = int64(data[len(data)-1]) & 0x7f
	for i := len(data) - 2; i >= 0; i-- {
		offset = offset<<8 + int64(data[i])
	}
	if (data[len(data)-1] & 0x80) != 0 {
		offset = -offset
	}
	return offset
}

func bsdf2Compressor(id byte) (comp.Algorithm, error) {
	switch id {
	case 0:
		return comp.NONE, nil
	case 1:
		return comp.BZIP2, nil
	case 2:
		return comp.BROTLI, nil
	case 3:
		return comp.ZSTD, nil
	default:
		return 0, fmt.Errorf("unknown BSDF2 compressor id %d", id)
	}
}

// bspatch applies a BSDIFF40 or BSDF2 patch against old and returns the
// rebuilt bytes.
func bspatch(old, patch []byte) ([]byte, error) {
	if len(patch) < 32 {
		return nil, fmt.Errorf("patch header truncated at %d bytes", len(patch))
	}

	var ctrlAlg, diffAlg, extraAlg comp.Algorithm

	switch {
	case bytes.HasPrefix(patch, []byte(bsdiff40Magic)):
		ctrlAlg, diffAlg, extraAlg = comp.BZIP2, comp.BZIP2, comp.BZIP2
	case bytes.HasPrefix(patch, []byte(bsdf2Magic)):
		var err error
		if ctrlAlg, err = bsdf2Compressor(patch[5]); err != nil {
			return nil, err
		}
		if diffAlg, err = bsdf2Compressor(patch[6]); err != nil {
			return nil, err
		}
		if extraAlg, err = bsdf2Compressor(patch[7]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("patch has neither BSDIFF40 nor BSDF2 magic")
	}

	ctrlLen := readOffset(patch[8:16])
	diffLen := readOffset(patch[16:24])
	newSize := readOffset(patch[24:32])

	if ctrlLen < 0 || diffLen < 0 || newSize < 0 ||
		32+ctrlLen+diffLen > int64(len(patch)) {
		return nil, fmt.Errorf("corrupt patch header: ctrl=%d diff=%d new=%d", ctrlLen, diffLen, newSize)
	}

	// raw (uncompressed) streams can be legitimately empty
	var ctrlData, diffData, extraData []byte
	var err error
	if ctrlLen > 0 {
		if ctrlData, err = comp.Decompress(patch[32:32+ctrlLen], ctrlAlg); err != nil {
			return nil, fmt.Errorf("control stream: %v", err)
		}
	}
	if diffLen > 0 {
		if diffData, err = comp.Decompress(patch[32+ctrlLen:32+ctrlLen+diffLen], diffAlg); err != nil {
			return nil, fmt.Errorf("diff stream: %v", err)
		}
	}
	if rest := patch[32+ctrlLen+diffLen:]; len(rest) > 0 {
		if extraData, err = comp.Decompress(rest, extraAlg); err != nil {
			return nil, fmt.Errorf("extra stream: %v", err)
		}
	}

	// parse controls
	var controls []bsControl
	for off := 0; off+24 <= len(ctrlData); off += 24 {
		controls = append(controls, bsControl{
			MixLen:  readOffset(ctrlData[off : off+8]),
			CopyLen: readOffset(ctrlData[off+8 : off+16]),
			SeekLen: readOffset(ctrlData[off+16 : off+24]),
		})
	}

	out := make([]byte, 0, newSize)
	var oldPos, diffPos, extraPos int64

	// apply patch to output
	for _, control := range controls {
		if control.MixLen < 0 || control.CopyLen < 0 {
			return nil, fmt.Errorf("corrupt patch control: mix=%d copy=%d", control.MixLen, control.CopyLen)
		}
		if control.MixLen != 0 {
			if oldPos < 0 || oldPos+control.MixLen > int64(len(old)) {
				return nil, fmt.Errorf("patch reads outside the source image: offset %d len %d", oldPos, control.MixLen)
			}
			if diffPos+control.MixLen > int64(len(diffData)) {
				return nil, fmt.Errorf("patch diff stream exhausted")
			}
			mixed := make([]byte, control.MixLen)
			copy(mixed, old[oldPos:oldPos+control.MixLen])
			for i, d := range diffData[diffPos : diffPos+control.MixLen] {
				mixed[i] += d
			}
			out = append(out, mixed...)
			oldPos += control.MixLen
			diffPos += control.MixLen
		}
		if control.CopyLen != 0 {
			if extraPos+control.CopyLen > int64(len(extraData)) {
				return nil, fmt.Errorf("patch extra stream exhausted")
			}
			out = append(out, extraData[extraPos:extraPos+control.CopyLen]...)
			extraPos += control.CopyLen
		}
		oldPos += control.SeekLen
	}

	if int64(len(out)) != newSize {
		return nil, fmt.Errorf("patch output is %d bytes, expected %d", len(out), newSize)
	}

	return out, nil
}
