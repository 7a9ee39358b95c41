package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/buffer"
	"github.com/blacktop/aota/pkg/comp"
)

// ExtractOptions tunes a single partition extraction.
type ExtractOptions struct {
	// Old is the source partition image, required to replay SOURCE_COPY and
	// the bsdiff family. Leaving it nil makes differential payloads fail
	// with ErrUnsupportedDeltaPayload.
	Old io.ReaderAt
	// Progress, when set, receives the byte count written by each operation.
	Progress func(n int64)
}

// Extract replays all of pu's operations into out, then verifies the
// partition sha256 when out is also readable. Extracting the same partition
// twice produces identical bytes.
func (p *Payload) Extract(ctx context.Context, pu *PartitionUpdate, out io.WriterAt, opts *ExtractOptions) error {
	if opts == nil {
		opts = &ExtractOptions{}
	}

	blockSize := p.Manifest.BlockSize
	size := pu.Size(blockSize)

	if err := validateOperations(pu, blockSize, size); err != nil {
		return err
	}

	for i := range pu.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.applyOperation(pu, i, out, opts); err != nil {
			return err
		}
	}

	if pu.NewPartitionInfo != nil && len(pu.NewPartitionInfo.Hash) > 0 {
		if r, ok := out.(io.ReaderAt); ok {
			if err := verifyPartition(pu, r, int64(size)); err != nil {
				return err
			}
		} else {
			log.WithField("partition", pu.PartitionName).Debug("output not readable, skipping partition hash check")
		}
	}

	return nil
}

// ExtractBytes reassembles the partition fully in memory. Meant for the boot
// family, not for multi-gigabyte system images.
func (p *Payload) ExtractBytes(ctx context.Context, pu *PartitionUpdate, opts *ExtractOptions) ([]byte, error) {
	size := int(pu.Size(p.Manifest.BlockSize))
	img := buffer.NewReadWriteBuffer(size, size)
	if err := p.Extract(ctx, pu, img, opts); err != nil {
		return nil, err
	}
	return img.Bytes(), nil
}

func (p *Payload) applyOperation(pu *PartitionUpdate, i int, out io.WriterAt, opts *ExtractOptions) error {
	op := &pu.Operations[i]
	blockSize := p.Manifest.BlockSize
	dstLen := extentsLen(op.DstExtents, blockSize)

	var data []byte
	if op.DataLength > 0 {
		blob := uint64(p.src.Size() - p.dataOffset)
		if op.DataOffset > blob || op.DataLength > blob-op.DataOffset {
			return fmt.Errorf("partition %s operation %d: data range [%d:%d) is beyond the payload blob",
				pu.PartitionName, i, op.DataOffset, op.DataOffset+op.DataLength)
		}
		data = make([]byte, op.DataLength)
		if _, err := p.src.ReadAt(data, p.dataOffset+int64(op.DataOffset)); err != nil {
			return fmt.Errorf("partition %s operation %d: %w", pu.PartitionName, i, err)
		}
		if len(op.DataSha256Hash) > 0 {
			sum := sha256.Sum256(data)
			if !bytes.Equal(sum[:], op.DataSha256Hash) {
				return &OperationHashError{
					Partition: pu.PartitionName,
					Index:     i,
					Stream:    "data",
					Expected:  op.DataSha256Hash,
					Actual:    sum[:],
				}
			}
		}
	}

	var old []byte
	if op.Type.Delta() {
		if opts.Old == nil {
			return fmt.Errorf("%w: partition %s operation %d is %s",
				ErrUnsupportedDeltaPayload, pu.PartitionName, i, op.Type)
		}
		var err error
		old, err = readExtents(opts.Old, op.SrcExtents, blockSize)
		if err != nil {
			return fmt.Errorf("partition %s operation %d: failed to gather source extents: %v", pu.PartitionName, i, err)
		}
		if len(op.SrcSha256Hash) > 0 {
			sum := sha256.Sum256(old)
			if !bytes.Equal(sum[:], op.SrcSha256Hash) {
				return &OperationHashError{
					Partition: pu.PartitionName,
					Index:     i,
					Stream:    "source",
					Expected:  op.SrcSha256Hash,
					Actual:    sum[:],
				}
			}
		}
	}

	var outData []byte
	switch op.Type {
	case REPLACE:
		outData = data
	case REPLACE_BZ:
		var err error
		if outData, err = comp.Decompress(data, comp.BZIP2); err != nil {
			return fmt.Errorf("partition %s operation %d: %v", pu.PartitionName, i, err)
		}
	case REPLACE_XZ:
		var err error
		if outData, err = comp.Decompress(data, comp.XZ); err != nil {
			return fmt.Errorf("partition %s operation %d: %v", pu.PartitionName, i, err)
		}
	case REPLACE_ZSTD:
		var err error
		if outData, err = comp.Decompress(data, comp.ZSTD); err != nil {
			return fmt.Errorf("partition %s operation %d: %v", pu.PartitionName, i, err)
		}
	case ZERO:
		return zeroExtents(out, op.DstExtents, blockSize, opts.Progress)
	case SOURCE_COPY:
		outData = old
	case SOURCE_BSDIFF, BROTLI_BSDIFF:
		var err error
		if outData, err = bspatch(old, data); err != nil {
			return fmt.Errorf("partition %s operation %d: %v", pu.PartitionName, i, err)
		}
	default:
		// MOVE/BSDIFF died with payload v1, PUFFDIFF/ZUCCHINI/LZ4DIFF have
		// no Go decoders
		return &UnsupportedOpError{Partition: pu.PartitionName, Index: i, Type: op.Type}
	}

	if uint64(len(outData)) != dstLen {
		return fmt.Errorf("partition %s operation %d: %s produced %d bytes for %d bytes of extents",
			pu.PartitionName, i, op.Type, len(outData), dstLen)
	}

	if err := writeExtents(out, op.DstExtents, blockSize, outData); err != nil {
		return fmt.Errorf("partition %s operation %d: %v", pu.PartitionName, i, err)
	}
	if opts.Progress != nil {
		opts.Progress(int64(len(outData)))
	}

	return nil
}

// validateOperations rejects payloads whose destination extents overlap or
// fail to cover the whole partition image.
func validateOperations(pu *PartitionUpdate, blockSize uint32, size uint64) error {
	var extents []Extent
	for i := range pu.Operations {
		op := &pu.Operations[i]
		if len(op.DstExtents) == 0 {
			return fmt.Errorf("partition %s operation %d has no destination extents", pu.PartitionName, i)
		}
		extents = append(extents, op.DstExtents...)
	}

	sort.Slice(extents, func(i, j int) bool {
		return extents[i].StartBlock < extents[j].StartBlock
	})

	var covered, next uint64
	for _, e := range extents {
		if e.StartBlock < next {
			return fmt.Errorf("partition %s: operations overlap at block %d", pu.PartitionName, e.StartBlock)
		}
		next = e.StartBlock + e.NumBlocks
		covered += e.NumBlocks
	}

	if covered*uint64(blockSize) != size {
		return fmt.Errorf("partition %s: operations cover %d bytes of a %d byte image",
			pu.PartitionName, covered*uint64(blockSize), size)
	}

	return nil
}

func verifyPartition(pu *PartitionUpdate, r io.ReaderAt, size int64) error {
	h := sha256.New()
	buf := make([]byte, 1<<20)
	for off := int64(0); off < size; {
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("partition %s: failed to read back for verification: %v", pu.PartitionName, err)
		}
		h.Write(buf[:n])
		off += n
	}
	if sum := h.Sum(nil); !bytes.Equal(sum, pu.NewPartitionInfo.Hash) {
		return &PartitionHashError{
			Partition: pu.PartitionName,
			Expected:  pu.NewPartitionInfo.Hash,
			Actual:    sum,
		}
	}
	return nil
}

func extentsLen(extents []Extent, blockSize uint32) uint64 {
	var blocks uint64
	for _, e := range extents {
		blocks += e.NumBlocks
	}
	return blocks * uint64(blockSize)
}

func readExtents(r io.ReaderAt, extents []Extent, blockSize uint32) ([]byte, error) {
	out := make([]byte, extentsLen(extents, blockSize))
	var off int64
	for _, e := range extents {
		n := int64(e.NumBlocks) * int64(blockSize)
		if _, err := r.ReadAt(out[off:off+n], int64(e.StartBlock)*int64(blockSize)); err != nil {
			return nil, err
		}
		off += n
	}
	return out, nil
}

func writeExtents(w io.WriterAt, extents []Extent, blockSize uint32, data []byte) error {
	var off int64
	for _, e := range extents {
		n := int64(e.NumBlocks) * int64(blockSize)
		if _, err := w.WriteAt(data[off:off+n], int64(e.StartBlock)*int64(blockSize)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func zeroExtents(w io.WriterAt, extents []Extent, blockSize uint32, progress func(int64)) error {
	zeros := make([]byte, 1<<20)
	for _, e := range extents {
		off := int64(e.StartBlock) * int64(blockSize)
		left := int64(e.NumBlocks) * int64(blockSize)
		for left > 0 {
			n := int64(len(zeros))
			if left < n {
				n = left
			}
			if _, err := w.WriteAt(zeros[:n], off); err != nil {
				return err
			}
			off += n
			left -= n
		}
		if progress != nil {
			progress(int64(e.NumBlocks) * int64(blockSize))
		}
	}
	return nil
}
