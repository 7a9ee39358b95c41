package payload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/aota/internal/buffer"
	"github.com/blacktop/aota/pkg/comp"
)

// bzip2 compressed 4096 'a' bytes (Go cannot write bz2 streams)
const bz2Block = "425a6839314159265359b72fb9af00000a4100800420000008200030cc05536a620a03c5dc914e14242dcbee6bc0"

// BSDIFF40 patch turning 4096 'a' bytes into 4096 'b' bytes
const bsdiff40Patch = "42534449464634302a000000000000002b000000000000000010000000000000425a683931415926535960911ec5000001e00040005000200030cc0cf504cbc5dc914e1424182447b140425a6839314159265359396549290000084000a0040008200030cc05536a41470f17724538509039654929425a683917724538509000000000"

func fillBlock(c byte) []byte {
	return bytes.Repeat([]byte{c}, 4096)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestExtractReplace(t *testing.T) {
	blockA, blockB, blockC := fillBlock('A'), fillBlock('B'), fillBlock('C')
	want := append(append(append([]byte(nil), blockA...), blockB...), blockC...)

	// op 0 lands its data in two separate extents, op 1 fills the hole
	blob := append(append(append([]byte(nil), blockA...), blockC...), blockB...)
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 3 * 4096, Hash: sum(want)},
			Operations: []InstallOperation{
				{
					Type:           REPLACE,
					DataOffset:     0,
					DataLength:     2 * 4096,
					DstExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}, {StartBlock: 2, NumBlocks: 1}},
					DataSha256Hash: sum(blob[:2*4096]),
				},
				{
					Type:           REPLACE,
					DataOffset:     2 * 4096,
					DataLength:     4096,
					DstExtents:     []Extent{{StartBlock: 1, NumBlocks: 1}},
					DataSha256Hash: sum(blockB),
				},
			},
		}},
	}
	p := newTestPayload(t, m, blob)

	pu, err := p.Partition("boot")
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	var progress int64
	got, err := p.ExtractBytes(context.Background(), pu, &ExtractOptions{
		Progress: func(n int64) { progress += n },
	})
	if err != nil {
		t.Fatalf("ExtractBytes() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("extracted image does not match")
	}
	if progress != 3*4096 {
		t.Errorf("progress reported %d bytes, want %d", progress, 3*4096)
	}

	// replaying the same partition must produce identical bytes
	again, err := p.ExtractBytes(context.Background(), pu, nil)
	if err != nil {
		t.Fatalf("ExtractBytes() error = %v", err)
	}
	if !bytes.Equal(got, again) {
		t.Error("second extraction differs from the first")
	}
}

func TestExtractCompressed(t *testing.T) {
	twoBlocks := append(fillBlock('x'), fillBlock('y')...)

	xzData, err := comp.Compress(twoBlocks, comp.XZ)
	if err != nil {
		t.Fatal(err)
	}
	zstdData, err := comp.Compress(twoBlocks, comp.ZSTD)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		typ   OperationType
		data  []byte
		plain []byte
	}{
		{name: "replace_xz", typ: REPLACE_XZ, data: xzData, plain: twoBlocks},
		{name: "replace_zstd", typ: REPLACE_ZSTD, data: zstdData, plain: twoBlocks},
		{name: "replace_bz", typ: REPLACE_BZ, data: mustHex(t, bz2Block), plain: fillBlock('a')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := uint64(len(tt.plain) / 4096)
			m := &Manifest{
				BlockSize: 4096,
				Partitions: []PartitionUpdate{{
					PartitionName:    "vendor_boot",
					NewPartitionInfo: &PartitionInfo{Size: uint64(len(tt.plain)), Hash: sum(tt.plain)},
					Operations: []InstallOperation{{
						Type:           tt.typ,
						DataOffset:     0,
						DataLength:     uint64(len(tt.data)),
						DstExtents:     []Extent{{StartBlock: 0, NumBlocks: blocks}},
						DataSha256Hash: sum(tt.data),
					}},
				}},
			}
			p := newTestPayload(t, m, tt.data)
			pu, err := p.Partition("vendor_boot")
			if err != nil {
				t.Fatalf("Partition() error = %v", err)
			}
			got, err := p.ExtractBytes(context.Background(), pu, nil)
			if err != nil {
				t.Fatalf("ExtractBytes() error = %v", err)
			}
			if !bytes.Equal(got, tt.plain) {
				t.Error("extracted image does not match")
			}
		})
	}
}

func TestExtractZero(t *testing.T) {
	blockV := fillBlock('V')
	want := append(append([]byte(nil), blockV...), make([]byte, 4096)...)

	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "dtbo",
			NewPartitionInfo: &PartitionInfo{Size: 2 * 4096, Hash: sum(want)},
			Operations: []InstallOperation{
				{
					Type:           REPLACE,
					DataLength:     4096,
					DstExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}},
					DataSha256Hash: sum(blockV),
				},
				{
					Type:       ZERO,
					DstExtents: []Extent{{StartBlock: 1, NumBlocks: 1}},
				},
			},
		}},
	}
	p := newTestPayload(t, m, blockV)
	pu, err := p.Partition("dtbo")
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	// start from a dirty image to prove ZERO actually clears its extents
	img := buffer.NewReadWriteBuffer(0, 2*4096)
	img.Reset(bytes.Repeat([]byte{0xff}, 2*4096))
	if err := p.Extract(context.Background(), pu, img, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !bytes.Equal(img.Bytes(), want) {
		t.Error("extracted image does not match")
	}
}

func TestExtractDelta(t *testing.T) {
	old := append(fillBlock('a'), fillBlock('q')...)
	patch := mustHex(t, bsdiff40Patch)
	want := append(fillBlock('q'), fillBlock('b')...)

	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			OldPartitionInfo: &PartitionInfo{Size: uint64(len(old)), Hash: sum(old)},
			NewPartitionInfo: &PartitionInfo{Size: uint64(len(want)), Hash: sum(want)},
			Operations: []InstallOperation{
				{
					Type:          SOURCE_COPY,
					SrcExtents:    []Extent{{StartBlock: 1, NumBlocks: 1}},
					DstExtents:    []Extent{{StartBlock: 0, NumBlocks: 1}},
					SrcSha256Hash: sum(fillBlock('q')),
				},
				{
					Type:           SOURCE_BSDIFF,
					DataOffset:     0,
					DataLength:     uint64(len(patch)),
					SrcExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}},
					DstExtents:     []Extent{{StartBlock: 1, NumBlocks: 1}},
					DataSha256Hash: sum(patch),
					SrcSha256Hash:  sum(fillBlock('a')),
				},
			},
		}},
	}
	p := newTestPayload(t, m, patch)
	pu, err := p.Partition("boot")
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	got, err := p.ExtractBytes(context.Background(), pu, &ExtractOptions{Old: bytes.NewReader(old)})
	if err != nil {
		t.Fatalf("ExtractBytes() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("extracted image does not match")
	}

	// the same partition without its source image must refuse cleanly
	if _, err := p.ExtractBytes(context.Background(), pu, nil); !errors.Is(err, ErrUnsupportedDeltaPayload) {
		t.Errorf("ExtractBytes() without source error = %v, want ErrUnsupportedDeltaPayload", err)
	}
}

func TestExtractDataHashMismatch(t *testing.T) {
	block := fillBlock('Z')
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096},
			Operations: []InstallOperation{{
				Type:           REPLACE,
				DataLength:     4096,
				DstExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}},
				DataSha256Hash: sum([]byte("tampered")),
			}},
		}},
	}
	p := newTestPayload(t, m, block)
	pu, _ := p.Partition("boot")

	_, err := p.ExtractBytes(context.Background(), pu, nil)
	var hashErr *OperationHashError
	if !errors.As(err, &hashErr) {
		t.Fatalf("ExtractBytes() error = %v, want OperationHashError", err)
	}
	if hashErr.Stream != "data" || hashErr.Index != 0 {
		t.Errorf("OperationHashError = %+v, want data stream op 0", hashErr)
	}
}

func TestExtractSourceHashMismatch(t *testing.T) {
	old := fillBlock('o')
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096},
			Operations: []InstallOperation{{
				Type:          SOURCE_COPY,
				SrcExtents:    []Extent{{StartBlock: 0, NumBlocks: 1}},
				DstExtents:    []Extent{{StartBlock: 0, NumBlocks: 1}},
				SrcSha256Hash: sum(fillBlock('x')),
			}},
		}},
	}
	p := newTestPayload(t, m, nil)
	pu, _ := p.Partition("boot")

	_, err := p.ExtractBytes(context.Background(), pu, &ExtractOptions{Old: bytes.NewReader(old)})
	var hashErr *OperationHashError
	if !errors.As(err, &hashErr) {
		t.Fatalf("ExtractBytes() error = %v, want OperationHashError", err)
	}
	if hashErr.Stream != "source" {
		t.Errorf("OperationHashError stream = %s, want source", hashErr.Stream)
	}
}

func TestExtractPartitionHashMismatch(t *testing.T) {
	block := fillBlock('P')
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "init_boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096, Hash: sum([]byte("not the image"))},
			Operations: []InstallOperation{{
				Type:           REPLACE,
				DataLength:     4096,
				DstExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}},
				DataSha256Hash: sum(block),
			}},
		}},
	}
	p := newTestPayload(t, m, block)
	pu, _ := p.Partition("init_boot")

	_, err := p.ExtractBytes(context.Background(), pu, nil)
	var hashErr *PartitionHashError
	if !errors.As(err, &hashErr) {
		t.Fatalf("ExtractBytes() error = %v, want PartitionHashError", err)
	}
	if hashErr.Partition != "init_boot" {
		t.Errorf("PartitionHashError partition = %s", hashErr.Partition)
	}
}

func TestExtractUnsupportedOp(t *testing.T) {
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "system",
			NewPartitionInfo: &PartitionInfo{Size: 4096},
			Operations: []InstallOperation{{
				Type:       PUFFDIFF,
				DataLength: 4,
				SrcExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
				DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
			}},
		}},
	}
	p := newTestPayload(t, m, []byte("puff"))
	pu, _ := p.Partition("system")

	_, err := p.ExtractBytes(context.Background(), pu, &ExtractOptions{Old: bytes.NewReader(fillBlock('s'))})
	var opErr *UnsupportedOpError
	if !errors.As(err, &opErr) {
		t.Fatalf("ExtractBytes() error = %v, want UnsupportedOpError", err)
	}
	if opErr.Type != PUFFDIFF {
		t.Errorf("UnsupportedOpError type = %s, want PUFFDIFF", opErr.Type)
	}
}

func TestExtractValidate(t *testing.T) {
	tests := []struct {
		name string
		ops  []InstallOperation
		size uint64
		want string
	}{
		{
			name: "overlapping_extents",
			ops: []InstallOperation{
				{Type: REPLACE, DstExtents: []Extent{{StartBlock: 0, NumBlocks: 2}}},
				{Type: REPLACE, DstExtents: []Extent{{StartBlock: 1, NumBlocks: 1}}},
			},
			size: 3 * 4096,
			want: "overlap at block 1",
		},
		{
			name: "uncovered_blocks",
			ops: []InstallOperation{
				{Type: REPLACE, DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}}},
			},
			size: 2 * 4096,
			want: "cover 4096 bytes of a 8192 byte image",
		},
		{
			name: "missing_extents",
			ops:  []InstallOperation{{Type: REPLACE}},
			size: 4096,
			want: "no destination extents",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{
				BlockSize: 4096,
				Partitions: []PartitionUpdate{{
					PartitionName:    "boot",
					NewPartitionInfo: &PartitionInfo{Size: tt.size},
					Operations:       tt.ops,
				}},
			}
			p := newTestPayload(t, m, nil)
			pu, _ := p.Partition("boot")
			_, err := p.ExtractBytes(context.Background(), pu, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ExtractBytes() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestExtractBlobBounds(t *testing.T) {
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096},
			Operations: []InstallOperation{{
				Type:       REPLACE,
				DataOffset: 1 << 33,
				DataLength: 4096,
				DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
			}},
		}},
	}
	p := newTestPayload(t, m, []byte("tiny blob"))
	pu, _ := p.Partition("boot")

	_, err := p.ExtractBytes(context.Background(), pu, nil)
	if err == nil || !strings.Contains(err.Error(), "beyond the payload blob") {
		t.Errorf("ExtractBytes() error = %v, want blob bounds error", err)
	}
}

func TestExtractCanceled(t *testing.T) {
	block := fillBlock('c')
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096},
			Operations: []InstallOperation{{
				Type:       REPLACE,
				DataLength: 4096,
				DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
			}},
		}},
	}
	p := newTestPayload(t, m, block)
	pu, _ := p.Partition("boot")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ExtractBytes(ctx, pu, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("ExtractBytes() error = %v, want context.Canceled", err)
	}
}
