package payload

import (
	"bytes"
	"strings"
	"testing"

	"github.com/blacktop/aota/pkg/comp"
)

// writeOffset is the encoding half of readOffset, used to hand-build patches.
func writeOffset(x int64) []byte {
	b := make([]byte, 8)
	y := x
	if y < 0 {
		y = -y
	}
	for i := range b {
		b[i] = byte(y)
		y >>= 8
	}
	if x < 0 {
		b[7] |= 0x80
	}
	return b
}

func buildBSDF2(t *testing.T, id byte, alg comp.Algorithm, controls []bsControl, diff, extra []byte, newSize int) []byte {
	t.Helper()

	var ctrl []byte
	for _, c := range controls {
		ctrl = append(ctrl, writeOffset(c.MixLen)...)
		ctrl = append(ctrl, writeOffset(c.CopyLen)...)
		ctrl = append(ctrl, writeOffset(c.SeekLen)...)
	}
	compress := func(b []byte) []byte {
		if alg == comp.NONE || len(b) == 0 {
			return b
		}
		out, err := comp.Compress(b, alg)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	cb, db, eb := compress(ctrl), compress(diff), compress(extra)
	patch := append([]byte(bsdf2Magic), id, id, id)
	patch = append(patch, writeOffset(int64(len(cb)))...)
	patch = append(patch, writeOffset(int64(len(db)))...)
	patch = append(patch, writeOffset(int64(newSize))...)
	patch = append(patch, cb...)
	patch = append(patch, db...)
	return append(patch, eb...)
}

func TestReadOffset(t *testing.T) {
	tests := []int64{0, 1, 42, 255, 256, 4096, 1 << 40, -1, -4096, -123456789}
	for _, want := range tests {
		if got := readOffset(writeOffset(want)); got != want {
			t.Errorf("readOffset(writeOffset(%d)) = %d", want, got)
		}
	}
	if got := readOffset([]byte{0x2a, 0, 0, 0, 0, 0, 0, 0}); got != 42 {
		t.Errorf("readOffset() = %d, want 42", got)
	}
	if got := readOffset([]byte{1, 0, 0, 0, 0, 0, 0, 0x80}); got != -1 {
		t.Errorf("readOffset() = %d, want -1", got)
	}
}

func TestBspatchBSDIFF40(t *testing.T) {
	patch := mustHex(t, bsdiff40Patch)
	got, err := bspatch(fillBlock('a'), patch)
	if err != nil {
		t.Fatalf("bspatch() error = %v", err)
	}
	if !bytes.Equal(got, fillBlock('b')) {
		t.Error("bspatch() output does not match")
	}
}

func TestBspatchBSDF2(t *testing.T) {
	// mix old[0:4]+1, splice "xyz", skip 2, mix old[6:10] untouched
	old := []byte("ABCDEFGHIJKLMN")
	controls := []bsControl{
		{MixLen: 4, CopyLen: 3, SeekLen: 2},
		{MixLen: 4, CopyLen: 0, SeekLen: 0},
	}
	diff := []byte{1, 1, 1, 1, 0, 0, 0, 0}
	extra := []byte("xyz")
	want := []byte("BCDExyzGHIJ")

	tests := []struct {
		name string
		id   byte
		alg  comp.Algorithm
	}{
		{name: "raw", id: 0, alg: comp.NONE},
		{name: "brotli", id: 2, alg: comp.BROTLI},
		{name: "zstd", id: 3, alg: comp.ZSTD},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch := buildBSDF2(t, tt.id, tt.alg, controls, diff, extra, len(want))
			got, err := bspatch(old, patch)
			if err != nil {
				t.Fatalf("bspatch() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("bspatch() = %q, want %q", got, want)
			}
		})
	}
}

func TestBspatchNegativeSeek(t *testing.T) {
	old := []byte("ABCD")
	controls := []bsControl{
		{MixLen: 4, CopyLen: 0, SeekLen: -4},
		{MixLen: 4, CopyLen: 0, SeekLen: 0},
	}
	diff := []byte{0, 0, 0, 0, 1, 1, 1, 1}

	patch := buildBSDF2(t, 0, comp.NONE, controls, diff, nil, 8)
	got, err := bspatch(old, patch)
	if err != nil {
		t.Fatalf("bspatch() error = %v", err)
	}
	if want := []byte("ABCDBCDE"); !bytes.Equal(got, want) {
		t.Errorf("bspatch() = %q, want %q", got, want)
	}
}

func TestBspatchExtraOnly(t *testing.T) {
	// pure insertion: no control mix, empty raw diff stream
	controls := []bsControl{{MixLen: 0, CopyLen: 5, SeekLen: 0}}
	patch := buildBSDF2(t, 0, comp.NONE, controls, nil, []byte("fresh"), 5)
	got, err := bspatch([]byte("old"), patch)
	if err != nil {
		t.Fatalf("bspatch() error = %v", err)
	}
	if !bytes.Equal(got, []byte("fresh")) {
		t.Errorf("bspatch() = %q, want %q", got, "fresh")
	}
}

func TestBspatchErrors(t *testing.T) {
	tests := []struct {
		name  string
		old   []byte
		patch []byte
		want  string
	}{
		{
			name:  "truncated",
			patch: []byte(bsdf2Magic),
			want:  "patch header truncated",
		},
		{
			name:  "bad_magic",
			patch: bytes.Repeat([]byte{'X'}, 32),
			want:  "neither BSDIFF40 nor BSDF2",
		},
		{
			name:  "bad_compressor",
			patch: append(append([]byte(bsdf2Magic), 9, 0, 0), make([]byte, 24)...),
			want:  "unknown BSDF2 compressor id 9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bspatch(tt.old, tt.patch)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("bspatch() error = %v, want %q", err, tt.want)
			}
		})
	}

	t.Run("source_out_of_bounds", func(t *testing.T) {
		patch := buildBSDF2(t, 0, comp.NONE, []bsControl{{MixLen: 8}}, make([]byte, 8), nil, 8)
		if _, err := bspatch([]byte("AB"), patch); err == nil || !strings.Contains(err.Error(), "outside the source image") {
			t.Errorf("bspatch() error = %v, want source bounds error", err)
		}
	})

	t.Run("diff_exhausted", func(t *testing.T) {
		patch := buildBSDF2(t, 0, comp.NONE, []bsControl{{MixLen: 4}}, []byte{0, 0}, nil, 4)
		if _, err := bspatch([]byte("ABCD"), patch); err == nil || !strings.Contains(err.Error(), "diff stream exhausted") {
			t.Errorf("bspatch() error = %v, want diff exhausted error", err)
		}
	})

	t.Run("wrong_output_size", func(t *testing.T) {
		patch := buildBSDF2(t, 0, comp.NONE, []bsControl{{MixLen: 2}}, []byte{0, 0}, nil, 5)
		if _, err := bspatch([]byte("AB"), patch); err == nil || !strings.Contains(err.Error(), "expected 5") {
			t.Errorf("bspatch() error = %v, want size mismatch error", err)
		}
	})
}
