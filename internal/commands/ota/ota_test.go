package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/aota/pkg/bootimg"
	"github.com/blacktop/aota/pkg/patch"
	"github.com/blacktop/aota/pkg/payload"
	"google.golang.org/protobuf/encoding/protowire"
)

// test payload builder, writing just enough of the manifest wire format

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func encodeTestExtent(start, num uint64) []byte {
	var b []byte
	b = appendVarintField(b, 1, start)
	b = appendVarintField(b, 2, num)
	return b
}

type testPartition struct {
	name   string
	data   []byte // REPLACE payload, block aligned
	source []byte // when set the partition becomes one SOURCE_COPY of this
}

func buildTestPayload(t *testing.T, parts ...testPartition) []byte {
	t.Helper()
	const blockSize = 4096
	var manifest, blob []byte
	manifest = appendVarintField(manifest, 3, blockSize)
	for _, part := range parts {
		img := part.data
		if part.source != nil {
			img = part.source
		}
		if len(img)%blockSize != 0 {
			t.Fatalf("partition %s image is not a block multiple", part.name)
		}
		blocks := uint64(len(img) / blockSize)

		var op []byte
		if part.source != nil {
			op = appendVarintField(op, 1, uint64(payload.SOURCE_COPY))
			op = appendBytesField(op, 4, encodeTestExtent(0, blocks))
		} else {
			op = appendVarintField(op, 1, uint64(payload.REPLACE))
			op = appendVarintField(op, 2, uint64(len(blob)))
			op = appendVarintField(op, 3, uint64(len(img)))
			op = appendBytesField(op, 8, sum(img))
		}
		op = appendBytesField(op, 6, encodeTestExtent(0, blocks))

		var info []byte
		info = appendVarintField(info, 1, uint64(len(img)))
		info = appendBytesField(info, 2, sum(img))

		var pu []byte
		pu = appendBytesField(pu, 1, []byte(part.name))
		pu = appendBytesField(pu, 7, info)
		pu = appendBytesField(pu, 8, op)
		manifest = appendBytesField(manifest, 13, pu)

		if part.source == nil {
			blob = append(blob, img...)
		}
	}
	manifest = appendBytesField(manifest, 19, []byte("2025-04-05"))

	buf := []byte(payload.Magic)
	buf = binary.BigEndian.AppendUint64(buf, 2)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(manifest)))
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, manifest...)
	return append(buf, blob...)
}

func writePayload(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func serveRanged(t *testing.T, name string, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"`+name+`"`)
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestList(t *testing.T) {
	boot := bytes.Repeat([]byte{0xb0}, 4096)
	system := bytes.Repeat([]byte{0x51}, 3*4096)
	data := buildTestPayload(t,
		testPartition{name: "boot", data: boot},
		testPartition{name: "system", data: system},
	)

	nfo, err := List(context.Background(), &Config{URL: writePayload(t, data)})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if nfo.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", nfo.Size, len(data))
	}
	if nfo.SecurityPatchLevel != "2025-04-05" {
		t.Errorf("SecurityPatchLevel = %q, want 2025-04-05", nfo.SecurityPatchLevel)
	}
	if nfo.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", nfo.BlockSize)
	}
	if nfo.Delta {
		t.Error("Delta = true for a full payload")
	}
	want := []PartitionSummary{{Name: "boot", Size: 4096}, {Name: "system", Size: 3 * 4096}}
	if !reflect.DeepEqual(nfo.Partitions, want) {
		t.Errorf("Partitions = %+v, want %+v", nfo.Partitions, want)
	}
}

func TestDump(t *testing.T) {
	boot := bytes.Repeat([]byte{0xb0}, 4096)
	vbmeta := bytes.Repeat([]byte{0x7e}, 2*4096)
	out := t.TempDir()
	cfg := &Config{
		URL: writePayload(t, buildTestPayload(t,
			testPartition{name: "boot", data: boot},
			testPartition{name: "vbmeta", data: vbmeta},
		)),
		Output: out,
		// duplicates and blanks are cleaned up, output order is sorted
		Partitions: []string{"vbmeta", "boot", "boot", " "},
	}

	outs, err := Dump(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	want := []string{filepath.Join(out, "boot.img"), filepath.Join(out, "vbmeta.img")}
	if !reflect.DeepEqual(outs, want) {
		t.Fatalf("Dump() = %v, want %v", outs, want)
	}
	for i, img := range [][]byte{boot, vbmeta} {
		got, err := os.ReadFile(outs[i])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, img) {
			t.Errorf("%s does not match the payload image", outs[i])
		}
	}
}

func TestDumpRemote(t *testing.T) {
	boot := bytes.Repeat([]byte{0xc4}, 2*4096)
	srv := serveRanged(t, "payload.bin", buildTestPayload(t, testPartition{name: "boot", data: boot}))

	cfg := &Config{
		URL:         srv.URL + "/payload.bin",
		Output:      t.TempDir(),
		Partitions:  []string{"boot"},
		Concurrency: 2,
	}
	outs, err := Dump(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("Dump() = %v, want one image", outs)
	}
	got, err := os.ReadFile(outs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, boot) {
		t.Error("dumped image does not match the payload image")
	}
}

func TestDumpPartialFailure(t *testing.T) {
	boot := bytes.Repeat([]byte{0xab}, 4096)
	cfg := &Config{
		URL:        writePayload(t, buildTestPayload(t, testPartition{name: "boot", data: boot})),
		Output:     t.TempDir(),
		Partitions: []string{"boot", "oem", "radio"},
	}

	outs, err := Dump(context.Background(), cfg)
	if err == nil {
		t.Fatal("Dump() error = nil, want per-partition failures")
	}
	if !errors.Is(err, payload.ErrPartitionNotFound) {
		t.Errorf("Dump() error = %v, want ErrPartitionNotFound", err)
	}
	var perr *PartitionError
	if !errors.As(err, &perr) {
		t.Fatalf("Dump() error = %v, want *PartitionError", err)
	}
	for _, name := range []string{"oem", "radio"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}

	// the good partition still lands on disk
	if len(outs) != 1 || filepath.Base(outs[0]) != "boot.img" {
		t.Fatalf("Dump() = %v, want just boot.img", outs)
	}
	got, err := os.ReadFile(outs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, boot) {
		t.Error("boot.img does not match the payload image")
	}
}

func TestDumpDelta(t *testing.T) {
	old := bytes.Repeat([]byte{0x0d}, 2*4096)
	data := buildTestPayload(t, testPartition{name: "system", source: old})

	t.Run("source_supplied", func(t *testing.T) {
		srcDir := t.TempDir()
		if err := os.WriteFile(filepath.Join(srcDir, "system.img"), old, 0644); err != nil {
			t.Fatal(err)
		}
		cfg := &Config{
			URL:        writePayload(t, data),
			Output:     t.TempDir(),
			Source:     srcDir,
			Partitions: []string{"system"},
		}
		outs, err := Dump(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Dump() error = %v", err)
		}
		got, err := os.ReadFile(outs[0])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, old) {
			t.Error("SOURCE_COPY output does not match the source image")
		}
	})

	t.Run("source_missing", func(t *testing.T) {
		cfg := &Config{
			URL:        writePayload(t, data),
			Output:     t.TempDir(),
			Source:     t.TempDir(),
			Partitions: []string{"system"},
		}
		if _, err := Dump(context.Background(), cfg); !errors.Is(err, payload.ErrMissingSource) {
			t.Errorf("Dump() error = %v, want ErrMissingSource", err)
		}
	})

	t.Run("no_source_dir", func(t *testing.T) {
		cfg := &Config{
			URL:        writePayload(t, data),
			Output:     t.TempDir(),
			Partitions: []string{"system"},
		}
		if _, err := Dump(context.Background(), cfg); !errors.Is(err, payload.ErrUnsupportedDeltaPayload) {
			t.Errorf("Dump() error = %v, want ErrUnsupportedDeltaPayload", err)
		}
	})
}

func TestDumpWhitelist(t *testing.T) {
	cfg := &Config{
		URL:        "unopened.bin",
		Output:     t.TempDir(),
		Partitions: []string{"system"},
		Allowed:    []string{"boot", "init_boot", "vendor_boot"},
	}
	_, err := Dump(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "allowed list") {
		t.Errorf("Dump() error = %v, want allowed list rejection", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		parts   []string
		allowed []string
		want    []string
		wantErr bool
	}{
		{
			name:  "dedupe_and_sort",
			parts: []string{"system", "boot", "system", " boot "},
			want:  []string{"boot", "system"},
		},
		{
			name:    "empty",
			parts:   nil,
			wantErr: true,
		},
		{
			name:    "blank_only",
			parts:   []string{"", "  "},
			wantErr: true,
		},
		{
			name:    "whitelisted",
			parts:   []string{"boot"},
			allowed: []string{"boot", "init_boot"},
			want:    []string{"boot"},
		},
		{
			name:    "blocked",
			parts:   []string{"system"},
			allowed: []string{"boot"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(tt.parts, tt.allowed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolve() error = %v, wantErr %t", err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

type stubProvider struct {
	component patch.Component
	out       []byte
	kmi       string
}

func (s *stubProvider) Name() string                 { return "stub" }
func (s *stubProvider) Accepts(patch.Partition) bool { return true }
func (s *stubProvider) Component() patch.Component   { return s.component }

func (s *stubProvider) Apply(_ context.Context, blob []byte, target patch.Target) ([]byte, error) {
	s.kmi = target.KMI
	return s.out, nil
}

func TestPatchWith(t *testing.T) {
	kernel := []byte("Linux version 6.1.68-android14-11-gdeadbeef (gki@build) #1 SMP PREEMPT\x00")
	ramdisk := bytes.Repeat([]byte{0x52}, 600)
	raw, err := bootimg.NewV4(kernel, ramdisk).Pack()
	if err != nil {
		t.Fatal(err)
	}
	initRamdisk := bytes.Repeat([]byte{0x1b}, 512)
	initRaw, err := bootimg.NewV4(nil, initRamdisk).Pack()
	if err != nil {
		t.Fatal(err)
	}
	data := buildTestPayload(t,
		testPartition{name: "boot", data: raw},
		testPartition{name: "init_boot", data: initRaw},
	)

	t.Run("boot", func(t *testing.T) {
		patched := bytes.Repeat([]byte{0xaa}, 700)
		stub := &stubProvider{component: patch.ComponentRamdisk, out: patched}
		cfg := &Config{URL: writePayload(t, data), Output: t.TempDir()}

		res, err := PatchWith(context.Background(), cfg, patch.PartitionBoot, stub)
		if err != nil {
			t.Fatalf("PatchWith() error = %v", err)
		}
		if res.KMI != "android14-6.1" {
			t.Errorf("KMI = %q, want android14-6.1", res.KMI)
		}
		if res.Method != "stub" || res.Partition != "boot" {
			t.Errorf("result = %+v", res)
		}
		if filepath.Base(res.Path) != "stub_patched_boot-android14-6.1.img" {
			t.Errorf("Path = %s", res.Path)
		}
		img, err := bootimg.Open(res.Path)
		if err != nil {
			t.Fatalf("patched image does not parse: %v", err)
		}
		if !bytes.Equal(img.Ramdisk, patched) {
			t.Error("patched ramdisk was not substituted")
		}
		if !bytes.Equal(img.Kernel, kernel) {
			t.Error("kernel should survive a ramdisk patch untouched")
		}
	})

	t.Run("init_boot", func(t *testing.T) {
		patched := bytes.Repeat([]byte{0xbb}, 640)
		stub := &stubProvider{component: patch.ComponentRamdisk, out: patched}
		cfg := &Config{URL: writePayload(t, data), Output: t.TempDir()}

		res, err := PatchWith(context.Background(), cfg, patch.PartitionInitBoot, stub)
		if err != nil {
			t.Fatalf("PatchWith() error = %v", err)
		}
		// init_boot carries no kernel, the kmi comes from the boot partition
		if stub.kmi != "android14-6.1" {
			t.Errorf("provider saw kmi %q, want android14-6.1", stub.kmi)
		}
		if filepath.Base(res.Path) != "stub_patched_init_boot-android14-6.1.img" {
			t.Errorf("Path = %s", res.Path)
		}
		img, err := bootimg.Open(res.Path)
		if err != nil {
			t.Fatalf("patched image does not parse: %v", err)
		}
		if !bytes.Equal(img.Ramdisk, patched) {
			t.Error("patched ramdisk was not substituted")
		}
	})
}
