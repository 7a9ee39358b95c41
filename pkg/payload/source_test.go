package payload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testImagePayload builds a one partition full payload and the image it
// should extract to.
func testImagePayload(t *testing.T) ([]byte, []byte) {
	t.Helper()
	want := bytes.Repeat([]byte{'K'}, 4096)
	m := &Manifest{
		BlockSize: 4096,
		Partitions: []PartitionUpdate{{
			PartitionName:    "boot",
			NewPartitionInfo: &PartitionInfo{Size: 4096, Hash: sum(want)},
			Operations: []InstallOperation{{
				Type:           REPLACE,
				DataLength:     4096,
				DstExtents:     []Extent{{StartBlock: 0, NumBlocks: 1}},
				DataSha256Hash: sum(want),
			}},
		}},
	}
	return buildPayload(encodeManifest(m), nil, want), want
}

func buildOTAZip(t *testing.T, payloadBytes []byte, method uint16, withPayload bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta, err := zw.CreateHeader(&zip.FileHeader{Name: "META-INF/com/android/metadata", Method: zip.Deflate})
	if err != nil {
		t.Fatal(err)
	}
	meta.Write([]byte("post-timestamp=1700000000\nota-type=AB\n"))

	if withPayload {
		pw, err := zw.CreateHeader(&zip.FileHeader{Name: PayloadEntry, Method: method})
		if err != nil {
			t.Fatal(err)
		}
		pw.Write(payloadBytes)
	}

	props, err := zw.CreateHeader(&zip.FileHeader{Name: "payload_properties.txt", Method: zip.Deflate})
	if err != nil {
		t.Fatal(err)
	}
	props.Write([]byte("FILE_SIZE=" + strconv.Itoa(len(payloadBytes)) + "\n"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// serveRanged serves data the way OTA mirrors do: range requests honored,
// with the ETag validator ranger insists on.
func serveRanged(t *testing.T, name string, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"`+name+`"`)
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFileSource(t *testing.T) {
	data := []byte("0123456789abcdef")
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 6)
	if _, err := src.ReadAt(buf, 10); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("ReadAt() = %q, want %q", buf, "abcdef")
	}

	if _, err := src.ReadAt(make([]byte, 8), 12); !errors.Is(err, ErrShortRead) {
		t.Errorf("ReadAt() past EOF error = %v, want ErrShortRead", err)
	}
}

func TestHTTPSource(t *testing.T) {
	payloadBytes, _ := testImagePayload(t)
	srv := serveRanged(t, "payload.bin", payloadBytes)

	src, err := NewHTTPSource(context.Background(), srv.URL+"/payload.bin", nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(payloadBytes)) {
		t.Errorf("Size() = %d, want %d", src.Size(), len(payloadBytes))
	}

	buf := make([]byte, 8)
	if _, err := src.ReadAt(buf, 3); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(buf, payloadBytes[3:11]) {
		t.Error("ReadAt() returned wrong bytes")
	}

	if n, err := src.ReadAt(nil, 0); n != 0 || err != nil {
		t.Errorf("ReadAt(empty) = %d, %v", n, err)
	}
}

func TestHTTPSourceNoRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ignore Range entirely, as misconfigured mirrors do
		w.Write([]byte("full body every time"))
	}))
	t.Cleanup(srv.Close)

	if _, err := NewHTTPSource(context.Background(), srv.URL, nil); !errors.Is(err, ErrRangeUnsupported) {
		t.Errorf("NewHTTPSource() error = %v, want ErrRangeUnsupported", err)
	}
}

func TestHTTPSourceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	if _, err := NewHTTPSource(context.Background(), srv.URL+"/gone.zip", nil); !errors.Is(err, ErrUnreachable) {
		t.Errorf("NewHTTPSource() error = %v, want ErrUnreachable", err)
	}
}

func TestHTTPSourceRetry(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 128)
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		if atomic.AddInt32(&gets, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("ETag", `"retry"`)
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	src, err := NewHTTPSource(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	defer src.Close()

	buf := make([]byte, 16)
	if _, err := src.ReadAt(buf, 32); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(buf, data[32:48]) {
		t.Error("ReadAt() returned wrong bytes after retry")
	}
	if got := atomic.LoadInt32(&gets); got != 2 {
		t.Errorf("server saw %d GETs, want 2 (one failure, one retry)", got)
	}
}

func TestHTTPSourceRangeRejected(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "4096")
			return
		}
		atomic.AddInt32(&gets, 1)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	t.Cleanup(srv.Close)

	src, err := NewHTTPSource(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	defer src.Close()

	if _, err := src.ReadAt(make([]byte, 8), 0); !errors.Is(err, ErrRangeUnsupported) {
		t.Errorf("ReadAt() error = %v, want ErrRangeUnsupported", err)
	}
	// a server refusing ranges will refuse them again, do not hammer it
	if got := atomic.LoadInt32(&gets); got != 1 {
		t.Errorf("server saw %d GETs, want 1", got)
	}
}

func TestOpenLocal(t *testing.T) {
	payloadBytes, want := testImagePayload(t)

	extractBoot := func(t *testing.T, p *Payload) []byte {
		t.Helper()
		pu, err := p.Partition("boot")
		if err != nil {
			t.Fatalf("Partition() error = %v", err)
		}
		got, err := p.ExtractBytes(context.Background(), pu, nil)
		if err != nil {
			t.Fatalf("ExtractBytes() error = %v", err)
		}
		return got
	}

	t.Run("payload_bin", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.bin")
		if err := os.WriteFile(path, payloadBytes, 0644); err != nil {
			t.Fatal(err)
		}
		p, err := Open(context.Background(), path, nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer p.Close()
		if !bytes.Equal(extractBoot(t, p), want) {
			t.Error("extracted image does not match")
		}
	})

	t.Run("ota_zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ota.zip")
		if err := os.WriteFile(path, buildOTAZip(t, payloadBytes, zip.Store, true), 0644); err != nil {
			t.Fatal(err)
		}
		p, err := Open(context.Background(), path, nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer p.Close()
		if p.Size() != int64(len(payloadBytes)) {
			t.Errorf("Size() = %d, want payload entry size %d", p.Size(), len(payloadBytes))
		}
		if !bytes.Equal(extractBoot(t, p), want) {
			t.Error("extracted image does not match")
		}
	})

	t.Run("deflated_zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ota.zip")
		if err := os.WriteFile(path, buildOTAZip(t, payloadBytes, zip.Deflate, true), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(context.Background(), path, nil); !errors.Is(err, ErrNotStored) {
			t.Errorf("Open() error = %v, want ErrNotStored", err)
		}
	})

	t.Run("missing_entry", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ota.zip")
		if err := os.WriteFile(path, buildOTAZip(t, payloadBytes, zip.Store, false), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := Open(context.Background(), path, nil)
		if err == nil || !strings.Contains(err.Error(), "no payload.bin entry") {
			t.Errorf("Open() error = %v, want missing entry error", err)
		}
	})
}

func TestOpenRemote(t *testing.T) {
	payloadBytes, want := testImagePayload(t)

	t.Run("payload_bin", func(t *testing.T) {
		srv := serveRanged(t, "payload.bin", payloadBytes)
		p, err := Open(context.Background(), srv.URL+"/payload.bin", nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer p.Close()
		pu, err := p.Partition("boot")
		if err != nil {
			t.Fatalf("Partition() error = %v", err)
		}
		got, err := p.ExtractBytes(context.Background(), pu, nil)
		if err != nil {
			t.Fatalf("ExtractBytes() error = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Error("extracted image does not match")
		}
	})

	t.Run("ota_zip", func(t *testing.T) {
		srv := serveRanged(t, "ota.zip", buildOTAZip(t, payloadBytes, zip.Store, true))
		p, err := Open(context.Background(), srv.URL+"/ota.zip", nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer p.Close()
		pu, err := p.Partition("boot")
		if err != nil {
			t.Fatalf("Partition() error = %v", err)
		}
		got, err := p.ExtractBytes(context.Background(), pu, nil)
		if err != nil {
			t.Fatalf("ExtractBytes() error = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Error("extracted image does not match")
		}
	})
}
