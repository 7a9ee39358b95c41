package payload

import (
	"archive/zip"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/blacktop/aota/internal/download"
)

// PayloadEntry is the payload's well-known name inside an OTA zip.
const PayloadEntry = "payload.bin"

var zipMagic = []byte("PK\x03\x04")

// openSource resolves uri (local path or http(s) URL, bare payload.bin or OTA
// zip) down to a Source positioned over the payload bytes.
func openSource(ctx context.Context, uri string, opts *Options) (Source, error) {
	var proxy string
	var insecure bool
	if opts != nil {
		proxy = opts.Proxy
		insecure = opts.Insecure
	}

	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		src, err := NewHTTPSource(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		isZip, err := sniffZip(src)
		if err != nil {
			src.Close()
			return nil, err
		}
		if !isZip {
			return src, nil
		}
		// the central directory comes in over ranged reads too
		zr, err := download.NewRemoteZipReader(uri, &download.RemoteConfig{
			Proxy:    proxy,
			Insecure: insecure,
		})
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to open remote zip %s: %v", uri, err)
		}
		off, size, err := findPayloadEntry(zr.File)
		if err != nil {
			src.Close()
			return nil, err
		}
		return NewSection(src, off, size), nil
	}

	src, err := OpenFile(uri)
	if err != nil {
		return nil, err
	}
	isZip, err := sniffZip(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	if !isZip {
		return src, nil
	}
	zr, err := zip.OpenReader(uri)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to open zip %s: %v", uri, err)
	}
	defer zr.Close()
	off, size, err := findPayloadEntry(zr.File)
	if err != nil {
		src.Close()
		return nil, err
	}
	return NewSection(src, off, size), nil
}

func sniffZip(src Source) (bool, error) {
	if src.Size() < int64(len(zipMagic)) {
		return false, nil
	}
	magic := make([]byte, len(zipMagic))
	if _, err := src.ReadAt(magic, 0); err != nil {
		return false, err
	}
	return string(magic) == string(zipMagic), nil
}

// findPayloadEntry returns the file offset and size of the payload.bin entry.
// Only stored entries can be range-read in place.
func findPayloadEntry(files []*zip.File) (int64, int64, error) {
	for _, f := range files {
		if path.Base(f.Name) != PayloadEntry {
			continue
		}
		if f.Method != zip.Store {
			return 0, 0, fmt.Errorf("%w: %s uses compression method %d", ErrNotStored, f.Name, f.Method)
		}
		off, err := f.DataOffset()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to locate %s data: %v", f.Name, err)
		}
		return off, int64(f.UncompressedSize64), nil
	}
	return 0, 0, fmt.Errorf("archive has no %s entry", PayloadEntry)
}
