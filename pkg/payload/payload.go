// Package payload reads Android A/B OTA payloads (payload.bin) from local
// files, bare URLs or OTA zips, and reassembles partition images from the
// install operations inside.
package payload

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
)

// Magic identifies an update_engine payload.
const Magic = "CrAU"

// header is magic + u64 version + u64 manifest len + u32 metadata sig len,
// all big-endian.
const headerSize = 4 + 8 + 8 + 4

// Payload is an opened OTA payload.
type Payload struct {
	Version         uint64
	ManifestSize    uint64
	MetadataSigSize uint32
	Manifest        *Manifest

	src        Source
	dataOffset int64
}

// Open resolves uri (payload.bin or OTA zip, local or remote) and parses the
// payload header and manifest. ctx bounds all remote reads made through the
// returned Payload.
func Open(ctx context.Context, uri string, opts *Options) (*Payload, error) {
	src, err := openSource(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	p, err := New(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	return p, nil
}

// New parses a payload from an existing source. The Payload takes ownership
// of src and closes it on Close.
func New(src Source) (*Payload, error) {
	size := src.Size()

	if size < 4 {
		return nil, fmt.Errorf("%w: payload is only %d bytes", ErrTruncatedManifest, size)
	}

	var magic [4]byte
	if _, err := src.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read payload magic: %v", err)
	}
	if string(magic[:]) != Magic {
		return nil, fmt.Errorf("%w: found %#x, expected %q", ErrBadMagic, magic, Magic)
	}

	if size < 12 {
		return nil, fmt.Errorf("%w: payload is only %d bytes", ErrTruncatedManifest, size)
	}
	var verBuf [8]byte
	if _, err := src.ReadAt(verBuf[:], 4); err != nil {
		return nil, fmt.Errorf("failed to read payload version: %v", err)
	}

	p := &Payload{
		Version: binary.BigEndian.Uint64(verBuf[:]),
		src:     src,
	}
	// brillo major version; v1 was Chrome OS only
	if p.Version != 2 {
		return nil, fmt.Errorf("%w: file format version %d", ErrUnsupportedVersion, p.Version)
	}

	if size < headerSize {
		return nil, fmt.Errorf("%w: payload is only %d bytes", ErrTruncatedManifest, size)
	}
	var lenBuf [12]byte
	if _, err := src.ReadAt(lenBuf[:], 12); err != nil {
		return nil, fmt.Errorf("failed to read payload header: %v", err)
	}
	p.ManifestSize = binary.BigEndian.Uint64(lenBuf[0:8])
	p.MetadataSigSize = binary.BigEndian.Uint32(lenBuf[8:12])

	if p.ManifestSize > uint64(size) ||
		headerSize+p.ManifestSize+uint64(p.MetadataSigSize) > uint64(size) {
		return nil, fmt.Errorf("%w: header claims %d manifest bytes but payload has %d",
			ErrTruncatedManifest, p.ManifestSize, size)
	}

	buf := make([]byte, p.ManifestSize)
	if _, err := src.ReadAt(buf, headerSize); err != nil {
		return nil, fmt.Errorf("failed to read payload manifest: %v", err)
	}

	manifest, err := decodeManifest(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestDecode, err)
	}
	if bs := manifest.BlockSize; bs == 0 || bs&(bs-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrManifestDecode, bs)
	}
	p.Manifest = manifest
	p.dataOffset = int64(headerSize + p.ManifestSize + uint64(p.MetadataSigSize))

	log.WithFields(log.Fields{
		"version":    p.Version,
		"minor":      manifest.MinorVersion,
		"partitions": len(manifest.Partitions),
		"block_size": manifest.BlockSize,
	}).Debug("parsed payload manifest")

	return p, nil
}

// Partitions lists the partition updates in manifest order.
func (p *Payload) Partitions() []PartitionUpdate {
	return p.Manifest.Partitions
}

// Partition finds a partition update by name.
func (p *Payload) Partition(name string) (*PartitionUpdate, error) {
	for i := range p.Manifest.Partitions {
		if p.Manifest.Partitions[i].PartitionName == name {
			return &p.Manifest.Partitions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
}

// DataOffset is where the operation data blob starts; InstallOperation data
// offsets are relative to it.
func (p *Payload) DataOffset() int64 {
	return p.dataOffset
}

// Size returns the total payload size in bytes.
func (p *Payload) Size() int64 {
	return p.src.Size()
}

func (p *Payload) Close() error {
	return p.src.Close()
}
