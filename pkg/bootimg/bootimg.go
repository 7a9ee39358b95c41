// Package bootimg parses and re-packs Android boot, init_boot and vendor_boot
// images (header versions 0 through 4).
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrUnknownFormat = errors.New("unknown boot image format")
	ErrTruncated     = errors.New("truncated boot image")
)

// Image is a decoded boot image. Component slices alias the buffer given to
// Parse; replace a slice wholesale and Pack to rebuild the image.
type Image struct {
	HeaderVersion uint32
	Vendor        bool
	PageSize      uint32

	Name       string
	Cmdline    string
	OSVersion  string
	PatchLevel string

	Kernel       []byte
	Ramdisk      []byte
	Second       []byte
	RecoveryDtbo []byte
	Dtb          []byte
	Signature    []byte // v4 boot signature (GKI)

	RamdiskTable []VendorRamdiskTableEntry // v4 vendor boot fragments
	Bootconfig   []byte                    // v4 vendor boot

	// Size is the total padded size of the image content, which can be
	// smaller than the partition dump it was parsed from.
	Size uint64

	hdrV0 *RawHeaderV0
	hdrV1 *RawHeaderV1
	hdrV2 *RawHeaderV2
	hdrV3 *RawHeaderV3
	hdrV4 *RawHeaderV4
	vndV3 *RawVendorHeaderV3
	vndV4 *RawVendorHeaderV4
}

// Open reads and parses the boot image at the given path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot image: %v", err)
	}
	return Parse(data)
}

// Parse decodes a boot image, dispatching on the magic and header version.
// Trailing bytes past the image content (partition dumps, AVB footers) are
// ignored.
func Parse(data []byte) (*Image, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("%w: %d bytes is too short for any header", ErrTruncated, len(data))
	}
	switch {
	case bytes.Equal(data[:8], []byte(BootMagic)):
		// v0-v2 and v3+ layouts both keep header_version at offset 40
		switch ver := binary.LittleEndian.Uint32(data[40:44]); ver {
		case 0, 1, 2:
			return parseBoot(data, ver)
		case 3, 4:
			return parseBootV3(data, ver)
		default:
			return nil, fmt.Errorf("%w: unsupported boot header version %d", ErrUnknownFormat, ver)
		}
	case bytes.Equal(data[:8], []byte(VendorBootMagic)):
		switch ver := binary.LittleEndian.Uint32(data[8:12]); ver {
		case 3, 4:
			return parseVendor(data, ver)
		default:
			return nil, fmt.Errorf("%w: unsupported vendor boot header version %d", ErrUnknownFormat, ver)
		}
	}
	return nil, fmt.Errorf("%w: bad magic %q", ErrUnknownFormat, string(data[:8]))
}

func parseBoot(data []byte, ver uint32) (*Image, error) {
	i := &Image{HeaderVersion: ver}

	var hdr RawHeaderV2
	r := bytes.NewReader(data)
	switch ver {
	case 0:
		i.hdrV0 = new(RawHeaderV0)
		if err := binary.Read(r, binary.LittleEndian, i.hdrV0); err != nil {
			return nil, fmt.Errorf("failed to read v0 header: %v", err)
		}
		hdr.RawHeaderV0 = *i.hdrV0
	case 1:
		i.hdrV1 = new(RawHeaderV1)
		if err := binary.Read(r, binary.LittleEndian, i.hdrV1); err != nil {
			return nil, fmt.Errorf("failed to read v1 header: %v", err)
		}
		hdr.RawHeaderV1 = *i.hdrV1
	case 2:
		i.hdrV2 = new(RawHeaderV2)
		if err := binary.Read(r, binary.LittleEndian, i.hdrV2); err != nil {
			return nil, fmt.Errorf("failed to read v2 header: %v", err)
		}
		hdr = *i.hdrV2
	}

	page := uint64(hdr.PageSize)
	if page == 0 || page&(page-1) != 0 || page < 2048 {
		return nil, fmt.Errorf("%w: bad page size %d", ErrUnknownFormat, hdr.PageSize)
	}
	i.PageSize = hdr.PageSize
	i.Name = cstring(hdr.Name[:])
	i.Cmdline = cstring(hdr.Cmdline[:])
	i.OSVersion, i.PatchLevel = decodeOSVersion(hdr.OSVersion)

	var err error
	off := page // header occupies the first page
	if i.Kernel, err = cut(data, off, uint64(hdr.KernelSize), "kernel"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.KernelSize), page)
	if i.Ramdisk, err = cut(data, off, uint64(hdr.RamdiskSize), "ramdisk"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.RamdiskSize), page)
	if i.Second, err = cut(data, off, uint64(hdr.SecondSize), "second stage"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.SecondSize), page)

	if ver >= 1 {
		dtboSize := uint64(hdr.RecoveryDtboSize)
		if dtboSize > 0 {
			if i.RecoveryDtbo, err = cut(data, hdr.RecoveryDtboOffset, dtboSize, "recovery dtbo"); err != nil {
				return nil, err
			}
		}
		off += alignUp(dtboSize, page)
	}
	if ver >= 2 {
		if i.Dtb, err = cut(data, off, uint64(hdr.DtbSize), "dtb"); err != nil {
			return nil, err
		}
		off += alignUp(uint64(hdr.DtbSize), page)
	}

	i.Size = off
	return i, nil
}

func parseBootV3(data []byte, ver uint32) (*Image, error) {
	i := &Image{HeaderVersion: ver, PageSize: pageSizeV3}

	var hdr RawHeaderV4
	r := bytes.NewReader(data)
	switch ver {
	case 3:
		i.hdrV3 = new(RawHeaderV3)
		if err := binary.Read(r, binary.LittleEndian, i.hdrV3); err != nil {
			return nil, fmt.Errorf("failed to read v3 header: %v", err)
		}
		hdr.RawHeaderV3 = *i.hdrV3
	case 4:
		i.hdrV4 = new(RawHeaderV4)
		if err := binary.Read(r, binary.LittleEndian, i.hdrV4); err != nil {
			return nil, fmt.Errorf("failed to read v4 header: %v", err)
		}
		hdr = *i.hdrV4
	}

	i.Cmdline = cstring(hdr.Cmdline[:])
	i.OSVersion, i.PatchLevel = decodeOSVersion(hdr.OSVersion)

	var err error
	off := uint64(pageSizeV3)
	if i.Kernel, err = cut(data, off, uint64(hdr.KernelSize), "kernel"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.KernelSize), pageSizeV3)
	if i.Ramdisk, err = cut(data, off, uint64(hdr.RamdiskSize), "ramdisk"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.RamdiskSize), pageSizeV3)
	if ver == 4 {
		if i.Signature, err = cut(data, off, uint64(hdr.SignatureSize), "boot signature"); err != nil {
			return nil, err
		}
		off += alignUp(uint64(hdr.SignatureSize), pageSizeV3)
	}

	i.Size = off
	return i, nil
}

func parseVendor(data []byte, ver uint32) (*Image, error) {
	i := &Image{HeaderVersion: ver, Vendor: true}

	var hdr RawVendorHeaderV4
	var hdrSize int
	r := bytes.NewReader(data)
	switch ver {
	case 3:
		i.vndV3 = new(RawVendorHeaderV3)
		if err := binary.Read(r, binary.LittleEndian, i.vndV3); err != nil {
			return nil, fmt.Errorf("failed to read vendor v3 header: %v", err)
		}
		hdr.RawVendorHeaderV3 = *i.vndV3
		hdrSize = binary.Size(i.vndV3)
	case 4:
		i.vndV4 = new(RawVendorHeaderV4)
		if err := binary.Read(r, binary.LittleEndian, i.vndV4); err != nil {
			return nil, fmt.Errorf("failed to read vendor v4 header: %v", err)
		}
		hdr = *i.vndV4
		hdrSize = binary.Size(i.vndV4)
	}

	page := uint64(hdr.PageSize)
	if page == 0 || page&(page-1) != 0 || page < 2048 {
		return nil, fmt.Errorf("%w: bad page size %d", ErrUnknownFormat, hdr.PageSize)
	}
	i.PageSize = hdr.PageSize
	i.Name = cstring(hdr.Name[:])
	i.Cmdline = cstring(hdr.Cmdline[:])

	var err error
	off := alignUp(uint64(hdrSize), page)
	if i.Ramdisk, err = cut(data, off, uint64(hdr.VendorRamdiskSize), "vendor ramdisk"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.VendorRamdiskSize), page)
	if i.Dtb, err = cut(data, off, uint64(hdr.DtbSize), "dtb"); err != nil {
		return nil, err
	}
	off += alignUp(uint64(hdr.DtbSize), page)

	if ver == 4 {
		if hdr.RamdiskTableEntrySize != vendorRamdiskTableEntrySize {
			return nil, fmt.Errorf("%w: vendor ramdisk table entry size %d", ErrUnknownFormat, hdr.RamdiskTableEntrySize)
		}
		if uint64(hdr.RamdiskTableEntryNum)*vendorRamdiskTableEntrySize != uint64(hdr.RamdiskTableSize) {
			return nil, fmt.Errorf("%w: vendor ramdisk table size %d does not match %d entries",
				ErrUnknownFormat, hdr.RamdiskTableSize, hdr.RamdiskTableEntryNum)
		}
		table, err := cut(data, off, uint64(hdr.RamdiskTableSize), "vendor ramdisk table")
		if err != nil {
			return nil, err
		}
		off += alignUp(uint64(hdr.RamdiskTableSize), page)
		i.RamdiskTable = make([]VendorRamdiskTableEntry, hdr.RamdiskTableEntryNum)
		if err := binary.Read(bytes.NewReader(table), binary.LittleEndian, i.RamdiskTable); err != nil {
			return nil, fmt.Errorf("failed to read vendor ramdisk table: %v", err)
		}
		for idx, entry := range i.RamdiskTable {
			if uint64(entry.RamdiskOffset)+uint64(entry.RamdiskSize) > uint64(len(i.Ramdisk)) {
				return nil, fmt.Errorf("%w: ramdisk fragment %d [%d:%d) exceeds %d byte ramdisk section",
					ErrTruncated, idx, entry.RamdiskOffset, uint64(entry.RamdiskOffset)+uint64(entry.RamdiskSize), len(i.Ramdisk))
			}
		}
		if i.Bootconfig, err = cut(data, off, uint64(hdr.BootconfigSize), "bootconfig"); err != nil {
			return nil, err
		}
		off += alignUp(uint64(hdr.BootconfigSize), page)
	}

	i.Size = off
	return i, nil
}

// Fragment returns the bytes of a v4 vendor ramdisk table entry.
func (i *Image) Fragment(idx int) []byte {
	if idx < 0 || idx >= len(i.RamdiskTable) {
		return nil
	}
	e := i.RamdiskTable[idx]
	return i.Ramdisk[e.RamdiskOffset : uint64(e.RamdiskOffset)+uint64(e.RamdiskSize)]
}

func (i *Image) String() string {
	var b strings.Builder
	kind := "boot"
	if i.Vendor {
		kind = "vendor_boot"
	}
	fmt.Fprintf(&b, "%s image v%d, page size %d\n", kind, i.HeaderVersion, i.PageSize)
	if i.Name != "" {
		fmt.Fprintf(&b, "  name:       %s\n", i.Name)
	}
	if i.OSVersion != "" {
		fmt.Fprintf(&b, "  os version: %s\n", i.OSVersion)
	}
	if i.PatchLevel != "" {
		fmt.Fprintf(&b, "  os patch:   %s\n", i.PatchLevel)
	}
	if i.Cmdline != "" {
		fmt.Fprintf(&b, "  cmdline:    %s\n", i.Cmdline)
	}
	for _, c := range []struct {
		name string
		data []byte
	}{
		{"kernel", i.Kernel},
		{"ramdisk", i.Ramdisk},
		{"second", i.Second},
		{"recovery_dtbo", i.RecoveryDtbo},
		{"dtb", i.Dtb},
		{"boot_signature", i.Signature},
		{"bootconfig", i.Bootconfig},
	} {
		if len(c.data) > 0 {
			fmt.Fprintf(&b, "  %-14s %d bytes\n", c.name+":", len(c.data))
		}
	}
	for idx, e := range i.RamdiskTable {
		fmt.Fprintf(&b, "  fragment %d: %q type %d, %d bytes\n", idx, cstring(e.RamdiskName[:]), e.RamdiskType, e.RamdiskSize)
	}
	return b.String()
}

func cut(data []byte, off, size uint64, what string) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if off > uint64(len(data)) || size > uint64(len(data))-off {
		return nil, fmt.Errorf("%w: %s [%d:%d) exceeds %d byte image", ErrTruncated, what, off, off+size, len(data))
	}
	return data[off : off+size : off+size], nil
}

func alignUp(n, page uint64) uint64 {
	return (n + page - 1) / page * page
}

func cstring(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// decodeOSVersion unpacks the packed os_version header field into a dotted
// release and a YYYY-MM security patch level.
func decodeOSVersion(v uint32) (version, patch string) {
	if v == 0 {
		return "", ""
	}
	if rel := v >> 11; rel != 0 {
		version = fmt.Sprintf("%d.%d.%d", rel>>14&0x7f, rel>>7&0x7f, rel&0x7f)
	}
	if lvl := v & 0x7ff; lvl != 0 {
		patch = fmt.Sprintf("%d-%02d", 2000+int(lvl>>4), int(lvl&0xf))
	}
	return version, patch
}
