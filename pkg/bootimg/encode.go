package bootimg

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
)

// NewV4 assembles a fresh v4 boot image from bare components. With a nil
// kernel this is the layout init_boot uses.
func NewV4(kernel, ramdisk []byte) *Image {
	hdr := new(RawHeaderV4)
	copy(hdr.Magic[:], BootMagic)
	hdr.HeaderVersion = 4
	return &Image{
		HeaderVersion: 4,
		PageSize:      pageSizeV3,
		Kernel:        kernel,
		Ramdisk:       ramdisk,
		hdrV4:         hdr,
	}
}

// SetKernel replaces the kernel component.
func (i *Image) SetKernel(data []byte) error {
	if i.Vendor {
		return fmt.Errorf("vendor boot images carry no kernel")
	}
	i.Kernel = data
	return nil
}

// SetRamdisk replaces the ramdisk component. For v4 vendor boot images the
// whole ramdisk section is replaced, so only single-fragment tables can be
// rewritten safely.
func (i *Image) SetRamdisk(data []byte) error {
	if len(i.RamdiskTable) > 1 {
		return fmt.Errorf("cannot replace a vendor ramdisk split into %d fragments", len(i.RamdiskTable))
	}
	if len(i.RamdiskTable) == 1 {
		i.RamdiskTable[0].RamdiskOffset = 0
		i.RamdiskTable[0].RamdiskSize = uint32(len(data))
	}
	i.Ramdisk = data
	return nil
}

// Pack re-serializes the image after component edits, recomputing the size
// fields and, for v0-v2, the sha1 id the same way mkbootimg does.
func (i *Image) Pack() ([]byte, error) {
	switch {
	case i.Vendor:
		return i.packVendor()
	case i.HeaderVersion >= 3:
		return i.packV3()
	default:
		return i.packBoot()
	}
}

func (i *Image) packBoot() ([]byte, error) {
	var hdr RawHeaderV2
	switch i.HeaderVersion {
	case 0:
		if i.hdrV0 == nil {
			return nil, fmt.Errorf("cannot pack a v0 image without a parsed header")
		}
		hdr.RawHeaderV0 = *i.hdrV0
	case 1:
		if i.hdrV1 == nil {
			return nil, fmt.Errorf("cannot pack a v1 image without a parsed header")
		}
		hdr.RawHeaderV1 = *i.hdrV1
	case 2:
		if i.hdrV2 == nil {
			return nil, fmt.Errorf("cannot pack a v2 image without a parsed header")
		}
		hdr = *i.hdrV2
	}

	page := uint64(i.PageSize)
	hdr.KernelSize = uint32(len(i.Kernel))
	hdr.RamdiskSize = uint32(len(i.Ramdisk))
	hdr.SecondSize = uint32(len(i.Second))
	if i.HeaderVersion >= 1 {
		hdr.RecoveryDtboSize = uint32(len(i.RecoveryDtbo))
		hdr.RecoveryDtboOffset = 0
		if len(i.RecoveryDtbo) > 0 {
			pages := 1 + pagesFor(len(i.Kernel), page) + pagesFor(len(i.Ramdisk), page) + pagesFor(len(i.Second), page)
			hdr.RecoveryDtboOffset = pages * page
		}
		hdr.HeaderSize = uint32(binary.Size(RawHeaderV1{}))
	}
	if i.HeaderVersion >= 2 {
		hdr.DtbSize = uint32(len(i.Dtb))
		hdr.HeaderSize = uint32(binary.Size(RawHeaderV2{}))
	}
	hdr.ID = i.computeID()

	buf := new(bytes.Buffer)
	var err error
	switch i.HeaderVersion {
	case 0:
		err = binary.Write(buf, binary.LittleEndian, hdr.RawHeaderV0)
	case 1:
		err = binary.Write(buf, binary.LittleEndian, hdr.RawHeaderV1)
	case 2:
		err = binary.Write(buf, binary.LittleEndian, hdr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %v", err)
	}
	padTo(buf, page)

	writeSection(buf, i.Kernel, page)
	writeSection(buf, i.Ramdisk, page)
	writeSection(buf, i.Second, page)
	if i.HeaderVersion >= 1 {
		writeSection(buf, i.RecoveryDtbo, page)
	}
	if i.HeaderVersion >= 2 {
		writeSection(buf, i.Dtb, page)
	}
	return buf.Bytes(), nil
}

func (i *Image) packV3() ([]byte, error) {
	var hdr RawHeaderV4
	switch i.HeaderVersion {
	case 3:
		if i.hdrV3 == nil {
			return nil, fmt.Errorf("cannot pack a v3 image without a parsed header")
		}
		hdr.RawHeaderV3 = *i.hdrV3
		hdr.HeaderSize = uint32(binary.Size(RawHeaderV3{}))
	case 4:
		if i.hdrV4 == nil {
			return nil, fmt.Errorf("cannot pack a v4 image without a parsed header")
		}
		hdr = *i.hdrV4
		hdr.HeaderSize = uint32(binary.Size(RawHeaderV4{}))
		hdr.SignatureSize = uint32(len(i.Signature))
	}
	hdr.KernelSize = uint32(len(i.Kernel))
	hdr.RamdiskSize = uint32(len(i.Ramdisk))

	buf := new(bytes.Buffer)
	var err error
	if i.HeaderVersion == 3 {
		err = binary.Write(buf, binary.LittleEndian, hdr.RawHeaderV3)
	} else {
		err = binary.Write(buf, binary.LittleEndian, hdr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %v", err)
	}
	padTo(buf, pageSizeV3)

	writeSection(buf, i.Kernel, pageSizeV3)
	writeSection(buf, i.Ramdisk, pageSizeV3)
	if i.HeaderVersion == 4 {
		writeSection(buf, i.Signature, pageSizeV3)
	}
	return buf.Bytes(), nil
}

func (i *Image) packVendor() ([]byte, error) {
	var hdr RawVendorHeaderV4
	switch i.HeaderVersion {
	case 3:
		if i.vndV3 == nil {
			return nil, fmt.Errorf("cannot pack a vendor v3 image without a parsed header")
		}
		hdr.RawVendorHeaderV3 = *i.vndV3
		hdr.HeaderSize = uint32(binary.Size(RawVendorHeaderV3{}))
	case 4:
		if i.vndV4 == nil {
			return nil, fmt.Errorf("cannot pack a vendor v4 image without a parsed header")
		}
		hdr = *i.vndV4
		hdr.HeaderSize = uint32(binary.Size(RawVendorHeaderV4{}))
		hdr.RamdiskTableEntryNum = uint32(len(i.RamdiskTable))
		hdr.RamdiskTableEntrySize = vendorRamdiskTableEntrySize
		hdr.RamdiskTableSize = uint32(len(i.RamdiskTable)) * vendorRamdiskTableEntrySize
		hdr.BootconfigSize = uint32(len(i.Bootconfig))
	}
	hdr.VendorRamdiskSize = uint32(len(i.Ramdisk))
	hdr.DtbSize = uint32(len(i.Dtb))

	page := uint64(i.PageSize)
	buf := new(bytes.Buffer)
	var err error
	if i.HeaderVersion == 3 {
		err = binary.Write(buf, binary.LittleEndian, hdr.RawVendorHeaderV3)
	} else {
		err = binary.Write(buf, binary.LittleEndian, hdr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %v", err)
	}
	padTo(buf, page)

	writeSection(buf, i.Ramdisk, page)
	writeSection(buf, i.Dtb, page)
	if i.HeaderVersion == 4 {
		if len(i.RamdiskTable) > 0 {
			if err := binary.Write(buf, binary.LittleEndian, i.RamdiskTable); err != nil {
				return nil, fmt.Errorf("failed to write vendor ramdisk table: %v", err)
			}
			padTo(buf, page)
		}
		writeSection(buf, i.Bootconfig, page)
	}
	return buf.Bytes(), nil
}

// computeID hashes each component followed by its little-endian length,
// matching mkbootimg's id rule. The 20 byte sha1 digest is zero padded.
func (i *Image) computeID() (id [32]byte) {
	h := sha1.New()
	hashComponent(h, i.Kernel)
	hashComponent(h, i.Ramdisk)
	hashComponent(h, i.Second)
	if i.HeaderVersion >= 1 {
		hashComponent(h, i.RecoveryDtbo)
	}
	if i.HeaderVersion >= 2 {
		hashComponent(h, i.Dtb)
	}
	copy(id[:], h.Sum(nil))
	return
}

func hashComponent(h hash.Hash, data []byte) {
	h.Write(data)
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(len(data)))
	h.Write(sz[:])
}

func pagesFor(n int, page uint64) uint64 {
	return (uint64(n) + page - 1) / page
}

func writeSection(buf *bytes.Buffer, data []byte, page uint64) {
	if len(data) == 0 {
		return
	}
	buf.Write(data)
	padTo(buf, page)
}

func padTo(buf *bytes.Buffer, page uint64) {
	if rem := uint64(buf.Len()) % page; rem != 0 {
		buf.Write(make([]byte, page-rem))
	}
}
