package bootimg

// Raw header layouts from AOSP's bootimg.h. Byte layouts are frozen by the
// format; every field is little-endian.

const (
	BootMagic       = "ANDROID!"
	VendorBootMagic = "VNDRBOOT"

	BootNameSize      = 16
	BootArgsSize      = 512
	BootExtraArgsSize = 1024

	VendorBootArgsSize    = 2048
	VendorBootNameSize    = 16
	VendorRamdiskNameSize = 32

	// v3 dropped the page_size field and fixed it at 4k
	pageSizeV3 = 4096

	vendorRamdiskTableEntrySize = 108
)

// Vendor ramdisk fragment types (v4 vendor boot).
const (
	VendorRamdiskTypeNone uint32 = iota
	VendorRamdiskTypePlatform
	VendorRamdiskTypeRecovery
	VendorRamdiskTypeDLKM
)

type RawHeaderV0 struct {
	Magic         [8]byte
	KernelSize    uint32
	KernelAddr    uint32
	RamdiskSize   uint32
	RamdiskAddr   uint32
	SecondSize    uint32
	SecondAddr    uint32
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32
	OSVersion     uint32
	Name          [BootNameSize]byte
	Cmdline       [BootArgsSize]byte
	ID            [32]byte
	ExtraCmdline  [BootExtraArgsSize]byte
}

type RawHeaderV1 struct {
	RawHeaderV0
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32
}

type RawHeaderV2 struct {
	RawHeaderV1
	DtbSize uint32
	DtbAddr uint64
}

type RawHeaderV3 struct {
	Magic         [8]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OSVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [BootArgsSize + BootExtraArgsSize]byte
}

type RawHeaderV4 struct {
	RawHeaderV3
	SignatureSize uint32
}

type RawVendorHeaderV3 struct {
	Magic             [8]byte
	HeaderVersion     uint32
	PageSize          uint32
	KernelAddr        uint32
	RamdiskAddr       uint32
	VendorRamdiskSize uint32
	Cmdline           [VendorBootArgsSize]byte
	TagsAddr          uint32
	Name              [VendorBootNameSize]byte
	HeaderSize        uint32
	DtbSize           uint32
	DtbAddr           uint64
}

type RawVendorHeaderV4 struct {
	RawVendorHeaderV3
	RamdiskTableSize      uint32
	RamdiskTableEntryNum  uint32
	RamdiskTableEntrySize uint32
	BootconfigSize        uint32
}

// VendorRamdiskTableEntry describes one ramdisk fragment inside a v4 vendor
// boot image's concatenated ramdisk section.
type VendorRamdiskTableEntry struct {
	RamdiskSize   uint32
	RamdiskOffset uint32
	RamdiskType   uint32
	RamdiskName   [VendorRamdiskNameSize]byte
	BoardID       [16]uint32
}
