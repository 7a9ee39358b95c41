package bootimg

import "github.com/blacktop/aota/pkg/comp"

// DetectRamdisk sniffs the wrapping of a ramdisk section. It returns the
// compression algorithm (comp.NONE for a bare archive) and whether a cpio
// header sits underneath.
func DetectRamdisk(data []byte) (comp.Algorithm, bool) {
	alg := comp.Detect(data)
	if alg == comp.NONE {
		return comp.NONE, isCpio(data)
	}
	if dec, err := comp.Decompress(data, alg); err == nil {
		return alg, isCpio(dec)
	}
	return alg, false
}

// RamdiskFormat reports the wrapping of the image's ramdisk section.
func (i *Image) RamdiskFormat() (comp.Algorithm, bool) {
	return DetectRamdisk(i.Ramdisk)
}

// newc (070701), crc (070702) and odc (070707) cpio magics
func isCpio(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	switch string(data[:6]) {
	case "070701", "070702", "070707":
		return true
	}
	return false
}
