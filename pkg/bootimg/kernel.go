package bootimg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/aota/internal/utils"
	"github.com/blacktop/aota/pkg/comp"
	"github.com/hashicorp/go-version"
)

// kmiRegex pulls the kernel release and android platform out of a GKI
// version banner such as "Linux version 6.1.68-android14-11-g87605bd07a1e".
var kmiRegex = regexp.MustCompile(`(?:.* )?(\d+\.\d+)(?:\S+)?(android\d+)`)

// gki kernels start at 5.10
var minGKI = version.Must(version.NewVersion("5.10"))

// KMI scans a kernel image for its kernel module interface string, e.g.
// "android14-6.1". Compressed kernels are unwrapped before scanning.
func KMI(kernel []byte) (string, error) {
	for _, s := range utils.GrepStrings(kernelData(kernel), "android") {
		if !utils.IsASCII(s) {
			continue
		}
		if m := kmiRegex.FindStringSubmatch(s); m != nil {
			return fmt.Sprintf("%s-%s", m[2], m[1]), nil
		}
	}
	return "", fmt.Errorf("no kernel version banner found")
}

// Version returns the full "Linux version ..." banner from a kernel image.
func Version(kernel []byte) (string, error) {
	for _, s := range utils.GrepStrings(kernelData(kernel), "Linux version ") {
		if utils.IsASCII(s) {
			return strings.TrimSpace(s), nil
		}
	}
	return "", fmt.Errorf("no kernel version banner found")
}

// SupportsGKI reports whether a kmi string names a 5.10 or newer kernel, the
// first release line shipping the generic kernel image module interface.
func SupportsGKI(kmi string) bool {
	_, rel, ok := strings.Cut(kmi, "-")
	if !ok {
		return false
	}
	v, err := version.NewVersion(rel)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(minGKI)
}

func kernelData(kernel []byte) []byte {
	if alg := comp.Detect(kernel); alg != comp.NONE {
		if data, err := comp.Decompress(kernel, alg); err == nil {
			return data
		}
	}
	return kernel
}
