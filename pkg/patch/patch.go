// Package patch roots Android boot images. A Provider rewrites one component
// of the image (normally the ramdisk) and the engine splices it back in,
// leaving every other byte of the input image alone.
package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/aota/pkg/bootimg"
)

// Method selects the root solution injected into the image.
type Method int

const (
	MethodKernelSU Method = iota
	MethodMagisk
)

func (m Method) String() string {
	switch m {
	case MethodKernelSU:
		return "kernelsu"
	case MethodMagisk:
		return "magisk"
	}
	return "unknown"
}

// ParseMethod resolves a method name or alias.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "kernelsu", "ksu", "k":
		return MethodKernelSU, nil
	case "magisk", "m":
		return MethodMagisk, nil
	}
	return 0, fmt.Errorf("unknown patch method %q (expected kernelsu or magisk)", s)
}

// Partition is a boot-family partition kind.
type Partition int

const (
	PartitionBoot Partition = iota
	PartitionInitBoot
	PartitionVendorBoot
)

func (p Partition) String() string {
	switch p {
	case PartitionBoot:
		return "boot"
	case PartitionInitBoot:
		return "init_boot"
	case PartitionVendorBoot:
		return "vendor_boot"
	}
	return "unknown"
}

// ParsePartition resolves a partition name or alias.
func ParsePartition(s string) (Partition, error) {
	switch strings.ToLower(s) {
	case "boot", "b":
		return PartitionBoot, nil
	case "init_boot", "ib":
		return PartitionInitBoot, nil
	case "vendor_boot", "vb":
		return PartitionVendorBoot, nil
	}
	return 0, fmt.Errorf("unknown partition %q (expected boot, init_boot or vendor_boot)", s)
}

// Component names the blob of a boot image a provider rewrites.
type Component int

const (
	ComponentRamdisk Component = iota
	ComponentKernel
)

// Target tells a provider what it is patching.
type Target struct {
	Partition Partition
	KMI       string
}

// Provider is an external root-patch tool seen as a pure byte transform.
type Provider interface {
	Name() string
	// Accepts reports whether the provider can patch this partition kind.
	Accepts(p Partition) bool
	// Component selects which blob of the boot image the provider rewrites.
	Component() Component
	// Apply transforms the selected component and returns the replacement.
	Apply(ctx context.Context, blob []byte, target Target) ([]byte, error)
}

var ErrUnsupportedPartition = errors.New("unsupported partition kind")

// ProviderError wraps whatever the external patch tool reported.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s patch failed: %v", e.Provider, e.Err)
}
func (e *ProviderError) Unwrap() error { return e.Err }

// Result is a patched, flashable boot image.
type Result struct {
	Name string // suggested output file name
	KMI  string
	Data []byte
}

type Engine struct {
	provider Provider
}

func NewEngine(p Provider) *Engine {
	return &Engine{provider: p}
}

// Patch decodes a boot image, hands its ramdisk (or kernel) to the provider
// and re-encodes the image with only that component replaced. Size and id
// header fields are recomputed; everything else survives byte for byte.
func (e *Engine) Patch(ctx context.Context, image []byte, target Target) (*Result, error) {
	if !e.provider.Accepts(target.Partition) {
		return nil, fmt.Errorf("%w: %s cannot patch %s", ErrUnsupportedPartition, e.provider.Name(), target.Partition)
	}

	img, err := bootimg.Parse(image)
	if err != nil {
		return nil, err
	}
	if target.KMI == "" && len(img.Kernel) > 0 {
		if kmi, err := bootimg.KMI(img.Kernel); err == nil {
			target.KMI = kmi
		}
	}

	blob := img.Ramdisk
	if e.provider.Component() == ComponentKernel {
		blob = img.Kernel
	}

	log.WithFields(log.Fields{
		"provider":  e.provider.Name(),
		"partition": target.Partition.String(),
		"kmi":       target.KMI,
	}).Debug("patching boot image")

	patched, err := e.provider.Apply(ctx, blob, target)
	if err != nil {
		return nil, &ProviderError{Provider: e.provider.Name(), Err: err}
	}

	if e.provider.Component() == ComponentKernel {
		err = img.SetKernel(patched)
	} else {
		err = img.SetRamdisk(patched)
	}
	if err != nil {
		return nil, err
	}

	data, err := img.Pack()
	if err != nil {
		return nil, err
	}
	return &Result{
		Name: outputName(e.provider.Name(), target),
		KMI:  target.KMI,
		Data: data,
	}, nil
}

func outputName(method string, t Target) string {
	if t.KMI == "" {
		return fmt.Sprintf("%s_patched_%s.img", method, t.Partition)
	}
	return fmt.Sprintf("%s_patched_%s-%s.img", method, t.Partition, t.KMI)
}
