package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/aota/pkg/bootimg"
	"golang.org/x/sys/execabs"
)

// KernelSU patches ramdisks through ksud's boot-patch flow. ksud only
// operates on whole boot images, so the bare ramdisk is wrapped in a scratch
// init_boot style image first and pulled back out of ksud's output.
type KernelSU struct {
	Ksud       string // ksud executable
	Magiskboot string // magiskboot executable handed to ksud
}

func (k *KernelSU) Name() string { return "kernelsu" }

func (k *KernelSU) Accepts(p Partition) bool {
	return p == PartitionBoot || p == PartitionInitBoot
}

func (k *KernelSU) Component() Component { return ComponentRamdisk }

func (k *KernelSU) Apply(ctx context.Context, blob []byte, target Target) ([]byte, error) {
	if target.KMI == "" {
		return nil, fmt.Errorf("no kernel module interface detected (kernelsu needs a GKI kernel)")
	}
	if !bootimg.SupportsGKI(target.KMI) {
		return nil, fmt.Errorf("kernel %s predates GKI, no loadable kernelsu module exists for it", target.KMI)
	}

	dir, err := os.MkdirTemp("", "aota-ksu-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	scratch := filepath.Join(dir, "scratch.img")
	data, err := bootimg.NewV4(nil, blob).Pack()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(scratch, data, 0644); err != nil {
		return nil, err
	}

	cmd := execabs.CommandContext(ctx, k.Ksud,
		"boot-patch",
		"-b", scratch,
		"--magiskboot", k.Magiskboot,
		"--kmi", target.KMI,
		"--out-name", "patched.img",
	)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ksud boot-patch: %v: %s", err, strings.TrimSpace(string(out)))
	}

	img, err := bootimg.Open(filepath.Join(dir, "patched.img"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ksud output: %w", err)
	}
	return img.Ramdisk, nil
}
