package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/aota/pkg/comp"
	"golang.org/x/sys/execabs"
)

// Magisk patches ramdisks the way Magisk's boot_patch.sh does, driving
// magiskboot cpio edits directly: magiskinit takes over init and the magisk
// binary rides along under overlay.d.
type Magisk struct {
	Magiskboot string // magiskboot executable
	Init       string // magiskinit, pulled out of the apk
	Binary     string // magisk64, compressed into overlay.d

	KeepVerity       bool
	KeepForceEncrypt bool
}

func (m *Magisk) Name() string { return "magisk" }

func (m *Magisk) Accepts(p Partition) bool {
	return p == PartitionBoot || p == PartitionInitBoot
}

func (m *Magisk) Component() Component { return ComponentRamdisk }

func (m *Magisk) Apply(ctx context.Context, blob []byte, target Target) ([]byte, error) {
	cpio := blob
	alg := comp.Detect(blob)
	if alg != comp.NONE {
		var err error
		if cpio, err = comp.Decompress(blob, alg); err != nil {
			return nil, fmt.Errorf("failed to unwrap ramdisk: %w", err)
		}
	}

	dir, err := os.MkdirTemp("", "aota-magisk-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "ramdisk.cpio")
	if err := os.WriteFile(archive, cpio, 0644); err != nil {
		return nil, err
	}

	// overlay.d payloads must be xz wrapped
	magiskXZ := filepath.Join(dir, "magisk64.xz")
	if err := m.run(ctx, dir, "compress=xz", m.Binary, magiskXZ); err != nil {
		return nil, err
	}

	config := filepath.Join(dir, "config")
	conf := fmt.Sprintf("KEEPVERITY=%t\nKEEPFORCEENCRYPT=%t\n", m.KeepVerity, m.KeepForceEncrypt)
	if err := os.WriteFile(config, []byte(conf), 0644); err != nil {
		return nil, err
	}

	if err := m.run(ctx, dir,
		"cpio", archive,
		"add 0750 init "+m.Init,
		"mkdir 0750 overlay.d",
		"mkdir 0750 overlay.d/sbin",
		"add 0644 overlay.d/sbin/magisk64.xz "+magiskXZ,
		"patch",
		"mkdir 000 .backup",
		"add 000 .backup/.magisk "+config,
	); err != nil {
		return nil, err
	}

	patched, err := os.ReadFile(archive)
	if err != nil {
		return nil, err
	}
	if alg == comp.NONE {
		return patched, nil
	}
	out, err := comp.Compress(patched, alg)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrap ramdisk as %s: %w", alg, err)
	}
	return out, nil
}

func (m *Magisk) run(ctx context.Context, dir string, args ...string) error {
	cmd := execabs.CommandContext(ctx, m.Magiskboot, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("KEEPVERITY=%t", m.KeepVerity),
		fmt.Sprintf("KEEPFORCEENCRYPT=%t", m.KeepForceEncrypt),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("magiskboot %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
