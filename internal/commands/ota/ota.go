// Package ota implements the aota list, dump and patch flows over an A/B OTA
// payload.
package ota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/tools"
	"github.com/blacktop/aota/internal/utils"
	"github.com/blacktop/aota/pkg/bootimg"
	"github.com/blacktop/aota/pkg/patch"
	"github.com/blacktop/aota/pkg/payload"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/execabs"
)

// Config is the ota command configuration.
type Config struct {
	// url or local path of a payload.bin or full OTA zip
	URL string `json:"url,omitempty"`
	// partitions to operate on
	Partitions []string `json:"partitions,omitempty"`
	// directory holding old partition images for differential payloads
	Source string `json:"source,omitempty"`
	// output directory
	Output string `json:"output,omitempty"`
	// http proxy to use
	Proxy string `json:"proxy,omitempty"`
	// don't verify the certificate chain
	Insecure bool `json:"insecure,omitempty"`
	// deadline for the whole request (zero means none)
	Timeout time.Duration `json:"timeout,omitempty"`
	// concurrent partition extractions
	Concurrency int `json:"concurrency,omitempty"`
	// partitions allowed to be dumped (empty allows all)
	Allowed []string `json:"allowed,omitempty"`
	// draw progress bars
	Progress bool `json:"progress,omitempty"`

	// patch tooling
	ToolsDir         string `json:"tools_dir,omitempty"`
	Ksud             string `json:"ksud,omitempty"`
	Magiskboot       string `json:"magiskboot,omitempty"`
	KeepVerity       bool   `json:"keep_verity,omitempty"`
	KeepForceEncrypt bool   `json:"keep_force_encrypt,omitempty"`
	// kernel module interface override, normally detected from the boot kernel
	KMI string `json:"kmi,omitempty"`
}

func (c *Config) options() *payload.Options {
	return &payload.Options{Proxy: c.Proxy, Insecure: c.Insecure}
}

func (c *Config) context(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(parent, c.Timeout)
	}
	return context.WithCancel(parent)
}

func (c *Config) workers() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 4
}

// Info summarizes a payload without extracting anything.
type Info struct {
	Size               int64
	Version            uint64
	SecurityPatchLevel string
	BlockSize          uint32
	MinorVersion       uint32
	MaxTimestamp       int64
	Delta              bool
	PartialUpdate      bool
	DynamicPartitions  *payload.DynamicPartitionMetadata
	Partitions         []PartitionSummary
}

// PartitionSummary is one (name, size) row of the payload listing.
type PartitionSummary struct {
	Name string
	Size uint64
}

// List opens the payload just far enough to describe its partitions.
func List(ctx context.Context, cfg *Config) (*Info, error) {
	ctx, cancel := cfg.context(ctx)
	defer cancel()

	pl, err := payload.Open(ctx, cfg.URL, cfg.options())
	if err != nil {
		return nil, err
	}
	defer pl.Close()

	nfo := &Info{
		Size:               pl.Size(),
		Version:            pl.Version,
		SecurityPatchLevel: pl.Manifest.SecurityPatchLevel,
		BlockSize:          pl.Manifest.BlockSize,
		MinorVersion:       pl.Manifest.MinorVersion,
		MaxTimestamp:       pl.Manifest.MaxTimestamp,
		Delta:              pl.Manifest.Delta(),
		PartialUpdate:      pl.Manifest.PartialUpdate,
		DynamicPartitions:  pl.Manifest.DynamicPartitions,
	}
	for i := range pl.Manifest.Partitions {
		pu := &pl.Manifest.Partitions[i]
		nfo.Partitions = append(nfo.Partitions, PartitionSummary{
			Name: pu.PartitionName,
			Size: pu.Size(pl.Manifest.BlockSize),
		})
	}
	return nfo, nil
}

// PartitionError ties an extraction failure to the partition it hit.
type PartitionError struct {
	Partition string
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %s: %v", e.Partition, e.Err)
}
func (e *PartitionError) Unwrap() error { return e.Err }

// Dump reconstructs the requested partitions into cfg.Output as <name>.img
// files. Partition-scoped failures (not in the manifest, hash mismatch,
// unsupported operation) do not stop the other partitions; they are collected
// and returned together once every worker finishes. Anything else cancels the
// whole group.
func Dump(ctx context.Context, cfg *Config) ([]string, error) {
	ctx, cancel := cfg.context(ctx)
	defer cancel()

	names, err := resolve(cfg.Partitions, cfg.Allowed)
	if err != nil {
		return nil, err
	}

	pl, err := payload.Open(ctx, cfg.URL, cfg.options())
	if err != nil {
		return nil, err
	}
	defer pl.Close()

	if err := os.MkdirAll(cfg.Output, 0750); err != nil {
		return nil, err
	}

	var pbar *mpb.Progress
	if cfg.Progress {
		pbar = mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
	}

	var mu sync.Mutex
	var outs []string
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers())
	for _, name := range names {
		name := name
		g.Go(func() error {
			out, err := dumpOne(gctx, pl, cfg, name, pbar)
			if err != nil {
				if partitionScoped(err) {
					mu.Lock()
					failures = append(failures, &PartitionError{Partition: name, Err: err})
					mu.Unlock()
					return nil
				}
				return &PartitionError{Partition: name, Err: err}
			}
			mu.Lock()
			outs = append(outs, out)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if pbar != nil {
		pbar.Wait()
	}
	if err != nil {
		return nil, err
	}

	sort.Strings(outs)
	if len(failures) > 0 {
		return outs, errors.Join(failures...)
	}
	return outs, nil
}

func dumpOne(ctx context.Context, pl *payload.Payload, cfg *Config, name string, pbar *mpb.Progress) (string, error) {
	pu, err := pl.Partition(name)
	if err != nil {
		return "", err
	}

	opts := &payload.ExtractOptions{}
	if cfg.Source != "" {
		old, err := openOld(cfg.Source, name, pu)
		if err != nil {
			return "", err
		}
		if old != nil {
			defer old.Close()
			opts.Old = old
		}
	}

	size := pu.Size(pl.Manifest.BlockSize)
	log.WithFields(log.Fields{
		"partition": name,
		"size":      size,
	}).Debug("extracting partition")

	if pbar != nil {
		bar := pbar.New(int64(size),
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("%-14s", name)),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "✅ "),
			),
		)
		opts.Progress = func(n int64) { bar.IncrInt64(n) }
		defer bar.SetTotal(int64(size), true)
	}

	fname := filepath.Join(cfg.Output, name+".img")
	f, err := os.Create(fname)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := pl.Extract(ctx, pu, f, opts); err != nil {
		os.Remove(fname)
		return "", err
	}
	return fname, nil
}

// openOld maps a differential partition to <dir>/<name>.img. A missing file
// is only an error when the partition actually needs its old image.
func openOld(dir, name string, pu *payload.PartitionUpdate) (*os.File, error) {
	path := filepath.Join(dir, name+".img")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if isDelta(pu) {
				return nil, fmt.Errorf("%w: %s", payload.ErrMissingSource, path)
			}
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func isDelta(pu *payload.PartitionUpdate) bool {
	for _, op := range pu.Operations {
		if op.Type.Delta() {
			return true
		}
	}
	return false
}

// resolve sorts, dedupes and whitelist-checks the requested partitions.
func resolve(parts, allowed []string) ([]string, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no partitions requested")
	}
	var names []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !utils.StrSliceHas(names, p) {
			names = append(names, p)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no partitions requested")
	}
	sort.Strings(names)
	if len(allowed) > 0 {
		for _, n := range names {
			if !utils.StrSliceHas(allowed, n) {
				return nil, fmt.Errorf("partition %s is not in the allowed list %v", n, allowed)
			}
		}
	}
	return names, nil
}

// partitionScoped errors fail one partition without poisoning the request.
func partitionScoped(err error) bool {
	var ohe *payload.OperationHashError
	var phe *payload.PartitionHashError
	var uoe *payload.UnsupportedOpError
	return errors.Is(err, payload.ErrPartitionNotFound) ||
		errors.Is(err, payload.ErrUnsupportedDeltaPayload) ||
		errors.Is(err, payload.ErrMissingSource) ||
		errors.As(err, &ohe) || errors.As(err, &phe) || errors.As(err, &uoe)
}

// PatchResult describes one patched boot image written to disk.
type PatchResult struct {
	Partition string
	Method    string
	KMI       string
	Path      string
}

// Patch dumps the target boot partition, roots it with the chosen method and
// writes the flashable result into cfg.Output.
func Patch(ctx context.Context, cfg *Config, part, method string) (*PatchResult, error) {
	kind, err := patch.ParsePartition(part)
	if err != nil {
		return nil, err
	}
	m, err := patch.ParseMethod(method)
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(cfg, m)
	if err != nil {
		return nil, err
	}
	return PatchWith(ctx, cfg, kind, provider)
}

// PatchWith runs the patch flow with an explicit provider.
func PatchWith(ctx context.Context, cfg *Config, kind patch.Partition, provider patch.Provider) (*PatchResult, error) {
	ctx, cancel := cfg.context(ctx)
	defer cancel()

	pl, err := payload.Open(ctx, cfg.URL, cfg.options())
	if err != nil {
		return nil, err
	}
	defer pl.Close()

	image, err := extractPartition(ctx, pl, cfg, kind.String())
	if err != nil {
		return nil, err
	}

	// the kernel naming the kmi lives in boot, not necessarily in the
	// partition being patched
	kmi := cfg.KMI
	if kmi == "" && kind != patch.PartitionBoot {
		kmi = probeKMI(ctx, pl, cfg)
	}

	eng := patch.NewEngine(provider)
	res, err := eng.Patch(ctx, image, patch.Target{Partition: kind, KMI: kmi})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Output, 0750); err != nil {
		return nil, err
	}
	out := filepath.Join(cfg.Output, res.Name)
	if err := os.WriteFile(out, res.Data, 0644); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"partition": kind.String(),
		"kmi":       res.KMI,
		"output":    out,
	}).Info("Patched boot image")

	return &PatchResult{
		Partition: kind.String(),
		Method:    provider.Name(),
		KMI:       res.KMI,
		Path:      out,
	}, nil
}

func extractPartition(ctx context.Context, pl *payload.Payload, cfg *Config, name string) ([]byte, error) {
	pu, err := pl.Partition(name)
	if err != nil {
		return nil, err
	}
	opts := &payload.ExtractOptions{}
	if cfg.Source != "" {
		old, err := openOld(cfg.Source, name, pu)
		if err != nil {
			return nil, err
		}
		if old != nil {
			defer old.Close()
			opts.Old = old
		}
	}
	log.WithField("partition", name).Info("Extracting partition")
	return pl.ExtractBytes(ctx, pu, opts)
}

// probeKMI pulls the boot partition and scans its kernel. Failures just mean
// no kmi, the provider decides whether that is fatal.
func probeKMI(ctx context.Context, pl *payload.Payload, cfg *Config) string {
	data, err := extractPartition(ctx, pl, cfg, "boot")
	if err != nil {
		log.WithError(err).Debug("could not extract boot for kmi detection")
		return ""
	}
	img, err := bootimg.Parse(data)
	if err != nil {
		log.WithError(err).Debug("could not parse boot image for kmi detection")
		return ""
	}
	kmi, err := bootimg.KMI(img.Kernel)
	if err != nil {
		log.WithError(err).Debug("no kmi in boot kernel")
		return ""
	}
	return kmi
}

func newProvider(cfg *Config, m patch.Method) (patch.Provider, error) {
	t, err := tools.New(cfg.ToolsDir, cfg.Proxy, cfg.Insecure)
	if err != nil {
		return nil, err
	}

	magiskboot := cfg.Magiskboot
	if magiskboot != "" {
		if p, err := execabs.LookPath(magiskboot); err == nil {
			magiskboot = p
		}
	}

	var mt *tools.MagiskTools
	if magiskboot == "" || m == patch.MethodMagisk {
		if mt, err = t.Magisk(); err != nil {
			return nil, err
		}
		if magiskboot == "" {
			magiskboot = mt.Magiskboot
		}
	}

	switch m {
	case patch.MethodKernelSU:
		ksud := cfg.Ksud
		if ksud == "" {
			if ksud, err = t.Ksud(); err != nil {
				return nil, err
			}
		}
		return &patch.KernelSU{Ksud: ksud, Magiskboot: magiskboot}, nil
	case patch.MethodMagisk:
		return &patch.Magisk{
			Magiskboot:       magiskboot,
			Init:             mt.Magiskinit,
			Binary:           mt.Magisk64,
			KeepVerity:       cfg.KeepVerity,
			KeepForceEncrypt: cfg.KeepForceEncrypt,
		}, nil
	}
	return nil, fmt.Errorf("unknown patch method %s", m)
}
