// Package tools fetches and caches the external binaries the patch providers
// exec: ksud from the KernelSU releases and magiskboot, magiskinit and
// magisk64 out of the Magisk apk.
package tools

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/download"
	"github.com/blacktop/aota/internal/utils"
)

const (
	ksudOwner   = "tiann"
	ksudRepo    = "KernelSU"
	magiskOwner = "topjohnwu"
	magiskRepo  = "Magisk"

	// ramdisk payloads run on the device, not the host
	deviceABI = "arm64-v8a"
)

// Tools locates, downloading on first use, the external binaries the patch
// providers exec. Everything lands under one cache directory.
type Tools struct {
	Dir      string
	Proxy    string
	Insecure bool
}

// MagiskTools are the pieces pulled out of the Magisk apk.
type MagiskTools struct {
	Magiskboot string
	Magiskinit string
	Magisk64   string
}

func New(dir, proxy string, insecure bool) (*Tools, error) {
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate user cache dir: %v", err)
		}
		dir = filepath.Join(cache, "aota")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tool cache %s: %v", dir, err)
	}
	return &Tools{Dir: dir, Proxy: proxy, Insecure: insecure}, nil
}

// Ksud returns the path to a cached host ksud binary, downloading the latest
// KernelSU release asset on first use.
func (t *Tools) Ksud() (string, error) {
	dest := filepath.Join(t.Dir, "ksud")
	if exists(dest) {
		return dest, nil
	}

	triple, err := ksudTriple()
	if err != nil {
		return "", err
	}
	release, err := download.GetLatestRelease(ksudOwner, ksudRepo, t.Proxy, t.Insecure, "")
	if err != nil {
		return "", fmt.Errorf("failed to query latest KernelSU release: %v", err)
	}
	asset, err := release.Asset("ksud-" + triple)
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"tag":   release.Tag,
		"asset": asset.Name,
	}).Info("Downloading ksud")
	if err := t.fetch(asset.DownloadURL, dest); err != nil {
		return "", err
	}
	if err := os.Chmod(dest, 0755); err != nil {
		return "", err
	}
	return dest, nil
}

// Magisk returns the cached magiskboot, magiskinit and magisk64 paths,
// extracting them from the latest Magisk apk on first use. magiskboot is
// built for the host, the other two ride into the device ramdisk.
func (t *Tools) Magisk() (*MagiskTools, error) {
	mt := &MagiskTools{
		Magiskboot: filepath.Join(t.Dir, "magiskboot"),
		Magiskinit: filepath.Join(t.Dir, "magiskinit"),
		Magisk64:   filepath.Join(t.Dir, "magisk64"),
	}
	if exists(mt.Magiskboot) && exists(mt.Magiskinit) && exists(mt.Magisk64) {
		return mt, nil
	}

	host, err := hostABI()
	if err != nil {
		return nil, err
	}
	release, err := download.GetLatestRelease(magiskOwner, magiskRepo, t.Proxy, t.Insecure, "")
	if err != nil {
		return nil, fmt.Errorf("failed to query latest Magisk release: %v", err)
	}
	asset, err := release.Asset(fmt.Sprintf("Magisk-%s.apk", release.Tag))
	if err != nil {
		return nil, err
	}

	apk := filepath.Join(t.Dir, asset.Name)
	if !exists(apk) {
		log.WithFields(log.Fields{
			"tag":   release.Tag,
			"asset": asset.Name,
		}).Info("Downloading Magisk apk")
		if err := t.fetch(asset.DownloadURL, apk); err != nil {
			return nil, err
		}
	}

	wanted := map[string]string{
		fmt.Sprintf("lib/%s/libmagiskboot.so", host):      mt.Magiskboot,
		fmt.Sprintf("lib/%s/libmagiskinit.so", deviceABI): mt.Magiskinit,
		fmt.Sprintf("lib/%s/libmagisk64.so", deviceABI):   mt.Magisk64,
	}
	if _, err := utils.Unzip(apk, t.Dir, func(f *zip.File) bool {
		_, ok := wanted[f.Name]
		return ok
	}); err != nil {
		return nil, fmt.Errorf("failed to extract %s: %v", asset.Name, err)
	}
	for name, dest := range wanted {
		src := filepath.Join(t.Dir, filepath.Base(name))
		if !exists(src) {
			return nil, fmt.Errorf("%s carries no %s", asset.Name, name)
		}
		if err := os.Rename(src, dest); err != nil {
			return nil, err
		}
		if err := os.Chmod(dest, 0755); err != nil {
			return nil, err
		}
	}
	return mt, nil
}

func (t *Tools) fetch(url, dest string) error {
	d := download.NewDownload(t.Proxy, t.Insecure, false, true, false, false)
	d.URL = url
	d.DestName = dest
	if err := d.Do(); err != nil {
		return fmt.Errorf("failed to download %s: %v", url, err)
	}
	return nil
}

// ksud release assets are named by rust target triple
func ksudTriple() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64-unknown-linux-musl", nil
	case "arm64":
		return "aarch64-unknown-linux-musl", nil
	}
	return "", fmt.Errorf("no ksud build for %s/%s", runtime.GOOS, runtime.GOARCH)
}

func hostABI() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "arm64-v8a", nil
	case "386":
		return "x86", nil
	case "arm":
		return "armeabi-v7a", nil
	}
	return "", fmt.Errorf("no magiskboot build for %s/%s", runtime.GOOS, runtime.GOARCH)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
