// Package image serializes a populated root filesystem into one bootable
// image file per architecture. The image is a pure function of the tree
// at packaging time: whatever the rootfs builder and test stagers left
// on disk is exactly what lands in the file.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/renameio"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/fsutil"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
	"github.com/cochaviz/kiln/internal/teststage"
)

// Packager builds bootable images from root filesystem trees.
type Packager struct {
	Logger *slog.Logger
	Store  *store.Store
	Runner run.Runner
	Config *config.Config
}

// Pack serializes the architecture's rootfs into its image file. The
// write is atomic: the image path either holds the previous good image
// or the new one, never a truncated in-between.
func (p *Packager) Pack(ctx context.Context, a arch.Architecture, runID string) (store.Artifact, error) {
	profile, err := p.Config.Profile(a)
	if err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "no architecture profile", Err: err}
	}

	rootfsDir := p.Store.RootfsDir(a)
	if err := p.requireRootfs(a, rootfsDir); err != nil {
		return store.Artifact{}, err
	}

	treeHash, err := fsutil.TreeHash(rootfsDir)
	if err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "hash rootfs", Err: err}
	}

	format := profile.Image.Format
	if format == "" {
		format = config.FormatISO
	}
	imagePath := p.Store.ImagePath(a)
	fingerprint := format + "|" + treeHash

	fresh, err := p.Store.Fresh(imagePath, fingerprint)
	if err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "check freshness", Err: err}
	}
	if fresh {
		stamp, err := p.Store.ReadStamp(imagePath)
		if err != nil {
			return store.Artifact{}, &PackError{Arch: a, Reason: "read stamp", Err: err}
		}
		p.Logger.Info("image up to date", "arch", a, "path", imagePath)
		return store.Artifact{Name: "image", Arch: a, Path: imagePath, TreeHash: stamp.TreeHash}, nil
	}

	// Capacity is checked before a single byte is written so an
	// oversized rootfs can never leave a truncated image behind.
	if capacity := profile.Image.CapacityBytes; capacity > 0 {
		size, err := fsutil.TreeSize(rootfsDir)
		if err != nil {
			return store.Artifact{}, &PackError{Arch: a, Reason: "measure rootfs", Err: err}
		}
		if size > capacity {
			return store.Artifact{}, &PackError{
				Arch:   a,
				Reason: fmt.Sprintf("rootfs content is %d bytes, image capacity is %d", size, capacity),
			}
		}
	}

	if err := p.Store.MarkIncomplete(imagePath, fingerprint, runID); err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "record pack start", Err: err}
	}

	switch format {
	case config.FormatISO:
		err = p.packISO(a, rootfsDir, imagePath, profile.Image.Label)
	case config.FormatCPIO:
		err = p.packCPIO(a, rootfsDir, imagePath)
	case config.FormatExternal:
		err = p.packExternal(ctx, a, profile.Image.Command, rootfsDir, imagePath)
	default:
		err = &PackError{Arch: a, Reason: "unknown image format " + format}
	}
	if err != nil {
		return store.Artifact{}, err
	}

	fileHash, err := fsutil.HashFile(imagePath)
	if err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "hash image", Err: err}
	}
	imageHash := "blake3:" + fileHash
	if err := p.Store.MarkComplete(imagePath, fingerprint, imageHash, runID); err != nil {
		return store.Artifact{}, &PackError{Arch: a, Reason: "record pack completion", Err: err}
	}

	p.Logger.Info("image packed", "arch", a, "path", imagePath, "format", format, "hash", imageHash)
	return store.Artifact{Name: "image", Arch: a, Path: imagePath, TreeHash: imageHash}, nil
}

// requireRootfs refuses to pack anything that did not finish building:
// the rootfs itself and any test corpus that started staging but never
// completed.
func (p *Packager) requireRootfs(a arch.Architecture, rootfsDir string) error {
	stamp, err := p.Store.ReadStamp(rootfsDir)
	if errors.Is(err, store.ErrNoStamp) {
		return &PackError{Arch: a, Reason: "rootfs not built, run rootfs first"}
	}
	if err != nil {
		return &PackError{Arch: a, Reason: "read rootfs stamp", Err: err}
	}
	if stamp.Status != store.StatusComplete {
		return &PackError{Arch: a, Reason: "rootfs is marked incomplete, rebuild it first"}
	}
	if _, err := os.Stat(rootfsDir); err != nil {
		return &PackError{Arch: a, Reason: "rootfs tree missing despite stamp, rebuild it", Err: err}
	}

	for _, suite := range []string{teststage.SuiteLibc, teststage.SuiteOther} {
		suiteStamp, err := p.Store.ReadStamp(p.Store.TestStageKey(a, suite))
		if errors.Is(err, store.ErrNoStamp) {
			continue
		}
		if err != nil {
			return &PackError{Arch: a, Reason: "read " + suite + " stamp", Err: err}
		}
		if suiteStamp.Status != store.StatusComplete {
			return &PackError{Arch: a, Reason: suite + " staging is marked incomplete, re-stage it first"}
		}
	}
	return nil
}

func (p *Packager) packExternal(ctx context.Context, a arch.Architecture, tmpl run.Template, rootfsDir, imagePath string) error {
	name, args, err := tmpl.Expand(map[string]string{
		"ARCH":   a.String(),
		"ROOTFS": rootfsDir,
		"IMAGE":  imagePath,
		"STORE":  p.Store.Root,
	})
	if err != nil {
		return &PackError{Arch: a, Reason: "expand packer command", Err: err}
	}
	if _, err := p.Runner.Run(ctx, p.Store.Root, name, args...); err != nil {
		return &PackError{Arch: a, Reason: "run " + name, Err: err}
	}
	if _, err := os.Stat(imagePath); err != nil {
		return &PackError{Arch: a, Reason: "packer exited cleanly but produced no image", Err: err}
	}
	return nil
}

// pendingImage opens an atomic-replace handle for the image path.
func pendingImage(a arch.Architecture, imagePath string) (*renameio.PendingFile, error) {
	tmp, err := renameio.TempFile("", imagePath)
	if err != nil {
		return nil, &PackError{Arch: a, Reason: "create image file", Err: err}
	}
	return tmp, nil
}

// volumeLabel squeezes a label into the character set ISO volume
// identifiers allow.
func volumeLabel(label string, a arch.Architecture) string {
	if label == "" {
		label = "KILN_" + a.String()
	}

	const maxLen = 32
	var b strings.Builder
	for _, r := range strings.ToUpper(label) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return b.String()
}
