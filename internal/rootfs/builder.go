// Package rootfs assembles the minimal userland for one architecture:
// the dynamic loader, the C library, and whatever shared objects the
// test suites will need at runtime. The result is a plain directory
// tree in the artifact store; later stages layer onto it or serialize
// it, but only this package creates it.
package rootfs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/target"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/fsutil"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
)

// DefaultMinFreeBytes is the disk headroom required before a build
// starts.
const DefaultMinFreeBytes = 256 << 20

// Skeleton directories created in every root filesystem.
var skeletonDirs = []string{"bin", "dev", "etc", "lib", "proc", "sys", "tmp", "opt"}

// Builder produces root filesystem trees. Builds are reentrant per
// architecture; building one target never touches another's tree.
type Builder struct {
	Logger *slog.Logger
	Store  *store.Store
	Runner run.Runner
	Config *config.Config
	// MinFreeBytes overrides the preflight disk headroom. Zero selects
	// DefaultMinFreeBytes.
	MinFreeBytes uint64
}

// Build assembles the root filesystem for a. A tree whose stamp matches
// the current profile and whose inputs have not changed since is left
// as is.
func (b *Builder) Build(ctx context.Context, a arch.Architecture, runID string) (store.Artifact, error) {
	profile, err := b.Config.Profile(a)
	if err != nil {
		return store.Artifact{}, &BuildError{Arch: a, Reason: "no architecture profile", Err: err}
	}

	sysroot, err := b.sysroot(a, profile)
	if err != nil {
		return store.Artifact{}, err
	}

	dir := b.Store.RootfsDir(a)
	fingerprint := profileFingerprint(sysroot, profile)

	fresh, err := b.fresh(dir, sysroot, fingerprint)
	if err != nil {
		return store.Artifact{}, &BuildError{Arch: a, Reason: "check freshness", Err: err}
	}
	if fresh {
		stamp, err := b.Store.ReadStamp(dir)
		if err != nil {
			return store.Artifact{}, &BuildError{Arch: a, Reason: "read stamp", Err: err}
		}
		b.Logger.Info("rootfs up to date", "arch", a, "tree_hash", stamp.TreeHash)
		return store.Artifact{Name: "rootfs", Arch: a, Path: dir, TreeHash: stamp.TreeHash}, nil
	}

	if err := b.preflight(a); err != nil {
		return store.Artifact{}, err
	}

	// The incomplete mark lands before the first destructive step so an
	// interrupted build can never pass a later staleness check.
	if err := b.Store.MarkIncomplete(dir, fingerprint, runID); err != nil {
		return store.Artifact{}, &BuildError{Arch: a, Reason: "record build start", Err: err}
	}

	if err := b.populate(ctx, a, profile, sysroot, dir); err != nil {
		return store.Artifact{}, err
	}

	treeHash, err := fsutil.TreeHash(dir)
	if err != nil {
		return store.Artifact{}, &BuildError{Arch: a, Reason: "hash tree", Err: err}
	}
	if err := b.Store.MarkComplete(dir, fingerprint, treeHash, runID); err != nil {
		return store.Artifact{}, &BuildError{Arch: a, Reason: "record build completion", Err: err}
	}

	b.Logger.Info("rootfs built", "arch", a, "dir", dir, "tree_hash", treeHash)
	return store.Artifact{Name: "rootfs", Arch: a, Path: dir, TreeHash: treeHash}, nil
}

// Fresh reports whether the architecture's tree can be reused as is.
func (b *Builder) Fresh(a arch.Architecture) (bool, error) {
	profile, err := b.Config.Profile(a)
	if err != nil {
		return false, err
	}
	sysroot, err := b.sysroot(a, profile)
	if err != nil {
		return false, nil
	}
	return b.fresh(b.Store.RootfsDir(a), sysroot, profileFingerprint(sysroot, profile))
}

func (b *Builder) fresh(dir, sysroot, fingerprint string) (bool, error) {
	fresh, err := b.Store.Fresh(dir, fingerprint)
	if err != nil || !fresh {
		return false, err
	}
	// The stamp matches; rebuild only when the sysroot contents moved
	// underneath it.
	stale, err := target.Dir(dir, sysroot)
	if err != nil {
		return false, err
	}
	return !stale, nil
}

func (b *Builder) sysroot(a arch.Architecture, profile config.ArchProfile) (string, error) {
	dir := filepath.Join(b.Store.ToolchainDir(profile.Toolchain), profile.Sysroot)

	stamp, err := b.Store.ReadStamp(b.Store.ToolchainDir(profile.Toolchain))
	if err == nil && stamp.Status == store.StatusIncomplete {
		return "", &BuildError{Arch: a, Reason: fmt.Sprintf("toolchain %s is marked incomplete, re-run setup", profile.Toolchain)}
	}
	if err != nil && !errors.Is(err, store.ErrNoStamp) {
		return "", &BuildError{Arch: a, Reason: "read toolchain stamp", Err: err}
	}

	if _, err := os.Stat(dir); err != nil {
		return "", &BuildError{Arch: a, Reason: fmt.Sprintf("cross toolchain missing at %s, run setup first", dir), Err: err}
	}
	return dir, nil
}

func (b *Builder) preflight(a arch.Architecture) error {
	min := b.MinFreeBytes
	if min == 0 {
		min = DefaultMinFreeBytes
	}
	if err := os.MkdirAll(b.Store.Root, 0o755); err != nil {
		return &BuildError{Arch: a, Reason: "create store root", Err: err}
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(b.Store.Root, &fs); err != nil {
		return &BuildError{Arch: a, Reason: "stat filesystem", Err: err}
	}
	free := fs.Bavail * uint64(fs.Bsize)
	if free < min {
		return &BuildError{Arch: a, Reason: fmt.Sprintf("insufficient disk space: %d bytes free, %d required", free, min)}
	}
	return nil
}

func (b *Builder) populate(ctx context.Context, a arch.Architecture, profile config.ArchProfile, sysroot, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return &BuildError{Arch: a, Reason: "clear previous tree", Err: err}
	}
	for _, sub := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return &BuildError{Arch: a, Reason: "create skeleton", Err: err}
		}
	}

	for _, lib := range profile.Libraries {
		src := filepath.Join(sysroot, lib)
		info, err := os.Stat(src)
		if err != nil {
			return &BuildError{Arch: a, Reason: "locate " + lib, Err: err}
		}
		dst := filepath.Join(dir, "lib", filepath.Base(lib))
		if err := fsutil.CopyFile(src, dst, info.Mode().Perm()); err != nil {
			return &BuildError{Arch: a, Reason: "copy " + lib, Err: err}
		}
	}

	if profile.Loader != "" {
		link := filepath.Join(dir, "lib", profile.Loader)
		if err := os.Symlink(profile.LoaderTarget, link); err != nil {
			return &BuildError{Arch: a, Reason: "create loader symlink", Err: err}
		}
	}

	vars := map[string]string{
		"ARCH":    a.String(),
		"TRIPLE":  profile.Triple,
		"SYSROOT": sysroot,
		"ROOTFS":  dir,
		"STORE":   b.Store.Root,
	}
	for _, tmpl := range profile.RootfsExtra {
		name, args, err := tmpl.Expand(vars)
		if err != nil {
			return &BuildError{Arch: a, Reason: "expand rootfs command", Err: err}
		}
		if _, err := b.Runner.Run(ctx, b.Store.Root, name, args...); err != nil {
			return &BuildError{Arch: a, Reason: "run " + name, Err: err}
		}
	}
	return nil
}

func profileFingerprint(sysroot string, profile config.ArchProfile) string {
	parts := []string{
		sysroot,
		profile.Triple,
		profile.Loader,
		profile.LoaderTarget,
		strings.Join(profile.Libraries, ","),
	}
	for _, tmpl := range profile.RootfsExtra {
		parts = append(parts, string(tmpl))
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x00")))
	return "profile:" + hex.EncodeToString(sum[:16])
}
