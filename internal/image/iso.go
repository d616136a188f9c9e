package image

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/fsutil"
)

// packISO serializes the rootfs tree into an ISO 9660 volume. Symlinks
// have no ISO representation, so the tree is mirrored with each link
// replaced by a copy of its target before the volume is written.
func (p *Packager) packISO(a arch.Architecture, rootfsDir, imagePath, label string) error {
	stagingDir := imagePath + ".stage"
	if err := os.RemoveAll(stagingDir); err != nil {
		return &PackError{Arch: a, Reason: "clear iso staging directory", Err: err}
	}
	defer os.RemoveAll(stagingDir)

	if err := resolveTree(rootfsDir, stagingDir); err != nil {
		return &PackError{Arch: a, Reason: "mirror rootfs for iso", Err: err}
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return &PackError{Arch: a, Reason: "create iso writer", Err: err}
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(stagingDir, "/"); err != nil {
		return &PackError{Arch: a, Reason: "stage rootfs into iso", Err: err}
	}

	tmp, err := pendingImage(a, imagePath)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	if err := writer.WriteTo(tmp, volumeLabel(label, a)); err != nil {
		return &PackError{Arch: a, Reason: "write iso", Err: err}
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return &PackError{Arch: a, Reason: "finalize image", Err: err}
	}
	return nil
}

// resolveTree mirrors src into dst with every symlink replaced by the
// file it points at.
func resolveTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		target := filepath.Join(dst, rel)

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return fsutil.CopyFile(path, target, info.Mode().Perm())
		default:
			return fmt.Errorf("unsupported file type %s at %s", info.Mode(), path)
		}
	})
}
