package image

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/u-root/u-root/pkg/cpio"

	"github.com/cochaviz/kiln/internal/arch"
)

// packCPIO serializes the rootfs tree into a gzip-compressed newc cpio
// archive, the initrd format kernels without block-device support boot
// from. Symlinks are preserved as symlink records.
func (p *Packager) packCPIO(a arch.Architecture, rootfsDir, imagePath string) error {
	records, err := treeRecords(rootfsDir)
	if err != nil {
		return &PackError{Arch: a, Reason: "collect archive records", Err: err}
	}

	tmp, err := pendingImage(a, imagePath)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	gz := gzip.NewWriter(tmp)
	w := cpio.Newc.Writer(gz)
	if err := cpio.WriteRecords(w, records); err != nil {
		return &PackError{Arch: a, Reason: "write archive records", Err: err}
	}
	if err := cpio.WriteTrailer(w); err != nil {
		return &PackError{Arch: a, Reason: "write archive trailer", Err: err}
	}
	if err := gz.Close(); err != nil {
		return &PackError{Arch: a, Reason: "flush image", Err: err}
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return &PackError{Arch: a, Reason: "finalize image", Err: err}
	}
	return nil
}

// treeRecords flattens a directory tree into cpio records in lexical
// order.
func treeRecords(root string) ([]cpio.Record, error) {
	var records []cpio.Record
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case d.IsDir():
			records = append(records, cpio.Directory(rel, uint64(mode.Perm())))
		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			records = append(records, cpio.Symlink(rel, target))
		case mode.IsRegular():
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			records = append(records, cpio.StaticFile(rel, string(content), uint64(mode.Perm())))
		default:
			return fmt.Errorf("unsupported file type %s at %s", mode, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
