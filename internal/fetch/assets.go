package fetch

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/cochaviz/kiln/internal/manifest"
)

func assetFingerprint(asset manifest.Asset) string {
	return asset.URL + "#" + asset.BLAKE3
}

// EnsureAsset downloads, verifies, and unpacks one binary asset into the
// store. The archive is hashed while it streams to disk; a digest
// mismatch discards the download before anything is unpacked.
func (f *Fetcher) EnsureAsset(ctx context.Context, asset manifest.Asset, runID string) error {
	dir := f.Store.ToolchainDir(asset.Name)
	fingerprint := assetFingerprint(asset)

	fresh, err := f.Store.Fresh(dir, fingerprint)
	if err != nil {
		return &FetchError{Source: asset.Name, Reason: "check freshness", Err: err}
	}
	if fresh {
		f.Logger.Info("asset already unpacked", "asset", asset.Name)
		return nil
	}

	if err := f.Store.MarkIncomplete(dir, fingerprint, runID); err != nil {
		return &FetchError{Source: asset.Name, Reason: "record fetch start", Err: err}
	}

	archive, err := f.download(ctx, asset)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	// The archive unpacks into a sibling directory and swaps in with a
	// rename, so a previous partial unpack cannot shine through.
	staging := dir + ".unpack"
	if err := os.RemoveAll(staging); err != nil {
		return &FetchError{Source: asset.Name, Reason: "clear staging directory", Err: err}
	}
	defer os.RemoveAll(staging)

	if err := f.unpack(asset, archive, staging); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return &FetchError{Source: asset.Name, Reason: "clear unpack directory", Err: err}
	}
	if err := os.Rename(staging, dir); err != nil {
		return &FetchError{Source: asset.Name, Reason: "move unpacked tree into place", Err: err}
	}

	if err := f.Store.MarkComplete(dir, fingerprint, "blake3:"+asset.BLAKE3, runID); err != nil {
		return &FetchError{Source: asset.Name, Reason: "record fetch completion", Err: err}
	}
	f.Logger.Info("asset unpacked", "asset", asset.Name, "dir", dir)
	return nil
}

func (f *Fetcher) download(ctx context.Context, asset manifest.Asset) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return "", &FetchError{Source: asset.Name, Reason: "build request", Err: err}
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return "", &FetchError{Source: asset.Name, Reason: "download " + asset.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{Source: asset.Name, Reason: fmt.Sprintf("download %s: %s", asset.URL, resp.Status)}
	}

	tmp, err := os.CreateTemp("", asset.Name+"-*.part")
	if err != nil {
		return "", &FetchError{Source: asset.Name, Reason: "create download file", Err: err}
	}
	defer tmp.Close()

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if err != nil {
		os.Remove(tmp.Name())
		return "", &FetchError{Source: asset.Name, Reason: "stream download", Err: err}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != asset.BLAKE3 {
		os.Remove(tmp.Name())
		return "", &FetchError{
			Source: asset.Name,
			Reason: fmt.Sprintf("digest mismatch after %d bytes: got %s, want %s", written, digest, asset.BLAKE3),
		}
	}

	f.Logger.Debug("asset downloaded", "asset", asset.Name, "bytes", written)
	return tmp.Name(), nil
}

func (f *Fetcher) unpack(asset manifest.Asset, archive, dir string) error {
	file, err := os.Open(archive)
	if err != nil {
		return &FetchError{Source: asset.Name, Reason: "open archive", Err: err}
	}
	defer file.Close()

	var reader io.Reader
	switch asset.Format {
	case manifest.FormatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return &FetchError{Source: asset.Name, Reason: "read gzip header", Err: err}
		}
		defer gz.Close()
		reader = gz
	case manifest.FormatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return &FetchError{Source: asset.Name, Reason: "read xz header", Err: err}
		}
		reader = xzr
	case manifest.FormatTarZst:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return &FetchError{Source: asset.Name, Reason: "read zstd header", Err: err}
		}
		defer zr.Close()
		reader = zr
	default:
		return &FetchError{Source: asset.Name, Reason: "unknown archive format " + asset.Format}
	}

	if err := untar(reader, dir); err != nil {
		return &FetchError{Source: asset.Name, Reason: "unpack archive", Err: err}
	}
	return nil
}

// untar unpacks a tar stream into dir. Entries that would land outside
// dir are rejected rather than followed.
func untar(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := securePath(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported tar entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func securePath(dir, name string) (string, error) {
	target := filepath.Clean(filepath.Join(dir, name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the unpack directory", name)
	}
	return target, nil
}
