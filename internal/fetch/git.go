package fetch

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/manifest"
)

func sourceFingerprint(src manifest.Source) string {
	return src.URL + "@" + src.Revision
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// EnsureSource clones a source tree if missing and detaches it at the
// manifest revision. A tree whose stamp already matches the pin is left
// untouched.
func (f *Fetcher) EnsureSource(ctx context.Context, src manifest.Source, runID string) error {
	dir := f.Store.SourceDir(src.Name)
	fingerprint := sourceFingerprint(src)

	fresh, err := f.Store.Fresh(dir, fingerprint)
	if err != nil {
		return &FetchError{Source: src.Name, Reason: "check freshness", Err: err}
	}
	if fresh {
		f.Logger.Info("source already pinned", "source", src.Name, "revision", shortRev(src.Revision))
		return nil
	}

	if err := f.Store.MarkIncomplete(dir, fingerprint, runID); err != nil {
		return &FetchError{Source: src.Name, Reason: "record fetch start", Err: err}
	}
	if err := f.clone(ctx, src, dir); err != nil {
		return err
	}
	if err := f.checkout(ctx, src, dir, src.Revision); err != nil {
		return err
	}
	if err := f.Store.MarkComplete(dir, fingerprint, "", runID); err != nil {
		return &FetchError{Source: src.Name, Reason: "record fetch completion", Err: err}
	}
	f.Logger.Info("source pinned", "source", src.Name, "revision", shortRev(src.Revision))
	return nil
}

// UpdateSource fetches the upstream and, when the source tracks a
// branch, moves the checkout to the branch head. The stamp records the
// resolved revision; a later setup restores the manifest pin.
func (f *Fetcher) UpdateSource(ctx context.Context, src manifest.Source, runID string) error {
	dir := f.Store.SourceDir(src.Name)
	if err := f.clone(ctx, src, dir); err != nil {
		return err
	}
	if err := f.Store.MarkIncomplete(dir, sourceFingerprint(src), runID); err != nil {
		return &FetchError{Source: src.Name, Reason: "record update start", Err: err}
	}
	if _, err := f.Runner.Run(ctx, dir, "git", "fetch", "origin"); err != nil {
		return &FetchError{Source: src.Name, Reason: "fetch origin", Err: err}
	}

	target := src.Revision
	if src.Track != "" {
		target = "origin/" + src.Track
	}
	if err := f.checkout(ctx, src, dir, target); err != nil {
		return err
	}

	head, err := f.Runner.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return &FetchError{Source: src.Name, Reason: "resolve HEAD", Err: err}
	}
	resolved := strings.TrimSpace(head.Stdout)

	if err := f.Store.MarkComplete(dir, src.URL+"@"+resolved, "", runID); err != nil {
		return &FetchError{Source: src.Name, Reason: "record update", Err: err}
	}
	f.Logger.Info("source updated", "source", src.Name, "revision", shortRev(resolved), "track", src.Track)
	return nil
}

func (f *Fetcher) clone(ctx context.Context, src manifest.Source, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return &FetchError{Source: src.Name, Reason: "prepare sources directory", Err: err}
	}
	f.Logger.Info("cloning source", "source", src.Name, "url", src.URL)
	if _, err := f.Runner.Run(ctx, "", "git", "clone", src.URL, dir); err != nil {
		return &FetchError{Source: src.Name, Reason: "clone " + src.URL, Err: err}
	}
	return nil
}

// checkout detaches the work tree at target. When the object is not in
// the local store yet it is fetched from origin first.
func (f *Fetcher) checkout(ctx context.Context, src manifest.Source, dir, target string) error {
	if _, err := f.Runner.Run(ctx, dir, "git", "checkout", "--detach", target); err == nil {
		return nil
	}
	if _, err := f.Runner.Run(ctx, dir, "git", "fetch", "origin", target); err != nil {
		return &FetchError{Source: src.Name, Reason: "fetch " + target, Err: err}
	}
	if _, err := f.Runner.Run(ctx, dir, "git", "checkout", "--detach", target); err != nil {
		return &FetchError{Source: src.Name, Reason: "checkout " + target, Err: err}
	}
	return nil
}
