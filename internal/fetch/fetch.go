// Package fetch materializes the external inputs named by the manifest:
// git source trees pinned to fixed revisions and hash-verified binary
// assets such as cross-toolchains. It backs the setup and update stages.
package fetch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
)

// Fetcher acquires manifest entries into the store. Re-running any of
// its operations against an already-pinned input is a no-op.
type Fetcher struct {
	Logger   *slog.Logger
	Store    *store.Store
	Runner   run.Runner
	Manifest *manifest.Manifest
	// Client downloads assets. Nil selects http.DefaultClient.
	Client *http.Client
}

// Setup ensures every manifest entry exists locally at its pinned state:
// sources checked out at their pinned revisions, assets downloaded,
// verified, and unpacked.
func (f *Fetcher) Setup(ctx context.Context, runID string) error {
	for _, src := range f.Manifest.Sources {
		if err := f.EnsureSource(ctx, src, runID); err != nil {
			return err
		}
	}
	for _, asset := range f.Manifest.Assets {
		if err := f.EnsureAsset(ctx, asset, runID); err != nil {
			return err
		}
	}
	return nil
}

// Update refreshes upstream state: sources tracking a branch move to the
// branch head, pinned-only sources are re-verified, and missing assets
// are fetched. Assets are immutable by digest so present ones never
// change.
func (f *Fetcher) Update(ctx context.Context, runID string) error {
	for _, src := range f.Manifest.Sources {
		if err := f.UpdateSource(ctx, src, runID); err != nil {
			return err
		}
	}
	for _, asset := range f.Manifest.Assets {
		if err := f.EnsureAsset(ctx, asset, runID); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}
