package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/boot"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/fetch"
	"github.com/cochaviz/kiln/internal/image"
	"github.com/cochaviz/kiln/internal/rootfs"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
	"github.com/cochaviz/kiln/internal/teststage"
)

// Services bundles the stage implementations the default graph drives.
type Services struct {
	Store   *store.Store
	Config  *config.Config
	Runner  run.Runner
	Fetcher *fetch.Fetcher
	Rootfs  *rootfs.Builder
	Tests   *teststage.Stager
	Images  *image.Packager
	Boots   *boot.Booter
}

// DefaultStages wires the standard stage graph:
//
//	setup ─┬─> update
//	       └─> rootfs ─┬─> libc-test ──┐
//	                   ├─> other-test ─┤ (only with tests requested)
//	                   └─> image <─────┴─> boot
//
// check, doc, and clean have no prerequisites.
func DefaultStages(svc Services) []*Stage {
	return []*Stage{
		{
			Name: "setup",
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, svc.Fetcher.Setup(ctx, opts.RunID)
			},
		},
		{
			Name:  "update",
			Needs: []string{"setup"},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, svc.Fetcher.Update(ctx, opts.RunID)
			},
		},
		{
			Name:  "rootfs",
			Needs: []string{"setup"},
			Fresh: func(ctx context.Context, opts Options) (bool, error) {
				return svc.Rootfs.Fresh(opts.Arch)
			},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				artifact, err := svc.Rootfs.Build(ctx, opts.Arch, opts.RunID)
				if err != nil {
					return nil, err
				}
				return []store.Artifact{artifact}, nil
			},
		},
		{
			Name:  "libc-test",
			Needs: []string{"rootfs"},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, svc.Tests.StageLibcTests(ctx, opts.Arch, opts.RunID)
			},
		},
		{
			Name:  "other-test",
			Needs: []string{"rootfs"},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, svc.Tests.StageOtherTests(ctx, opts.Arch, opts.RunID)
			},
		},
		{
			Name:  "image",
			Needs: []string{"rootfs"},
			DynamicNeeds: func(opts Options) []string {
				if !opts.WithTests {
					return nil
				}
				return []string{"libc-test", "other-test"}
			},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				artifact, err := svc.Images.Pack(ctx, opts.Arch, opts.RunID)
				if err != nil {
					return nil, err
				}
				return []store.Artifact{artifact}, nil
			},
		},
		{
			Name:  "boot",
			Needs: []string{"image"},
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, svc.Boots.Boot(ctx, opts.Arch, opts.RunID)
			},
		},
		{
			Name: "check",
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				return nil, runTemplates(ctx, svc, opts, svc.Config.Check)
			},
		},
		{
			Name: "doc",
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				if err := runTemplates(ctx, svc, opts, svc.Config.Doc.Build); err != nil {
					return nil, err
				}
				if !opts.OpenDoc || svc.Config.Doc.Open.IsZero() {
					return nil, nil
				}
				index, err := filepath.Abs(svc.Config.Doc.Index)
				if err != nil {
					return nil, fmt.Errorf("resolve doc index: %w", err)
				}
				name, args, err := svc.Config.Doc.Open.Expand(map[string]string{"DOC": index})
				if err != nil {
					return nil, err
				}
				_, err = svc.Runner.Run(ctx, "", name, args...)
				return nil, err
			},
		},
		{
			Name: "clean",
			Run: func(ctx context.Context, opts Options) ([]store.Artifact, error) {
				if opts.CleanArchOnly {
					return nil, svc.Store.Clean(opts.Arch)
				}
				return nil, svc.Store.CleanAll(opts.CleanSources)
			},
		},
	}
}

func runTemplates(ctx context.Context, svc Services, opts Options, templates []run.Template) error {
	vars := map[string]string{
		"ARCH":  opts.Arch.String(),
		"STORE": svc.Store.Root,
	}
	for _, tpl := range templates {
		name, args, err := tpl.Expand(vars)
		if err != nil {
			return err
		}
		if _, err := svc.Runner.Run(ctx, "", name, args...); err != nil {
			return err
		}
	}
	return nil
}
