// Package teststage layers the two test corpora onto an already-built
// root filesystem. Each suite owns one reserved subpath and nothing
// else; staging never touches what the rootfs builder created, and the
// two suites never touch each other.
package teststage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/fsutil"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
)

// Suite names and the rootfs subpaths they own.
const (
	SuiteLibc  = "libc-test"
	SuiteOther = "other-test"

	LibcSubpath  = "opt/libc-test"
	OtherSubpath = "opt/tests"
)

// Stager stages test corpora into root filesystems. Both operations are
// independent: running one never requires or triggers the other, and
// re-running either replaces its subpath wholesale.
type Stager struct {
	Logger *slog.Logger
	Store  *store.Store
	Runner run.Runner
	Config *config.Config
}

// StageLibcTests stages the libc conformance suite under opt/libc-test.
func (s *Stager) StageLibcTests(ctx context.Context, a arch.Architecture, runID string) error {
	profile, err := s.Config.Profile(a)
	if err != nil {
		return &StageError{Suite: SuiteLibc, Arch: a, Reason: "no architecture profile", Err: err}
	}
	return s.stage(ctx, a, SuiteLibc, LibcSubpath, profile, profile.LibcTests, runID)
}

// StageOtherTests stages the secondary suite under opt/tests.
func (s *Stager) StageOtherTests(ctx context.Context, a arch.Architecture, runID string) error {
	profile, err := s.Config.Profile(a)
	if err != nil {
		return &StageError{Suite: SuiteOther, Arch: a, Reason: "no architecture profile", Err: err}
	}
	return s.stage(ctx, a, SuiteOther, OtherSubpath, profile, profile.OtherTests, runID)
}

// StageAll stages both suites concurrently. Their subpaths and stamps
// are disjoint, so the two never contend.
func (s *Stager) StageAll(ctx context.Context, a arch.Architecture, runID string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.StageLibcTests(ctx, a, runID) })
	g.Go(func() error { return s.StageOtherTests(ctx, a, runID) })
	return g.Wait()
}

func (s *Stager) stage(ctx context.Context, a arch.Architecture, suite, subpath string, profile config.ArchProfile, sp config.SuiteProfile, runID string) error {
	rootfsDir := s.Store.RootfsDir(a)
	if err := s.requireRootfs(a, suite, rootfsDir); err != nil {
		return err
	}

	if sp.Source == "" {
		return &StageError{Suite: suite, Arch: a, Reason: "no suite source configured"}
	}
	srcDir := s.Store.SourceDir(sp.Source)
	if _, err := os.Stat(srcDir); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: fmt.Sprintf("source %s missing, run setup first", sp.Source), Err: err}
	}

	// The corpus is built aside and swapped in, so the reserved subpath
	// flips from the old corpus to the new one in one step.
	stageDir := filepath.Join(s.Store.Root, "rootfs", a.String()+".stage."+suite)
	if err := os.RemoveAll(stageDir); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "clear staging directory", Err: err}
	}
	defer os.RemoveAll(stageDir)

	if err := s.buildCorpus(ctx, a, suite, profile, sp, srcDir, stageDir); err != nil {
		return err
	}

	stampKey := s.Store.TestStageKey(a, suite)
	fingerprint := suiteFingerprint(sp)
	if err := s.Store.MarkIncomplete(stampKey, fingerprint, runID); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "record stage start", Err: err}
	}

	target := filepath.Join(rootfsDir, filepath.FromSlash(subpath))
	if err := os.RemoveAll(target); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "clear previous corpus", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "prepare corpus parent", Err: err}
	}
	if err := os.Rename(stageDir, target); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "move corpus into rootfs", Err: err}
	}

	treeHash, err := fsutil.TreeHash(target)
	if err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "hash staged corpus", Err: err}
	}
	if err := s.Store.MarkComplete(stampKey, fingerprint, treeHash, runID); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "record stage completion", Err: err}
	}

	s.Logger.Info("test suite staged", "suite", suite, "arch", a, "path", target, "tree_hash", treeHash)
	return nil
}

// requireRootfs enforces the ordering contract: a suite lands only in a
// root filesystem that finished building.
func (s *Stager) requireRootfs(a arch.Architecture, suite, rootfsDir string) error {
	stamp, err := s.Store.ReadStamp(rootfsDir)
	if errors.Is(err, store.ErrNoStamp) {
		return &StageError{Suite: suite, Arch: a, Reason: "rootfs not built, run rootfs first"}
	}
	if err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "read rootfs stamp", Err: err}
	}
	if stamp.Status != store.StatusComplete {
		return &StageError{Suite: suite, Arch: a, Reason: "rootfs is marked incomplete, rebuild it first"}
	}
	if _, err := os.Stat(rootfsDir); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "rootfs tree missing despite stamp, rebuild it", Err: err}
	}
	return nil
}

// buildCorpus populates stageDir from the suite source: verbatim copy
// when no build commands are configured, cross-build otherwise.
func (s *Stager) buildCorpus(ctx context.Context, a arch.Architecture, suite string, profile config.ArchProfile, sp config.SuiteProfile, srcDir, stageDir string) error {
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return &StageError{Suite: suite, Arch: a, Reason: "create staging directory", Err: err}
	}

	if len(sp.Build) == 0 {
		if err := fsutil.CopyTree(srcDir, stageDir); err != nil {
			return &StageError{Suite: suite, Arch: a, Reason: "copy corpus", Err: err}
		}
		return nil
	}

	vars := map[string]string{
		"ARCH":    a.String(),
		"TRIPLE":  profile.Triple,
		"SRC":     srcDir,
		"DEST":    stageDir,
		"SYSROOT": filepath.Join(s.Store.ToolchainDir(profile.Toolchain), profile.Sysroot),
		"STORE":   s.Store.Root,
	}
	for _, tmpl := range sp.Build {
		name, args, err := tmpl.Expand(vars)
		if err != nil {
			return &StageError{Suite: suite, Arch: a, Reason: "expand build command", Err: err}
		}
		if _, err := s.Runner.Run(ctx, srcDir, name, args...); err != nil {
			return &StageError{Suite: suite, Arch: a, Reason: "run " + name, Err: err}
		}
	}
	return nil
}

func suiteFingerprint(sp config.SuiteProfile) string {
	parts := []string{sp.Source}
	for _, tmpl := range sp.Build {
		parts = append(parts, string(tmpl))
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x00")))
	return "suite:" + hex.EncodeToString(sum[:16])
}
