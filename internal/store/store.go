// Package store owns the on-disk artifact layout. Every stage reads and
// writes through it: root filesystems under rootfs/<arch>, one image per
// architecture next to the store root, fetched sources under sources/,
// and toolchains under toolchains/. Completion stamps sit beside each
// artifact and carry the staleness state.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/logging"
)

// Store resolves artifact identities (architecture, logical name) to
// paths under Root.
type Store struct {
	Root   string
	Logger *slog.Logger
}

// New constructs a store rooted at the given directory.
func New(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root %q: %w", root, err)
	}
	return &Store{Root: abs, Logger: logging.Ensure(logger)}, nil
}

// Artifact identifies one stage output on disk.
type Artifact struct {
	Name     string
	Arch     arch.Architecture
	Path     string
	TreeHash string
}

// RootfsDir returns the root filesystem directory for an architecture.
func (s *Store) RootfsDir(a arch.Architecture) string {
	return filepath.Join(s.Root, "rootfs", a.String())
}

// ImagePath returns the bootable image file for an architecture. Images
// live directly under the store root, one file per architecture.
func (s *Store) ImagePath(a arch.Architecture) string {
	return filepath.Join(s.Root, a.String()+".img")
}

// SourceDir returns the checkout directory for a named source tree.
func (s *Store) SourceDir(name string) string {
	return filepath.Join(s.Root, "sources", name)
}

// ToolchainDir returns the unpack directory for a named toolchain asset.
func (s *Store) ToolchainDir(name string) string {
	return filepath.Join(s.Root, "toolchains", name)
}

// TestStageKey returns the stamp key for a test suite staged into an
// architecture's rootfs. The key is a phantom path; only its stamp file
// exists.
func (s *Store) TestStageKey(a arch.Architecture, suite string) string {
	return filepath.Join(s.Root, "rootfs", a.String()+"."+suite)
}

// RunLogPath returns the pipeline run log location.
func (s *Store) RunLogPath() string {
	return filepath.Join(s.Root, "run-log.jsonl")
}

// Clean removes one architecture's build outputs: rootfs tree, image,
// and their stamps. Fetched sources and toolchains are left alone.
func (s *Store) Clean(a arch.Architecture) error {
	rootfsDir := s.RootfsDir(a)
	targets := []string{
		rootfsDir,
		StampPath(rootfsDir),
		s.ImagePath(a),
		StampPath(s.ImagePath(a)),
	}
	for _, suite := range []string{"libc-test", "other-test"} {
		targets = append(targets, StampPath(s.TestStageKey(a, suite)))
	}

	for _, target := range targets {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove %s: %w", target, err)
		}
	}
	s.Logger.Info("cleaned architecture outputs", "arch", a)
	return nil
}

// CleanAll removes every architecture's outputs plus the run log. When
// sources is true the fetched source trees and toolchains go too,
// returning the store to a before-first-setup state.
func (s *Store) CleanAll(sources bool) error {
	for _, a := range arch.Supported() {
		if err := s.Clean(a); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(s.Root, "rootfs")); err != nil {
		return fmt.Errorf("remove rootfs dir: %w", err)
	}
	if err := os.RemoveAll(s.RunLogPath()); err != nil {
		return fmt.Errorf("remove run log: %w", err)
	}

	if sources {
		for _, dir := range []string{"sources", "toolchains"} {
			path := filepath.Join(s.Root, dir)
			// Stamps of sources and toolchains live inside these trees'
			// parent, so sweep them by prefix.
			entries, err := os.ReadDir(path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read %s: %w", path, err)
			}
			for _, entry := range entries {
				if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
					return err
				}
			}
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	s.Logger.Info("cleaned store", "root", s.Root, "sources", sources)
	return nil
}

// Entry is one row of the status listing.
type Entry struct {
	Arch     arch.Architecture
	Name     string
	Path     string
	State    string
	TreeHash string
}

// Status reports the freshness state of every known artifact for the
// given architectures.
func (s *Store) Status(arches []arch.Architecture) []Entry {
	var entries []Entry
	for _, a := range arches {
		entries = append(entries,
			s.statusEntry(a, "rootfs", s.RootfsDir(a), s.RootfsDir(a)),
			s.statusEntry(a, "libc-test", s.TestStageKey(a, "libc-test"), filepath.Join(s.RootfsDir(a), "opt", "libc-test")),
			s.statusEntry(a, "other-test", s.TestStageKey(a, "other-test"), filepath.Join(s.RootfsDir(a), "opt", "tests")),
			s.statusEntry(a, "image", s.ImagePath(a), s.ImagePath(a)),
		)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Arch != entries[j].Arch {
			return entries[i].Arch < entries[j].Arch
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

func (s *Store) statusEntry(a arch.Architecture, name, stampKey, path string) Entry {
	entry := Entry{Arch: a, Name: name, Path: path}

	stamp, err := s.ReadStamp(stampKey)
	switch {
	case errors.Is(err, ErrNoStamp):
		if _, statErr := os.Stat(path); statErr == nil {
			entry.State = "unstamped"
		} else {
			entry.State = "absent"
		}
	case err != nil:
		entry.State = "unreadable: " + err.Error()
	case stamp.Status == StatusIncomplete:
		entry.State = "incomplete"
	default:
		if _, statErr := os.Stat(path); statErr != nil {
			entry.State = "missing"
		} else {
			entry.State = "complete"
			entry.TreeHash = shortHash(stamp.TreeHash)
		}
	}
	return entry
}

func shortHash(hash string) string {
	trimmed := strings.TrimPrefix(hash, "blake3:")
	if len(trimmed) > 12 {
		return trimmed[:12]
	}
	return trimmed
}
