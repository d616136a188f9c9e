package teststage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
)

type stubRunner struct {
	mu    sync.Mutex
	calls []string
}

// Run emulates a corpus cross-build: corpus-build <src> <dest> drops one
// binary into the staging directory.
func (r *stubRunner) Run(ctx context.Context, dir, name string, args ...string) (run.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	r.mu.Unlock()

	if name == "corpus-build" && len(args) == 2 {
		dest := args[1]
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return run.Result{}, err
		}
		if err := os.WriteFile(filepath.Join(dest, "built.bin"), []byte("built"), 0o755); err != nil {
			return run.Result{}, err
		}
	}
	return run.Result{}, nil
}

func newTestStager(t *testing.T) (*Stager, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	sources := map[string]map[string]string{
		"libc-test":    {"functional/pthread.exe": "pthread", "math/fma.exe": "fma"},
		"kernel-tests": {"bench/ctx.exe": "ctx"},
	}
	for name, files := range sources {
		for rel, content := range files {
			path := filepath.Join(st.SourceDir(name), rel)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}

	cfg := &config.Config{
		StoreRoot: st.Root,
		Architectures: map[string]config.ArchProfile{
			arch.X86_64.String(): {
				Triple:     "x86_64-linux-musl",
				LibcTests:  config.SuiteProfile{Source: "libc-test"},
				OtherTests: config.SuiteProfile{Source: "kernel-tests"},
			},
		},
	}
	return &Stager{Logger: logger, Store: st, Runner: &stubRunner{}, Config: cfg}, st
}

// completeRootfs fabricates a finished rootfs so staging preconditions
// hold.
func completeRootfs(t *testing.T, st *store.Store, a arch.Architecture) {
	t.Helper()
	dir := st.RootfsDir(a)
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "libc.so"), []byte("libc"), 0o755); err != nil {
		t.Fatalf("write libc: %v", err)
	}
	if err := st.MarkComplete(dir, "fp", "blake3:rootfs", "run-0"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
}

func TestSuitesStageIntoDisjointSubpaths(t *testing.T) {
	s, st := newTestStager(t)
	completeRootfs(t, st, arch.X86_64)
	ctx := context.Background()

	if err := s.StageLibcTests(ctx, arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageLibcTests: %v", err)
	}
	if err := s.StageOtherTests(ctx, arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageOtherTests: %v", err)
	}

	rootfsDir := st.RootfsDir(arch.X86_64)
	libcFile := filepath.Join(rootfsDir, "opt", "libc-test", "functional", "pthread.exe")
	otherFile := filepath.Join(rootfsDir, "opt", "tests", "bench", "ctx.exe")
	for _, path := range []string{libcFile, otherFile} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("staged file missing: %v", err)
		}
	}

	// Neither corpus leaked into the other's subpath.
	if _, err := os.Stat(filepath.Join(rootfsDir, "opt", "tests", "functional")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("libc corpus leaked into opt/tests")
	}
	if _, err := os.Stat(filepath.Join(rootfsDir, "opt", "libc-test", "bench")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("other corpus leaked into opt/libc-test")
	}

	// What the rootfs builder owns is untouched.
	libc, err := os.ReadFile(filepath.Join(rootfsDir, "lib", "libc.so"))
	if err != nil || string(libc) != "libc" {
		t.Fatalf("rootfs libc mutated: %q, %v", libc, err)
	}
}

func TestRestagingReplacesPreviousCorpus(t *testing.T) {
	s, st := newTestStager(t)
	completeRootfs(t, st, arch.X86_64)
	ctx := context.Background()

	if err := s.StageLibcTests(ctx, arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageLibcTests: %v", err)
	}

	// The corpus moves on: one test retired, one added.
	srcDir := st.SourceDir("libc-test")
	if err := os.Remove(filepath.Join(srcDir, "math", "fma.exe")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "math", "fenv.exe"), []byte("fenv"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.StageLibcTests(ctx, arch.X86_64, "run-2"); err != nil {
		t.Fatalf("restage: %v", err)
	}

	staged := filepath.Join(st.RootfsDir(arch.X86_64), "opt", "libc-test", "math")
	if _, err := os.Stat(filepath.Join(staged, "fma.exe")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("retired test binary survived restaging")
	}
	if _, err := os.Stat(filepath.Join(staged, "fenv.exe")); err != nil {
		t.Fatalf("new test binary missing: %v", err)
	}
}

func TestStageRequiresBuiltRootfs(t *testing.T) {
	s, st := newTestStager(t)

	err := s.StageLibcTests(context.Background(), arch.X86_64, "run-1")
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if stageErr.Suite != SuiteLibc || stageErr.Arch != arch.X86_64 {
		t.Fatalf("error attribution: %#v", stageErr)
	}
	if !strings.Contains(stageErr.Reason, "not built") {
		t.Fatalf("unexpected reason %q", stageErr.Reason)
	}

	// Nothing was written.
	if _, statErr := os.Stat(st.RootfsDir(arch.X86_64)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("staging created rootfs paths despite missing prerequisite")
	}
}

func TestStageRejectsIncompleteRootfs(t *testing.T) {
	s, st := newTestStager(t)
	dir := st.RootfsDir(arch.X86_64)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := st.MarkIncomplete(dir, "fp", "run-0"); err != nil {
		t.Fatalf("MarkIncomplete: %v", err)
	}

	err := s.StageOtherTests(context.Background(), arch.X86_64, "run-1")
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if !strings.Contains(stageErr.Reason, "incomplete") {
		t.Fatalf("unexpected reason %q", stageErr.Reason)
	}
}

func TestSuitesAreIndependent(t *testing.T) {
	s, st := newTestStager(t)
	completeRootfs(t, st, arch.X86_64)

	if err := s.StageLibcTests(context.Background(), arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageLibcTests: %v", err)
	}

	if _, err := os.Stat(filepath.Join(st.RootfsDir(arch.X86_64), "opt", "tests")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("staging libc tests created the other suite's subpath")
	}
	if _, err := st.ReadStamp(st.TestStageKey(arch.X86_64, SuiteOther)); !errors.Is(err, store.ErrNoStamp) {
		t.Fatal("staging libc tests stamped the other suite")
	}
}

func TestStageAllStagesBothSuites(t *testing.T) {
	s, st := newTestStager(t)
	completeRootfs(t, st, arch.X86_64)

	if err := s.StageAll(context.Background(), arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageAll: %v", err)
	}

	for _, suite := range []string{SuiteLibc, SuiteOther} {
		stamp, err := st.ReadStamp(st.TestStageKey(arch.X86_64, suite))
		if err != nil {
			t.Fatalf("suite %s not stamped: %v", suite, err)
		}
		if stamp.Status != store.StatusComplete {
			t.Fatalf("suite %s stamp = %s", suite, stamp.Status)
		}
	}
}

func TestStageRunsConfiguredBuildCommands(t *testing.T) {
	s, st := newTestStager(t)
	completeRootfs(t, st, arch.X86_64)

	profile := s.Config.Architectures[arch.X86_64.String()]
	profile.LibcTests.Build = []run.Template{"corpus-build ${SRC} ${DEST}"}
	s.Config.Architectures[arch.X86_64.String()] = profile

	if err := s.StageLibcTests(context.Background(), arch.X86_64, "run-1"); err != nil {
		t.Fatalf("StageLibcTests: %v", err)
	}

	built := filepath.Join(st.RootfsDir(arch.X86_64), "opt", "libc-test", "built.bin")
	content, err := os.ReadFile(built)
	if err != nil {
		t.Fatalf("built corpus missing: %v", err)
	}
	if string(content) != "built" {
		t.Fatalf("built corpus content = %q", content)
	}
}
