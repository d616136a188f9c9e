package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
)

// stubRunner records git invocations and simulates the few commands the
// fetcher depends on.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
	head  string
	fail  map[string]error
}

func (r *stubRunner) Run(ctx context.Context, dir, name string, args ...string) (run.Result, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	for prefix, failErr := range r.fail {
		if strings.HasPrefix(cmd, prefix) {
			return run.Result{ExitCode: 1}, failErr
		}
	}

	switch {
	case name == "git" && len(args) > 0 && args[0] == "clone":
		dest := args[len(args)-1]
		if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
			return run.Result{}, err
		}
	case name == "git" && len(args) > 0 && args[0] == "rev-parse":
		return run.Result{Stdout: r.head + "\n"}, nil
	}
	return run.Result{}, nil
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *stubRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func newTestFetcher(t *testing.T, runner run.Runner) (*Fetcher, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return &Fetcher{
		Logger:   logger,
		Store:    st,
		Runner:   runner,
		Manifest: &manifest.Manifest{},
	}, st
}

func TestEnsureSourceClonesAndPins(t *testing.T) {
	runner := &stubRunner{}
	f, st := newTestFetcher(t, runner)
	src := manifest.Source{
		Name:     "libc-test",
		URL:      "https://example.org/libc-test.git",
		Revision: "0123456789abcdef0123456789abcdef01234567",
	}

	if err := f.EnsureSource(context.Background(), src, "run-1"); err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}

	if !runner.called("git clone https://example.org/libc-test.git") {
		t.Fatalf("no clone issued; calls: %v", runner.calls)
	}
	if !runner.called("git checkout --detach " + src.Revision) {
		t.Fatalf("no checkout issued; calls: %v", runner.calls)
	}

	stamp, err := st.ReadStamp(st.SourceDir(src.Name))
	if err != nil {
		t.Fatalf("ReadStamp: %v", err)
	}
	if stamp.Status != store.StatusComplete {
		t.Fatalf("stamp status = %s, want complete", stamp.Status)
	}

	// A pinned source is a no-op on the second pass.
	before := runner.callCount()
	if err := f.EnsureSource(context.Background(), src, "run-2"); err != nil {
		t.Fatalf("EnsureSource rerun: %v", err)
	}
	if runner.callCount() != before {
		t.Fatalf("rerun issued git commands: %v", runner.calls[before:])
	}
}

func TestEnsureSourceFailureLeavesIncompleteStamp(t *testing.T) {
	runner := &stubRunner{fail: map[string]error{
		"git checkout": errors.New("unknown revision"),
		"git fetch":    errors.New("network down"),
	}}
	f, st := newTestFetcher(t, runner)
	src := manifest.Source{
		Name:     "libc-test",
		URL:      "https://example.org/libc-test.git",
		Revision: "0123456789abcdef0123456789abcdef01234567",
	}

	err := f.EnsureSource(context.Background(), src, "run-1")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("EnsureSource error = %v, want FetchError", err)
	}
	if fetchErr.Source != "libc-test" {
		t.Fatalf("error attributed to %q, want libc-test", fetchErr.Source)
	}

	stamp, readErr := st.ReadStamp(st.SourceDir(src.Name))
	if readErr != nil {
		t.Fatalf("ReadStamp: %v", readErr)
	}
	if stamp.Status != store.StatusIncomplete {
		t.Fatalf("stamp status = %s, want incomplete", stamp.Status)
	}
}

func TestUpdateSourceMovesTrackedBranch(t *testing.T) {
	head := "fedcba9876543210fedcba9876543210fedcba98"
	runner := &stubRunner{head: head}
	f, st := newTestFetcher(t, runner)
	src := manifest.Source{
		Name:     "kernel-tests",
		URL:      "https://example.org/kernel-tests.git",
		Revision: "0123456789abcdef0123456789abcdef01234567",
		Track:    "master",
	}

	if err := f.UpdateSource(context.Background(), src, "run-1"); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	if !runner.called("git fetch origin") {
		t.Fatalf("no fetch issued; calls: %v", runner.calls)
	}
	if !runner.called("git checkout --detach origin/master") {
		t.Fatalf("no branch checkout issued; calls: %v", runner.calls)
	}

	stamp, err := st.ReadStamp(st.SourceDir(src.Name))
	if err != nil {
		t.Fatalf("ReadStamp: %v", err)
	}
	if !strings.Contains(stamp.Fingerprint, head) {
		t.Fatalf("stamp fingerprint %q does not record resolved head", stamp.Fingerprint)
	}
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func digestOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestEnsureAssetDownloadsVerifiesAndUnpacks(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"toolchain/bin/cc":  "#!/bin/true",
		"toolchain/lib/l.a": "archive",
	})

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(archive)
	}))
	defer server.Close()

	f, st := newTestFetcher(t, &stubRunner{})
	asset := manifest.Asset{
		Name:   "musl-x86_64",
		URL:    server.URL + "/musl.tgz",
		BLAKE3: digestOf(archive),
		Format: manifest.FormatTarGz,
	}

	if err := f.EnsureAsset(context.Background(), asset, "run-1"); err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}

	cc := filepath.Join(st.ToolchainDir(asset.Name), "toolchain", "bin", "cc")
	content, err := os.ReadFile(cc)
	if err != nil {
		t.Fatalf("unpacked file missing: %v", err)
	}
	if string(content) != "#!/bin/true" {
		t.Fatalf("unpacked content = %q", content)
	}

	stamp, err := st.ReadStamp(st.ToolchainDir(asset.Name))
	if err != nil {
		t.Fatalf("ReadStamp: %v", err)
	}
	if stamp.Status != store.StatusComplete {
		t.Fatalf("stamp status = %s, want complete", stamp.Status)
	}

	// Present and verified: no second download.
	if err := f.EnsureAsset(context.Background(), asset, "run-2"); err != nil {
		t.Fatalf("EnsureAsset rerun: %v", err)
	}
	if hits != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}
}

func TestEnsureAssetRejectsDigestMismatch(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"bin/cc": "cc"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	f, st := newTestFetcher(t, &stubRunner{})
	asset := manifest.Asset{
		Name:   "musl-x86_64",
		URL:    server.URL + "/musl.tgz",
		BLAKE3: strings.Repeat("0", 64),
		Format: manifest.FormatTarGz,
	}

	err := f.EnsureAsset(context.Background(), asset, "run-1")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("EnsureAsset error = %v, want FetchError", err)
	}
	if !strings.Contains(fetchErr.Reason, "digest mismatch") {
		t.Fatalf("unexpected reason %q", fetchErr.Reason)
	}

	// Nothing was unpacked and the stamp still says incomplete.
	if _, statErr := os.Stat(st.ToolchainDir(asset.Name)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("unpack directory created despite digest mismatch")
	}
	stamp, readErr := st.ReadStamp(st.ToolchainDir(asset.Name))
	if readErr != nil {
		t.Fatalf("ReadStamp: %v", readErr)
	}
	if stamp.Status != store.StatusIncomplete {
		t.Fatalf("stamp status = %s, want incomplete", stamp.Status)
	}
}

func TestUntarRejectsPathEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "../evil", Mode: 0o644, Size: 4}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write([]byte("boom")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	err := untar(&buf, filepath.Join(t.TempDir(), "out"))
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("untar = %v, want escape rejection", err)
	}
}
