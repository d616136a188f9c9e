package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func mkfifo(path string) error {
	return unix.Mkfifo(path, 0o644)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCopyTreeMirrorsFilesAndSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "mirror")

	writeTestFile(t, filepath.Join(src, "lib", "libc.so"), "elf bytes")
	writeTestFile(t, filepath.Join(src, "etc", "inittab"), "::sysinit")
	if err := os.Symlink("libc.so", filepath.Join(src, "lib", "ld-musl-x86_64.so.1")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "lib", "libc.so"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(data) != "elf bytes" {
		t.Fatalf("copied content = %q", data)
	}

	target, err := os.Readlink(filepath.Join(dst, "lib", "ld-musl-x86_64.so.1"))
	if err != nil {
		t.Fatalf("read copied symlink: %v", err)
	}
	if target != "libc.so" {
		t.Fatalf("symlink target = %q, want libc.so", target)
	}
}

func TestCopyTreeRejectsSpecialFiles(t *testing.T) {
	src := t.TempDir()
	fifo := filepath.Join(src, "pipe")
	if err := mkfifo(fifo); err != nil {
		t.Skipf("cannot create fifo: %v", err)
	}

	err := CopyTree(src, filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatal("expected error for special file")
	}
	if !strings.Contains(err.Error(), "unsupported file type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTreeHashStableAndSensitive(t *testing.T) {
	build := func(root, libcContent string) {
		writeTestFile(t, filepath.Join(root, "lib", "libc.so"), libcContent)
		writeTestFile(t, filepath.Join(root, "bin", "init"), "#!/bin/init")
		if err := os.Symlink("libc.so", filepath.Join(root, "lib", "loader")); err != nil {
			t.Fatalf("symlink: %v", err)
		}
	}

	a := t.TempDir()
	b := t.TempDir()
	build(a, "v1")
	build(b, "v1")

	hashA, err := TreeHash(a)
	if err != nil {
		t.Fatalf("TreeHash(a): %v", err)
	}
	hashB, err := TreeHash(b)
	if err != nil {
		t.Fatalf("TreeHash(b): %v", err)
	}
	if hashA != hashB {
		t.Fatalf("identical trees hash differently: %s vs %s", hashA, hashB)
	}
	if !strings.HasPrefix(hashA, "blake3:") {
		t.Fatalf("hash %q missing algorithm prefix", hashA)
	}

	c := t.TempDir()
	build(c, "v2")
	hashC, err := TreeHash(c)
	if err != nil {
		t.Fatalf("TreeHash(c): %v", err)
	}
	if hashC == hashA {
		t.Fatal("content change did not change tree hash")
	}

	// A renamed entry must change the hash even with identical bytes.
	d := t.TempDir()
	writeTestFile(t, filepath.Join(d, "lib", "libc.so.renamed"), "v1")
	writeTestFile(t, filepath.Join(d, "bin", "init"), "#!/bin/init")
	if err := os.Symlink("libc.so", filepath.Join(d, "lib", "loader")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	hashD, err := TreeHash(d)
	if err != nil {
		t.Fatalf("TreeHash(d): %v", err)
	}
	if hashD == hashA {
		t.Fatal("path change did not change tree hash")
	}
}

func TestTreeSize(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "a"), "12345")
	writeTestFile(t, filepath.Join(root, "sub", "b"), "123")

	size, err := TreeSize(root)
	if err != nil {
		t.Fatalf("TreeSize: %v", err)
	}
	if size != 8 {
		t.Fatalf("size = %d, want 8", size)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	writeTestFile(t, path, "payload")

	first, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	second, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if first != second || len(first) != 64 {
		t.Fatalf("unstable or malformed digest: %q vs %q", first, second)
	}
}
