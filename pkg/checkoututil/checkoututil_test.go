package checkoututil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/repo"
)

func mkCsum(seed string) checksum.Checksum {
	s := strings.Repeat(seed, 64/len(seed)+1)[:64]
	return checksum.Checksum(s)
}

func writeObj(t *testing.T, repoDir string, c checksum.Checksum, kind checksum.Kind, v any) {
	t.Helper()
	rel, err := checksum.ObjectPath(c, kind)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(repoDir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckoutTree(t *testing.T) {
	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(filepath.Join(repoDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := repo.Open(repoDir)
	if err != nil {
		t.Fatal(err)
	}

	fileCsum := mkCsum("11")
	subFileCsum := mkCsum("22")
	subTreeCsum := mkCsum("33")
	rootTreeCsum := mkCsum("44")

	writeRawFile(t, repoDir, fileCsum, []byte("hello"))
	writeRawFile(t, repoDir, subFileCsum, []byte("world"))
	writeObj(t, repoDir, subTreeCsum, checksum.KindDirTree, repo.DirTree{
		Files: map[string]string{"b.txt": string(subFileCsum)},
	})
	writeObj(t, repoDir, rootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Files: map[string]string{"a.txt": string(fileCsum)},
		Dirs:  map[string][2]string{"sub": {string(subTreeCsum), mkCsumStr("55")}},
	})

	dest := filepath.Join(root, "checkout")
	if err := CheckoutTree(r, rootTreeCsum, dest, false); err != nil {
		t.Fatalf("CheckoutTree: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("a.txt = %q, err=%v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(got) != "world" {
		t.Fatalf("sub/b.txt = %q, err=%v", got, err)
	}
}

func writeRawFile(t *testing.T, repoDir string, c checksum.Checksum, content []byte) {
	t.Helper()
	rel, err := checksum.ObjectPath(c, checksum.KindFile)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(repoDir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func mkCsumStr(seed string) string { return string(mkCsum(seed)) }

func TestCheckoutTreeRefusesExistingWithoutUnion(t *testing.T) {
	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(filepath.Join(repoDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := repo.Open(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	rootTreeCsum := mkCsum("66")
	writeObj(t, repoDir, rootTreeCsum, checksum.KindDirTree, repo.DirTree{})

	dest := filepath.Join(root, "checkout")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := CheckoutTree(r, rootTreeCsum, dest, false); err == nil {
		t.Fatal("expected error checking out onto an existing destination without union")
	}
}

func TestResolveSubtree(t *testing.T) {
	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(filepath.Join(repoDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := repo.Open(repoDir)
	if err != nil {
		t.Fatal(err)
	}

	subFileCsum := mkCsum("77")
	subTreeCsum := mkCsum("88")
	rootTreeCsum := mkCsum("99")

	writeRawFile(t, repoDir, subFileCsum, []byte("nested"))
	writeObj(t, repoDir, subTreeCsum, checksum.KindDirTree, repo.DirTree{
		Files: map[string]string{"c.txt": string(subFileCsum)},
	})
	writeObj(t, repoDir, rootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Dirs: map[string][2]string{"sub": {string(subTreeCsum), mkCsumStr("aa")}},
	})

	got, err := ResolveSubtree(r, rootTreeCsum, "/sub/")
	if err != nil {
		t.Fatalf("ResolveSubtree: %v", err)
	}
	if got != subTreeCsum {
		t.Fatalf("got %s, want %s", got, subTreeCsum)
	}

	if _, err := ResolveSubtree(r, rootTreeCsum, "missing"); err == nil {
		t.Fatal("expected error for missing subdirectory")
	}
}

func TestReadStdinRecords(t *testing.T) {
	csum1 := mkCsum("aa")
	in := bytes.NewBufferString(string(csum1) + "\x00subA\x00rev2\x00\x00\x00")
	recs, err := ReadStdinRecords(in)
	if err != nil {
		t.Fatalf("ReadStdinRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(recs), recs)
	}
	if recs[0].Revision != string(csum1) || recs[0].Subpath != "subA" {
		t.Fatalf("unexpected record 0: %+v", recs[0])
	}
	if recs[1].Revision != "rev2" || recs[1].Subpath != "" {
		t.Fatalf("unexpected record 1: %+v", recs[1])
	}
}

func TestAtomicRetargetSwap(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "current")

	if err := AtomicRetargetSwap(dest, "target-a"); err != nil {
		t.Fatalf("first swap: %v", err)
	}
	got, err := os.Readlink(dest)
	if err != nil || got != "target-a" {
		t.Fatalf("readlink = %q, err=%v", got, err)
	}

	if err := AtomicRetargetSwap(dest, "target-b"); err != nil {
		t.Fatalf("second swap: %v", err)
	}
	got, err = os.Readlink(dest)
	if err != nil || got != "target-b" {
		t.Fatalf("readlink after retarget = %q, err=%v", got, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the final symlink to remain, got %v", entries)
	}
}

func TestParseCommitFromSymlink(t *testing.T) {
	dir := t.TempDir()
	csum := mkCsum("cc")
	link := filepath.Join(dir, "current")
	if err := os.Symlink("current-"+string(csum), link); err != nil {
		t.Fatal(err)
	}
	got, err := ParseCommitFromSymlink(link)
	if err != nil {
		t.Fatalf("ParseCommitFromSymlink: %v", err)
	}
	if got != csum {
		t.Fatalf("got %s, want %s", got, csum)
	}

	if _, err := ParseCommitFromSymlink(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("expected IsNotExist, got %v", err)
	}
}
