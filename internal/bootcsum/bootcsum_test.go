package bootcsum

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/repo"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
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

func TestForRevisionNoInitramfsFallsBackToKernel(t *testing.T) {
	root := t.TempDir()
	repoDir := filepath.Join(root, "ostree", "repo")
	if err := os.MkdirAll(filepath.Join(repoDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}

	kernelCsum := mkCsum("aa")
	bootTreeCsum := mkCsum("bb")
	rootTreeCsum := mkCsum("cc")
	dirmetaCsum := mkCsum("dd")
	commitCsum := mkCsum("ee")

	writeObj(t, repoDir, bootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Files: map[string]string{"vmlinuz-6.2": string(kernelCsum)},
	})
	writeObj(t, repoDir, rootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Dirs: map[string][2]string{"boot": {string(bootTreeCsum), string(dirmetaCsum)}},
	})
	writeObj(t, repoDir, dirmetaCsum, checksum.KindDirMeta, map[string]string{})
	writeObj(t, repoDir, commitCsum, checksum.KindCommit, repo.Commit{
		RootDirTree: string(rootTreeCsum),
		RootDirMeta: string(dirmetaCsum),
	})

	sr := sysroot.New(root)
	got, err := ForRevision(sr, commitCsum)
	if err != nil {
		t.Fatalf("ForRevision: %v", err)
	}
	if got != kernelCsum {
		t.Fatalf("bootcsum = %s, want %s", got, kernelCsum)
	}
}
