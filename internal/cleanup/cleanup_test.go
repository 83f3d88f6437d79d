package cleanup

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

// fixture is a minimal on-disk sysroot (an empty repo plus boot/); tests
// add commits, each with a kernel under /boot, via addCommit.
type fixture struct {
	root    string
	repoDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	repoDir := filepath.Join(root, "ostree", "repo")
	if err := os.MkdirAll(filepath.Join(repoDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "boot"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &fixture{root: root, repoDir: repoDir}
}

// addCommit writes a commit object whose tree has /boot/vmlinuz-<seed>,
// returning the commit's own checksum (derived from seed too, for
// uniqueness) and its bootcsum (the kernel file's own checksum, since
// no initramfs is present).
func (f *fixture) addCommit(t *testing.T, seed string) (commitCsum, bootcsum checksum.Checksum) {
	t.Helper()
	kernelCsum := mkCsum(seed + "1")
	bootTreeCsum := mkCsum(seed + "2")
	rootTreeCsum := mkCsum(seed + "3")
	dirmetaCsum := mkCsum(seed + "4")
	commitCsum = mkCsum(seed + "5")

	writeObj(t, f.repoDir, kernelCsum, checksum.KindFile, map[string]string{"data": seed})
	writeObj(t, f.repoDir, bootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Files: map[string]string{"vmlinuz-5.1": string(kernelCsum)},
	})
	writeObj(t, f.repoDir, rootTreeCsum, checksum.KindDirTree, repo.DirTree{
		Dirs: map[string][2]string{"boot": {string(bootTreeCsum), string(dirmetaCsum)}},
	})
	writeObj(t, f.repoDir, dirmetaCsum, checksum.KindDirMeta, map[string]string{})
	writeObj(t, f.repoDir, commitCsum, checksum.KindCommit, repo.Commit{
		RootDirTree: string(rootTreeCsum),
		RootDirMeta: string(dirmetaCsum),
	})
	return commitCsum, kernelCsum
}

// addDeploymentDir creates <root>/ostree/deploy/<osname>/deploy/<csum>.<serial>
// and its origin side-file.
func (f *fixture) addDeploymentDir(t *testing.T, osname string, csum checksum.Checksum, serial int) string {
	t.Helper()
	dir := filepath.Join(f.root, "ostree", "deploy", osname, "deploy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := string(csum) + "." + itoa(serial)
	depDir := filepath.Join(dir, name)
	if err := os.MkdirAll(depDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(depDir+".origin", []byte("[origin]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return depDir
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// activateDeployment wires the boot.0.0 symlink tree so Load() places
// the deployment at deployDir as the sole active deployment at index 0.
func activateDeployment(t *testing.T, root, osname string, bootcsum checksum.Checksum, deployDir string) {
	t.Helper()
	groupDir := filepath.Join(root, "ostree", "boot.0.0", osname, string(bootcsum))
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(groupDir, deployDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(rel, filepath.Join(groupDir, "0")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("boot.0.0", filepath.Join(root, "ostree", "boot.0")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("loader.0", filepath.Join(root, "boot", "loader")); err != nil {
		t.Fatal(err)
	}
}

func TestCleanupOldDeploymentsRemovesOrphanKeepsActiveAndBooted(t *testing.T) {
	f := newFixture(t)
	osname := "myos"

	activeCsum, activeBootcsum := f.addCommit(t, "aa")
	activeDir := f.addDeploymentDir(t, osname, activeCsum, 0)
	activateDeployment(t, f.root, osname, activeBootcsum, activeDir)

	orphanCsum, _ := f.addCommit(t, "bb")
	orphanDir := f.addDeploymentDir(t, osname, orphanCsum, 0)

	bootedCsum, bootedBootcsum := f.addCommit(t, "cc")
	_ = bootedBootcsum
	bootedDir := f.addDeploymentDir(t, osname, bootedCsum, 0)

	sr := sysroot.New(f.root)
	if err := sr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sr.Deployments) != 1 || sr.Deployments[0].Csum != activeCsum {
		t.Fatalf("expected single active deployment %s, got %+v", activeCsum, sr.Deployments)
	}

	dev, ino, err := deviceInode(bootedDir)
	if err != nil {
		t.Fatal(err)
	}
	sr.SetBootedDeviceInode(dev, ino)

	e := New(sr)
	if err := e.PiecemealCleanup(FlagDeployments); err != nil {
		t.Fatalf("PiecemealCleanup: %v", err)
	}

	if _, err := os.Stat(activeDir); err != nil {
		t.Fatalf("active deployment must survive: %v", err)
	}
	if _, err := os.Stat(bootedDir); err != nil {
		t.Fatalf("booted deployment must survive even though inactive: %v", err)
	}
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Fatalf("orphan deployment must be removed, stat err=%v", err)
	}
	if _, err := os.Stat(orphanDir + ".origin"); !os.IsNotExist(err) {
		t.Fatalf("orphan origin side-file must be removed, stat err=%v", err)
	}
}

func TestCleanupOtherBootversionsRemovesInactiveSlot(t *testing.T) {
	f := newFixture(t)
	osname := "myos"
	csum, bootcsum := f.addCommit(t, "dd")
	dir := f.addDeploymentDir(t, osname, csum, 0)
	activateDeployment(t, f.root, osname, bootcsum, dir)

	stale := []string{
		filepath.Join(f.root, "boot", "loader.1"),
		filepath.Join(f.root, "ostree", "boot.1.0"),
		filepath.Join(f.root, "ostree", "boot.1.1"),
		filepath.Join(f.root, "ostree", "boot.0.1"),
	}
	for _, p := range stale {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("boot.1.0", filepath.Join(f.root, "ostree", "boot.1")); err != nil {
		t.Fatal(err)
	}

	sr := sysroot.New(f.root)
	if err := sr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	e := New(sr)
	if err := e.PiecemealCleanup(FlagBootVersions); err != nil {
		t.Fatalf("PiecemealCleanup: %v", err)
	}

	for _, p := range stale {
		if _, err := os.Lstat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, err=%v", p, err)
		}
	}
	if _, err := os.Lstat(filepath.Join(f.root, "ostree", "boot.1")); !os.IsNotExist(err) {
		t.Fatalf("expected ostree/boot.1 symlink removed")
	}
	if _, err := os.Lstat(filepath.Join(f.root, "ostree", "boot.0.0")); err != nil {
		t.Fatalf("active slot boot.0.0 must survive: %v", err)
	}
}

func TestGenerateDeploymentRefsAndPrune(t *testing.T) {
	f := newFixture(t)
	osname := "myos"
	csum, bootcsum := f.addCommit(t, "ee")
	dir := f.addDeploymentDir(t, osname, csum, 0)
	activateDeployment(t, f.root, osname, bootcsum, dir)

	// An unreferenced commit living alongside, to confirm prune removes it.
	orphanCsum, _ := f.addCommit(t, "ff")

	sr := sysroot.New(f.root)
	if err := sr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	e := New(sr)
	if err := e.PiecemealCleanup(FlagsAll); err != nil {
		t.Fatalf("PiecemealCleanup: %v", err)
	}

	r, err := sr.GetRepo()
	if err != nil {
		t.Fatal(err)
	}
	refs, err := r.ListRefs("ostree/0/0")
	if err != nil {
		t.Fatal(err)
	}
	if refs["ostree/0/0/0"] != csum {
		t.Fatalf("expected ref ostree/0/0/0 = %s, got %v", csum, refs)
	}

	if _, err := r.ReadCommit(csum); err != nil {
		t.Fatalf("active commit must survive prune: %v", err)
	}
	if _, err := r.ReadCommit(orphanCsum); err == nil {
		t.Fatalf("orphan commit should have been pruned")
	}
}
