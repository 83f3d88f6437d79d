package applystate

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployapi"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

type fakeDeployer struct {
	newBootVersion int
	err            error
	calls          int
}

func (f *fakeDeployer) Deploy(ctx context.Context, root string, bootVersionIn int, deploymentsIn []deployment.Deployment,
	osname string, revision checksum.Checksum, origin deployapi.Origin, retain bool,
	booted, merge deployment.Deployment) (deployapi.Result, error) {
	f.calls++
	if f.err != nil {
		return deployapi.Result{}, f.err
	}
	return deployapi.Result{
		NewBootVersion: f.newBootVersion,
		NewDeployment:  deployment.New(len(deploymentsIn), osname, revision, 0, "", -1),
	}, nil
}

func hex64(ch byte) string {
	s := ""
	for i := 0; i < 64; i++ {
		s += string(ch)
	}
	return s
}

// buildFixture lays out a sysroot with a single active deployment
// whose origin names csum as its "revision", and records that
// deployment as booted.
func buildFixture(t *testing.T) (*sysroot.Sysroot, checksum.Checksum) {
	t.Helper()
	root := t.TempDir()
	osname := "myos"
	csum := checksum.Checksum(hex64('a'))
	bootcsum := hex64('b')

	deployDir := filepath.Join(root, "ostree", "deploy", osname, "deploy", string(csum)+".0")
	if err := os.MkdirAll(deployDir, 0o755); err != nil {
		t.Fatal(err)
	}
	originPath := deployDir + ".origin"
	if err := os.WriteFile(originPath, []byte("[origin]\nrevision="+string(csum)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	groupDir := filepath.Join(root, "ostree", "boot.0.0", osname, bootcsum)
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
	if err := os.MkdirAll(filepath.Join(root, "boot"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("boot.0.0", filepath.Join(root, "ostree", "boot.0")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("loader.0", filepath.Join(root, "boot", "loader")); err != nil {
		t.Fatal(err)
	}

	sr := sysroot.New(root)
	if err := sr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	dev, ino := statDevIno(t, deployDir)
	sr.SetBootedDeviceInode(dev, ino)

	return sr, csum
}

func statDevIno(t *testing.T, path string) (dev, ino uint64) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("unsupported platform for syscall.Stat_t")
	}
	return uint64(st.Dev), uint64(st.Ino)
}

func TestApplyRejectedOutsideUpdateReady(t *testing.T) {
	sr, _ := buildFixture(t)
	m := New(sr, "myos", &fakeDeployer{})

	if _, err := m.Apply(context.Background(), ""); err == nil {
		t.Fatal("expected WrongState error from IDLE")
	} else if kind, ok := ostreeerr.KindOf(err); !ok || kind != ostreeerr.KindWrongState {
		t.Fatalf("expected KindWrongState, got %v", err)
	}
}

func TestApplySuccessPublishesUpdateApplied(t *testing.T) {
	sr, csum := buildFixture(t)
	dep := &fakeDeployer{newBootVersion: sr.BootVersion} // same bootversion: bootver_changed must be false
	m := New(sr, "myos", dep)

	if err := m.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if m.State() != StateUpdateReady {
		t.Fatalf("expected UPDATE_READY, got %s", m.State())
	}

	if _, err := m.Apply(context.Background(), string(csum)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.State() != StateApplyingUpdate {
		t.Fatalf("expected APPLYING_UPDATE immediately after Apply, got %s", m.State())
	}

	waitForState(t, m, StateUpdateApplied)
	if dep.calls != 1 {
		t.Fatalf("expected deployer invoked once, got %d", dep.calls)
	}
	if m.Outcome().BootverChanged {
		t.Fatal("expected bootver_changed=false when NewBootVersion equals BootVersion")
	}

	if err := m.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected IDLE after Consume, got %s", m.State())
	}
}

func TestApplyFailurePublishesError(t *testing.T) {
	sr, csum := buildFixture(t)
	dep := &fakeDeployer{err: ostreeerr.New(ostreeerr.KindIO, "deploy", context.DeadlineExceeded)}
	m := New(sr, "myos", dep)

	if err := m.MarkReady(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(context.Background(), string(csum)); err != nil {
		t.Fatal(err)
	}

	waitForState(t, m, StateError)
	if err := m.ResetAfterError(); err != nil {
		t.Fatalf("ResetAfterError: %v", err)
	}
	if m.State() != StateUpdateReady {
		t.Fatalf("expected UPDATE_READY after ResetAfterError, got %s", m.State())
	}
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, m.State())
}
