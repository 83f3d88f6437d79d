// Package cleanup implements the piecemeal cleanup engine (spec §4.6):
// stale bootversion removal, orphan deployment pruning, deployment ref
// regeneration, and repo pruning, each independently selectable and
// each short-circuiting on its own first error without corrupting the
// steps that already committed.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/repo"
	"github.com/coreos/ostree-sysroot/internal/scanner"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "cleanup")

// Flags selects which piecemeal cleanup steps run.
type Flags int

const (
	FlagBootVersions Flags = 1 << iota
	FlagDeployments
	FlagPruneRepo
)

// FlagsAll runs every step; FlagsPrepare runs everything except the
// repo prune, the split prepare_cleanup()/cleanup() entrypoints use.
const (
	FlagsAll     = FlagBootVersions | FlagDeployments | FlagPruneRepo
	FlagsPrepare = FlagBootVersions | FlagDeployments
)

// Engine runs piecemeal cleanup against a single loaded sysroot.
type Engine struct {
	Sysroot *sysroot.Sysroot
}

// New constructs a cleanup Engine bound to sr, which must already be loaded.
func New(sr *sysroot.Sysroot) *Engine {
	return &Engine{Sysroot: sr}
}

// Cleanup runs every piecemeal step, including the repo prune.
func (e *Engine) Cleanup() error {
	return e.PiecemealCleanup(FlagsAll)
}

// PrepareCleanup runs every step except the repo prune, for callers
// about to immediately stage a new deployment and wanting a cheaper
// pass beforehand.
func (e *Engine) PrepareCleanup() error {
	return e.PiecemealCleanup(FlagsPrepare)
}

// PiecemealCleanup runs the selected subset of steps in a fixed order:
// stale bootversions, then orphan deployments, then (whenever there is
// at least one active deployment) ref regeneration, then, if selected
// and there is at least one active deployment, repo prune. Each step short-circuits at its first error; steps that
// already ran leave their effects in place.
func (e *Engine) PiecemealCleanup(flags Flags) error {
	sr := e.Sysroot
	if !sr.Loaded() {
		return ostreeerr.New(ostreeerr.KindAssert, sr.Path, fmt.Errorf("sysroot must be loaded before cleanup"))
	}

	if flags&FlagBootVersions != 0 {
		if err := e.cleanupOtherBootversions(); err != nil {
			return err
		}
	}
	if flags&FlagDeployments != 0 {
		if err := e.cleanupOldDeployments(); err != nil {
			return err
		}
	}

	if len(sr.Deployments) == 0 {
		return nil
	}
	r, err := sr.GetRepo()
	if err != nil {
		return err
	}
	if err := e.generateDeploymentRefs(r); err != nil {
		return err
	}
	if flags&FlagPruneRepo != 0 {
		if err := e.pruneRepo(r); err != nil {
			return err
		}
	}
	return nil
}

// cleanupOtherBootversions removes the on-disk state for the bootversion
// the sysroot is not currently booted into, plus the inactive
// sub-bootversion slot under the current bootversion.
func (e *Engine) cleanupOtherBootversions() error {
	sr := e.Sysroot
	cv := 1 - sr.BootVersion
	cs := 1 - sr.SubBootVersion

	paths := []string{
		filepath.Join(sr.Path, "boot", fmt.Sprintf("loader.%d", cv)),
		filepath.Join(sr.Path, "ostree", fmt.Sprintf("boot.%d", cv)),
		filepath.Join(sr.Path, "ostree", fmt.Sprintf("boot.%d.0", cv)),
		filepath.Join(sr.Path, "ostree", fmt.Sprintf("boot.%d.1", cv)),
		filepath.Join(sr.Path, "ostree", fmt.Sprintf("boot.%d.%d", sr.BootVersion, cs)),
	}
	for _, p := range paths {
		if err := removeIgnoreNotFound(p); err != nil {
			return ostreeerr.New(ostreeerr.KindIO, p, err)
		}
	}
	return nil
}

// cleanupOldDeployments removes every on-disk deployment directory that
// is neither in the active list nor identifies the booted root, then
// removes every boot/ostree/<osname>-<bootcsum> directory whose
// bootcsum is no longer referenced by any active deployment.
func (e *Engine) cleanupOldDeployments() error {
	sr := e.Sysroot

	activePaths := map[string]bool{}
	activeBootcsums := map[string]bool{}
	for _, d := range sr.Deployments {
		activePaths[sr.DeploymentDirPath(d)] = true
		activeBootcsums[string(d.BootCsum)] = true
	}

	all, err := scanner.ListAllDeploymentDirs(sr)
	if err != nil {
		return err
	}
	bootedDev, bootedIno, hasBooted := sr.BootedDeviceInode()

	for _, d := range all {
		relPath := sr.DeploymentDirPath(d)
		if activePaths[relPath] {
			continue
		}
		absPath := filepath.Join(sr.Path, relPath)

		if hasBooted {
			dev, ino, statErr := deviceInode(absPath)
			if statErr == nil && dev == bootedDev && ino == bootedIno {
				continue
			}
		}

		if err := clearImmutable(absPath); err != nil {
			return ostreeerr.New(ostreeerr.KindIO, absPath, fmt.Errorf("clearing immutable flag: %w", err))
		}
		if err := os.RemoveAll(absPath); err != nil {
			return ostreeerr.New(ostreeerr.KindIO, absPath, err)
		}
		originPath := filepath.Join(sr.Path, sr.OriginRelPath(d))
		if err := removeIgnoreNotFound(originPath); err != nil {
			return ostreeerr.New(ostreeerr.KindIO, originPath, err)
		}
		plog.Infof("removed old deployment %s", d.DirName())
	}

	bootDirs, err := listBootDirectories(sr)
	if err != nil {
		return err
	}
	for _, bd := range bootDirs {
		if activeBootcsums[string(bd.bootcsum)] {
			continue
		}
		p := filepath.Join(sr.Path, "boot", "ostree", bd.name)
		if err := os.RemoveAll(p); err != nil {
			return ostreeerr.New(ostreeerr.KindIO, p, err)
		}
		plog.Infof("removed unreferenced boot directory %s", bd.name)
	}
	return nil
}

// bootEntry is a parsed boot/ostree/<osname>-<bootcsum> directory.
type bootEntry struct {
	name     string
	osname   string
	bootcsum checksum.Checksum
}

// listBootDirectories enumerates boot/ostree/, tolerantly skipping
// entries whose name doesn't parse as "<osname>-<bootcsum>" — the same
// tolerance ParseBootDirName documents, since unrelated entries are
// expected here.
func listBootDirectories(sr *sysroot.Sysroot) ([]bootEntry, error) {
	root := filepath.Join(sr.Path, "boot", "ostree")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, root, err)
	}
	var out []bootEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		osname, bootcsum, ok := deployment.ParseBootDirName(e.Name())
		if !ok {
			continue
		}
		out = append(out, bootEntry{name: e.Name(), osname: osname, bootcsum: bootcsum})
	}
	return out, nil
}

// removeIgnoreNotFound removes path, treating an already-absent path as
// success. Symlinks are removed directly (never followed); directories
// are removed recursively.
func removeIgnoreNotFound(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.RemoveAll(p)
}
