// Package scanner enumerates on-disk deployment directories independent
// of the active bootversion's symlink tree (spec §4.5) — used by the
// cleanup engine to find deployments that Load() didn't place.
package scanner

import (
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/ostree-sysroot/internal/bootcsum"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "scanner")

// ListDeploymentDirsForOS enumerates <sysroot>/ostree/deploy/<osname>/deploy/.
// A directory whose name fails to parse as "<csum>.<serial>" is a hard
// error: the caller has already filtered to directory entries it
// believes are deployments (contrast ParseBootDirName's tolerance).
// Each resolved deployment carries index=-1 and bootserial=-1: this
// scan does not know its place in any active boot generation.
func ListDeploymentDirsForOS(sr *sysroot.Sysroot, osname string) ([]deployment.Deployment, error) {
	dir := filepath.Join(sr.Path, "ostree", "deploy", osname, "deploy")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, dir, err)
	}

	var out []deployment.Deployment
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		csum, serial, err := deployment.ParseDeployDirName(e.Name())
		if err != nil {
			return nil, err
		}
		// A deployment whose commit is missing from the repo is a hard
		// error (KindIO wrapping the not-found), not an orphan to reclaim.
		bc, err := bootcsum.ForRevision(sr, csum)
		if err != nil {
			return nil, err
		}
		out = append(out, deployment.New(-1, osname, csum, serial, bc, -1))
	}
	return out, nil
}

// ListAllDeploymentDirs enumerates every osname under
// <sysroot>/ostree/deploy/ and returns the union of
// ListDeploymentDirsForOS across all of them. A missing top-level
// deploy directory (a sysroot with no os yet deployed) is not an error.
func ListAllDeploymentDirs(sr *sysroot.Sysroot) ([]deployment.Deployment, error) {
	root := filepath.Join(sr.Path, "ostree", "deploy")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, root, err)
	}

	var out []deployment.Deployment
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := ListDeploymentDirsForOS(sr, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	plog.Debugf("scanned %d deployment dir(s) under %s", len(out), root)
	return out, nil
}
