package cleanup

import (
	"fmt"

	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/repo"
)

// generateDeploymentRefs clears the ref prefixes belonging to the
// inactive bootversion/sub-bootversion slots, then writes one
// "ostree/<bv>/<sbv>/<index>" ref per active deployment pointing at its
// commit. This keeps the repo's reachability graph in sync with
// whatever Load() last observed on disk.
func (e *Engine) generateDeploymentRefs(r *repo.Repo) error {
	sr := e.Sysroot
	cleanupBV := 1 - sr.BootVersion
	cleanupSBV := 1 - sr.SubBootVersion

	prefixes := []string{
		fmt.Sprintf("ostree/%d/0", cleanupBV),
		fmt.Sprintf("ostree/%d/1", cleanupBV),
		fmt.Sprintf("ostree/%d/%d", sr.BootVersion, cleanupSBV),
	}
	for _, prefix := range prefixes {
		if err := clearRefPrefix(r, prefix); err != nil {
			return err
		}
	}

	for i, d := range sr.Deployments {
		if err := func() error {
			if err := r.BeginTransaction(); err != nil {
				return err
			}
			defer r.AbortTransaction()

			csum := d.Csum
			refname := fmt.Sprintf("ostree/%d/%d/%d", sr.BootVersion, sr.SubBootVersion, i)
			if err := r.SetRefspec(refname, &csum); err != nil {
				return err
			}
			return r.CommitTransaction()
		}(); err != nil {
			return ostreeerr.New(ostreeerr.KindTransaction, d.DirName(), err)
		}
	}
	return nil
}

// clearRefPrefix deletes every ref beginning with prefix inside its own
// transaction.
func clearRefPrefix(r *repo.Repo, prefix string) error {
	refs, err := r.ListRefs(prefix)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	if err := r.BeginTransaction(); err != nil {
		return err
	}
	defer r.AbortTransaction()

	for name := range refs {
		if err := r.SetRefspec(name, nil); err != nil {
			return err
		}
	}
	return r.CommitTransaction()
}

// pruneRepo runs a refs-only prune and logs the bytes it freed.
func (e *Engine) pruneRepo(r *repo.Repo) error {
	total, pruned, freed, err := r.Prune(repo.PruneRefsOnly, 0)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindPrune, e.Sysroot.Path, err)
	}
	plog.Infof("pruned %d/%d objects, %d bytes freed", pruned, total, freed)
	return nil
}
