package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/repo"
	"github.com/coreos/ostree-sysroot/pkg/checkoututil"
)

var (
	checkoutUserMode       bool
	checkoutSubpath        string
	checkoutUnion          bool
	checkoutAtomicRetarget bool
	checkoutNoTriggers     bool
	checkoutFromStdin      bool
)

var cmdCheckout = &cobra.Command{
	Use:   "checkout [flags] COMMIT [DESTINATION]",
	Short: "Check out a commit's tree to disk",
	Long: `Check out a commit's tree to disk.

With --from-stdin, COMMIT and DESTINATION are ignored; NUL-separated
(revision, subpath) records are read from stdin instead, one checkout
per record, terminated by an empty record.`,
	Args:         cobra.MaximumNArgs(2),
	RunE:         runCheckout,
	SilenceUsage: true,
}

func init() {
	cmdCheckout.Flags().BoolVar(&checkoutUserMode, "user-mode", false, "check out as the invoking user, without root-owned uid/gid fixups")
	cmdCheckout.Flags().StringVar(&checkoutSubpath, "subpath", "", "check out only this subdirectory of the commit")
	cmdCheckout.Flags().BoolVar(&checkoutUnion, "union", false, "allow checking out onto an existing destination")
	cmdCheckout.Flags().BoolVar(&checkoutAtomicRetarget, "atomic-retarget", false, "check out to DESTINATION-COMMIT, then atomically retarget the DESTINATION symlink at it")
	cmdCheckout.Flags().BoolVar(&checkoutNoTriggers, "no-triggers", false, "skip running package triggers after checkout")
	cmdCheckout.Flags().BoolVar(&checkoutFromStdin, "from-stdin", false, "read (revision, subpath) pairs from stdin instead of COMMIT/DESTINATION")
	cmdCheckout.MarkFlagsMutuallyExclusive("atomic-retarget", "from-stdin")
}

func runCheckout(cmd *cobra.Command, args []string) error {
	r, err := repo.Open(repoPath)
	if err != nil {
		return errors.Wrap(err, "opening repo")
	}

	if checkoutFromStdin {
		recs, err := checkoututil.ReadStdinRecords(cmd.InOrStdin())
		if err != nil {
			return errors.Wrap(err, "reading stdin records")
		}
		for _, rec := range recs {
			if err := checkoutOne(r, rec.Revision, rec.Subpath, rec.Subpath, checkoutUnion); err != nil {
				return errors.Wrapf(err, "checking out %s", rec.Revision)
			}
		}
		return nil
	}

	if len(args) < 1 {
		return errors.New("COMMIT is required unless --from-stdin is set")
	}
	commit := args[0]
	dest := commit
	if len(args) == 2 {
		dest = args[1]
	}

	if checkoutAtomicRetarget {
		target := dest + "-" + commit
		if err := checkoutOne(r, commit, checkoutSubpath, target, true); err != nil {
			return err
		}
		return checkoututil.AtomicRetargetSwap(dest, filepath.Base(target))
	}

	return checkoutOne(r, commit, checkoutSubpath, dest, checkoutUnion)
}

// checkoutOne resolves commit to its root dirtree, narrows to subpath
// when non-empty, and materializes it at dest.
func checkoutOne(r *repo.Repo, commit, subpath, dest string, union bool) error {
	c, err := checksum.Validate(commit)
	if err != nil {
		return err
	}
	commitObj, err := r.ReadCommit(c)
	if err != nil {
		return err
	}
	rootTree := checksum.Checksum(commitObj.RootDirTree)
	if subpath != "" {
		rootTree, err = checkoututil.ResolveSubtree(r, rootTree, subpath)
		if err != nil {
			return err
		}
	}
	if err := checkoututil.CheckoutTree(r, rootTree, dest, union); err != nil {
		return err
	}
	if checkoutNoTriggers {
		plog.Debugf("--no-triggers set, skipping post-checkout triggers")
	}
	fmt.Printf("checked out %s to %s\n", commit, dest)
	return nil
}
