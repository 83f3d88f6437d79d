package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/ostree-sysroot/internal/cleanup"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

var (
	cleanupSysrootPath  string
	cleanupPrepareOnly  bool
	cleanupBootversions bool
	cleanupDeployments  bool
	cleanupPruneRepo    bool
)

var cmdCleanup = &cobra.Command{
	Use:          "cleanup",
	Short:        "Run the piecemeal cleanup engine against a sysroot",
	RunE:         runCleanup,
	SilenceUsage: true,
}

func init() {
	cmdCleanup.Flags().StringVar(&cleanupSysrootPath, "sysroot", "/", "path to the sysroot")
	cmdCleanup.Flags().BoolVar(&cleanupPrepareOnly, "prepare", false, "run prepare_cleanup (everything except the repo prune)")
	cmdCleanup.Flags().BoolVar(&cleanupBootversions, "bootversions", false, "run the stale-bootversion removal step")
	cmdCleanup.Flags().BoolVar(&cleanupDeployments, "deployments", false, "run the orphan-deployment removal step")
	cmdCleanup.Flags().BoolVar(&cleanupPruneRepo, "prune-repo", false, "run the repository prune step")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	sr := sysroot.New(cleanupSysrootPath)
	if err := sr.Load(); err != nil {
		return errors.Wrap(err, "loading sysroot")
	}

	if dev, ino, err := statDeviceInode("/"); err == nil {
		sr.SetBootedDeviceInode(dev, ino)
	} else {
		plog.Warningf("could not stat / to identify the booted deployment: %v", err)
	}

	engine := cleanup.New(sr)

	flags := selectedCleanupFlags()
	if flags != 0 {
		if err := engine.PiecemealCleanup(flags); err != nil {
			return errors.Wrap(err, "cleanup")
		}
	} else if cleanupPrepareOnly {
		if err := engine.PrepareCleanup(); err != nil {
			return errors.Wrap(err, "prepare cleanup")
		}
	} else {
		if err := engine.Cleanup(); err != nil {
			return errors.Wrap(err, "cleanup")
		}
	}

	fmt.Println("cleanup complete")
	return nil
}

// selectedCleanupFlags builds the piecemeal flag subset from the
// individual step flags; it returns 0 when none were explicitly
// requested, signalling the caller should fall back to
// Cleanup/PrepareCleanup.
func selectedCleanupFlags() cleanup.Flags {
	var flags cleanup.Flags
	if cleanupBootversions {
		flags |= cleanup.FlagBootVersions
	}
	if cleanupDeployments {
		flags |= cleanup.FlagDeployments
	}
	if cleanupPruneRepo {
		flags |= cleanup.FlagPruneRepo
	}
	return flags
}

func statDeviceInode(path string) (dev, ino uint64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("unsupported platform for syscall.Stat_t")
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
