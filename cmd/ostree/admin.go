package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var adminSysrootPath string

var cmdAdmin = &cobra.Command{
	Use:   "admin",
	Short: "Sysroot administration subcommands",
}

var cmdAdminOsInit = &cobra.Command{
	Use:          "os-init OSNAME",
	Short:        "Initialize a new osname under the sysroot's deploy directory",
	Args:         cobra.ExactArgs(1),
	RunE:         runAdminOsInit,
	SilenceUsage: true,
}

func init() {
	cmdAdmin.PersistentFlags().StringVar(&adminSysrootPath, "sysroot", "/", "path to the sysroot")
	cmdAdmin.AddCommand(cmdAdminOsInit)
}

// runAdminOsInit creates <sysroot>/ostree/deploy/<osname>'s var
// directory tree: /var/tmp (mode 01777), /var/lib, and the /var/run
// and /var/lock symlinks, each created only if the entry doesn't
// already exist as a symlink (idempotent re-init).
func runAdminOsInit(cmd *cobra.Command, args []string) error {
	osname := args[0]
	varDir := filepath.Join(adminSysrootPath, "ostree", "deploy", osname, "var")

	if err := os.MkdirAll(varDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", varDir)
	}

	tmpDir := filepath.Join(varDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o1777); err != nil {
		return errors.Wrapf(err, "creating %s", tmpDir)
	}
	if err := os.Chmod(tmpDir, 0o777|os.ModeSticky); err != nil {
		return errors.Wrapf(err, "chmod %s", tmpDir)
	}

	libDir := filepath.Join(varDir, "lib")
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", libDir)
	}

	if err := ensureSymlink(filepath.Join(varDir, "run"), "../run"); err != nil {
		return err
	}
	if err := ensureSymlink(filepath.Join(varDir, "lock"), "../run/lock"); err != nil {
		return err
	}

	fmt.Printf("initialized osname %s under %s\n", osname, adminSysrootPath)
	return nil
}

// ensureSymlink creates path -> target only if path isn't already a
// symlink; an existing symlink (any target) is left untouched.
func ensureSymlink(path, target string) error {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", path)
	}
	if err := os.Symlink(target, path); err != nil {
		return errors.Wrapf(err, "symlinking %s -> %s", path, target)
	}
	return nil
}
