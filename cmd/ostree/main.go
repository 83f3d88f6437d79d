// Command ostree is the CLI front end specified for completeness in
// spec §6.3: checkout, pull, admin os-init, and the cleanup engine's
// entrypoint. The engine itself lives under internal/; this binary
// only wires flags to it.
package main

import (
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "ostree")

var repoPath string

var root = &cobra.Command{
	Use:   "ostree",
	Short: "content-addressed sysroot deployment tool",
}

func main() {
	root.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the repository")
	root.AddCommand(cmdCheckout)
	root.AddCommand(cmdPull)
	root.AddCommand(cmdAdmin)
	root.AddCommand(cmdCleanup)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ostree:", err)
		os.Exit(1)
	}
}
