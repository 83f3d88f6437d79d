package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/ostree-sysroot/internal/fetchapi"
)

var (
	pullMetadataOnly  bool
	pullVerifyCommits bool
	pullFetcherBinary string
)

var cmdPull = &cobra.Command{
	Use:          "pull [-m] [--verify-commits] REMOTE [BRANCH...]",
	Short:        "Pull refs from a remote into the repository",
	Args:         cobra.MinimumNArgs(1),
	RunE:         runPull,
	SilenceUsage: true,
}

func init() {
	cmdPull.Flags().BoolVarP(&pullMetadataOnly, "metadata-only", "m", false, "fetch commit metadata only")
	cmdPull.Flags().BoolVar(&pullVerifyCommits, "verify-commits", false, "require a valid GPG signature on every fetched commit")
	cmdPull.Flags().StringVar(&pullFetcherBinary, "fetch-binary", "", "external binary invoked to perform the actual fetch (defaults to \"ostree\")")
}

func runPull(cmd *cobra.Command, args []string) error {
	remote := args[0]
	branches := args[1:]

	var flags fetchapi.Flags
	if pullMetadataOnly {
		flags |= fetchapi.FlagMetadataOnly
	}
	if pullVerifyCommits {
		flags |= fetchapi.FlagVerifyCommits
	}

	fetcher := fetchapi.NewExecFetcher(pullFetcherBinary)
	if err := fetcher.Pull(cmd.Context(), repoPath, remote, branches, flags); err != nil {
		return errors.Wrap(err, "pull")
	}
	fmt.Printf("pulled %s from %s\n", branches, remote)
	return nil
}
