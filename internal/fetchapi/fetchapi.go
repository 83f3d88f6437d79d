// Package fetchapi defines the network-fetch primitive the pull CLI
// surface invokes. Network fetch and GPG verification are external
// collaborators (spec §1 Non-goals); this package only captures the
// interface and flag bitset a caller needs, the same "trusted callee"
// shape internal/deployapi uses for the deploy primitive.
package fetchapi

import "context"

// Flags is the closed bitset pull maps its CLI flags onto (spec §6.3).
type Flags int

const (
	// FlagMetadataOnly corresponds to -m/--metadata-only: fetch commit
	// metadata without checking out file content.
	FlagMetadataOnly Flags = 1 << iota
	// FlagVerifyCommits corresponds to --verify-commits: require a
	// valid GPG signature on every fetched commit.
	FlagVerifyCommits
)

// Fetcher is the trusted callee boundary for pulling refs from a
// remote into a local repository. Like deployapi.Deployer, the core
// never implements the network/GPG side itself.
type Fetcher interface {
	Pull(ctx context.Context, repoPath, remote string, branches []string, flags Flags) error
}
