// Package deployapi defines the deploy primitive interface the apply
// state machine's worker invokes (spec §6.2) and a default
// exec-based implementation that shells out to a trusted external
// "ostree admin deploy"-equivalent binary.
package deployapi

import (
	"context"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployment"
)

// Origin is the deployment's parsed origin side-file: a flat
// key/value config (the real on-disk format is an ini-style keyfile
// with a single [origin] section; only the key/value pairs matter
// here).
type Origin map[string]string

// Result carries the deploy primitive's output parameters (spec §6.2's
// new_deployments_out / new_bootversion_out / new_deployment_out).
type Result struct {
	NewDeployments []deployment.Deployment
	NewBootVersion int
	NewDeployment  deployment.Deployment
}

// Deployer is the trusted callee boundary spec §1 scopes out of this
// engine: it performs the actual on-disk deployment (unpacking a
// commit, writing the new deployment directory, possibly flipping the
// bootloader). The core only orchestrates state around calling it.
type Deployer interface {
	// Deploy stages revision as a new deployment for osname under root,
	// given the caller's view of the current bootversion and active
	// deployment list, the booted and merge deployments, and the
	// origin config to carry forward. retain, when true, keeps the
	// booted deployment in the new active list instead of discarding
	// it. Overrides (package layering) are out of scope (spec §1
	// Non-goals) and have no parameter here.
	Deploy(ctx context.Context, root string, bootVersionIn int, deploymentsIn []deployment.Deployment,
		osname string, revision checksum.Checksum, origin Origin, retain bool,
		booted, merge deployment.Deployment) (Result, error)
}
