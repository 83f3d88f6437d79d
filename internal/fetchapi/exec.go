package fetchapi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

// ExecFetcher shells out to an external "ostree pull"-equivalent
// binary, grounded the same way internal/deployapi.ExecDeployer is:
// flags in, stderr captured for the error message.
type ExecFetcher struct {
	BinaryPath string
}

// NewExecFetcher constructs an ExecFetcher. binaryPath defaults to
// "ostree" on $PATH when empty.
func NewExecFetcher(binaryPath string) *ExecFetcher {
	if binaryPath == "" {
		binaryPath = "ostree"
	}
	return &ExecFetcher{BinaryPath: binaryPath}
}

func (f *ExecFetcher) Pull(ctx context.Context, repoPath, remote string, branches []string, flags Flags) error {
	args := []string{"pull", "--repo=" + repoPath}
	if flags&FlagMetadataOnly != 0 {
		args = append(args, "-m")
	}
	if flags&FlagVerifyCommits != 0 {
		args = append(args, "--verify-commits")
	}
	args = append(args, remote)
	args = append(args, branches...)

	cmd := exec.CommandContext(ctx, f.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return ostreeerr.New(ostreeerr.KindIO, f.BinaryPath,
			fmt.Errorf("pull primitive failed: %w: %s", err, stderr.String()))
	}
	return nil
}
