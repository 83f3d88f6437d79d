package deployapi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

// ExecDeployer shells out to an external "admin deploy"-style binary,
// the trusted callee spec §1 scopes out of this engine's own
// responsibility. Arguments are passed as flags; the callee reports its
// result parameters as "key=value" lines on stdout.
type ExecDeployer struct {
	// BinaryPath is the executable invoked for every Deploy call.
	BinaryPath string
}

// NewExecDeployer constructs an ExecDeployer. binaryPath defaults to
// "ostree" on the $PATH when empty.
func NewExecDeployer(binaryPath string) *ExecDeployer {
	if binaryPath == "" {
		binaryPath = "ostree"
	}
	return &ExecDeployer{BinaryPath: binaryPath}
}

func (d *ExecDeployer) Deploy(ctx context.Context, root string, bootVersionIn int, deploymentsIn []deployment.Deployment,
	osname string, revision checksum.Checksum, origin Origin, retain bool,
	booted, merge deployment.Deployment) (Result, error) {

	args := []string{
		"admin", "deploy",
		"--sysroot=" + root,
		"--os=" + osname,
		"--bootversion=" + strconv.Itoa(bootVersionIn),
	}
	if retain {
		args = append(args, "--retain")
	}
	for k, v := range origin {
		args = append(args, fmt.Sprintf("--origin=%s=%s", k, v))
	}
	args = append(args, string(revision))

	cmd := exec.CommandContext(ctx, d.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, ostreeerr.New(ostreeerr.KindIO, d.BinaryPath,
			fmt.Errorf("deploy primitive failed: %w: %s", err, stderr.String()))
	}

	return parseDeployOutput(stdout.Bytes(), deploymentsIn)
}

// parseDeployOutput reads the callee's "key=value" result lines:
// "bootversion=<N>" and "deployment=<csum>.<serial>". Everything else
// in deploymentsIn plus the newly reported deployment becomes
// NewDeployments, appended at the next index.
func parseDeployOutput(out []byte, deploymentsIn []deployment.Deployment) (Result, error) {
	var newBV int = -1
	var newCsum checksum.Checksum
	var newSerial int

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "bootversion":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Result{}, ostreeerr.New(ostreeerr.KindInvalid, line, err)
			}
			newBV = n
		case "deployment":
			c, serial, err := deployment.ParseDeployDirName(v)
			if err != nil {
				return Result{}, err
			}
			newCsum, newSerial = c, serial
		}
	}
	if newBV < 0 || newCsum == "" {
		return Result{}, ostreeerr.New(ostreeerr.KindInvalid, "", fmt.Errorf("deploy primitive did not report bootversion and deployment"))
	}

	newDeployment := deployment.New(len(deploymentsIn), "", newCsum, newSerial, "", -1)
	newDeployments := append(append([]deployment.Deployment{}, deploymentsIn...), newDeployment)

	return Result{
		NewDeployments: newDeployments,
		NewBootVersion: newBV,
		NewDeployment:  newDeployment,
	}, nil
}
