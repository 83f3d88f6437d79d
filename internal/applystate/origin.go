package applystate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployapi"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

// originAbsPath resolves a deployment's origin side-file to an
// absolute path under sr.
func originAbsPath(sr *sysroot.Sysroot, d deployment.Deployment) string {
	return filepath.Join(sr.Path, sr.OriginRelPath(d))
}

// readOrigin parses a deployment's origin side-file: one "key=value"
// pair per line, blank lines and "[section]" header lines ignored.
func readOrigin(path string) (deployapi.Origin, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return deployapi.Origin{}, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, path, err)
	}
	defer f.Close()

	origin := deployapi.Origin{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		origin[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIO, path, err)
	}
	return origin, nil
}

// originRevision extracts the target revision recorded in origin's
// "revision" key.
func originRevision(origin deployapi.Origin) (checksum.Checksum, error) {
	v, ok := origin["revision"]
	if !ok {
		return "", ostreeerr.New(ostreeerr.KindInvalid, "", fmt.Errorf("origin has no 'revision' key and no override was given"))
	}
	return checksum.Validate(v)
}

// resolveBooted finds the deployment matching sr's recorded booted
// (dev, ino) identity. A sysroot with no recorded identity, or one
// whose active deployments do not include the booted root, is a hard
// error: the worker cannot compute a merge deployment without it.
func resolveBooted(sr *sysroot.Sysroot, deployments []deployment.Deployment) (deployment.Deployment, error) {
	dev, ino, ok := sr.BootedDeviceInode()
	if !ok {
		return deployment.Deployment{}, ostreeerr.New(ostreeerr.KindAssert, sr.Path,
			fmt.Errorf("booted device/inode was never recorded"))
	}
	for _, d := range deployments {
		absPath := filepath.Join(sr.Path, sr.DeploymentDirPath(d))
		st, err := os.Stat(absPath)
		if err != nil {
			continue
		}
		sysSt, ok := st.Sys().(*syscall.Stat_t)
		if !ok {
			continue
		}
		if uint64(sysSt.Dev) == dev && uint64(sysSt.Ino) == ino {
			return d, nil
		}
	}
	return deployment.Deployment{}, ostreeerr.New(ostreeerr.KindNotFound, sr.Path,
		fmt.Errorf("no active deployment matches the booted device/inode"))
}
