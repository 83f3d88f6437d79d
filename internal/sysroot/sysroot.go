// Package sysroot loads and holds the ordered list of active
// deployments for the current boot generation, and owns the lazily
// opened repository handle (spec §3.5, §4.4).
package sysroot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/repo"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "sysroot")

// Sysroot holds the on-disk state: the active bootversion/subbootversion
// pair and the ordered list of deployments active under that generation.
type Sysroot struct {
	Path            string
	BootVersion     int
	SubBootVersion  int
	Deployments     []deployment.Deployment
	loaded          bool
	bootedDev       uint64
	bootedIno       uint64
	hasBootedStat   bool

	mu   sync.Mutex
	repo *repo.Repo
}

// New constructs an unloaded Sysroot rooted at path.
func New(path string) *Sysroot {
	return &Sysroot{Path: path}
}

// SetBootedDeviceInode records the (dev, ino) pair identifying the
// booted deployment's root, normally obtained by the caller via
// stat("/"). This makes the "booted deployment" identity an explicit
// input rather than an ambient stat("/") call inside the cleanup engine
// (spec §9 Open Question 2).
func (s *Sysroot) SetBootedDeviceInode(dev, ino uint64) {
	s.bootedDev = dev
	s.bootedIno = ino
	s.hasBootedStat = true
}

// BootedDeviceInode returns the recorded booted (dev, ino) pair.
func (s *Sysroot) BootedDeviceInode() (dev, ino uint64, ok bool) {
	return s.bootedDev, s.bootedIno, s.hasBootedStat
}

// Loaded reports whether Load has successfully run at least once.
func (s *Sysroot) Loaded() bool { return s.loaded }

// GetRepo lazily opens and caches the repository under
// <path>/ostree/repo.
func (s *Sysroot) GetRepo() (*repo.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo != nil {
		return s.repo, nil
	}
	r, err := repo.Open(filepath.Join(s.Path, "ostree", "repo"))
	if err != nil {
		return nil, err
	}
	s.repo = r
	return r, nil
}

// DeploymentDirPath returns the deployment's root directory, relative to
// the sysroot root.
func (s *Sysroot) DeploymentDirPath(d deployment.Deployment) string {
	return filepath.Join("ostree", "deploy", d.OSName, "deploy", d.DirName())
}

// OriginRelPath returns the deployment's origin side-file path, relative
// to the sysroot root.
func (s *Sysroot) OriginRelPath(d deployment.Deployment) string {
	return filepath.Join("ostree", "deploy", d.OSName, "deploy", d.OriginFileName())
}

// readVersionSuffix reads a "loader.<N>"-or-"boot.<bv>.<N>"-style
// symlink target and returns the trailing integer, defaulting to 0 when
// the symlink itself doesn't exist (a fresh sysroot).
func readVersionSuffix(path string) (int, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ostreeerr.New(ostreeerr.KindIO, path, err)
	}
	dot := strings.LastIndexByte(target, '.')
	if dot < 0 {
		return 0, ostreeerr.New(ostreeerr.KindInvalid, path, fmt.Errorf("malformed version symlink target %q", target))
	}
	n, err := strconv.Atoi(target[dot+1:])
	if err != nil {
		return 0, ostreeerr.New(ostreeerr.KindInvalid, path, fmt.Errorf("malformed version symlink target %q: %w", target, err))
	}
	return n, nil
}

// Load reads the current bootversion/subbootversion from the on-disk
// boot config, enumerates active deployments for that generation, sorts
// them by index, and marks the sysroot loaded. Any subsequent mutation
// through the cleanup engine must call Load again.
func (s *Sysroot) Load() error {
	bv, err := readVersionSuffix(filepath.Join(s.Path, "boot", "loader"))
	if err != nil {
		return err
	}
	sbv, err := readVersionSuffix(filepath.Join(s.Path, "ostree", fmt.Sprintf("boot.%d", bv)))
	if err != nil {
		return err
	}

	deployments, err := s.scanActiveDeployments(bv, sbv)
	if err != nil {
		return err
	}

	sort.Slice(deployments, func(i, j int) bool { return deployments[i].Index < deployments[j].Index })
	for i, d := range deployments {
		if d.Index != i {
			return ostreeerr.New(ostreeerr.KindAssert, s.Path, fmt.Errorf("active deployment indices are not contiguous from 0: got index %d at position %d", d.Index, i))
		}
	}

	s.BootVersion = bv
	s.SubBootVersion = sbv
	s.Deployments = deployments
	s.loaded = true
	plog.Debugf("loaded sysroot %s: bootversion=%d subbootversion=%d deployments=%d", s.Path, bv, sbv, len(deployments))
	return nil
}

// scanActiveDeployments walks ostree/boot.<bv>.<sbv>/<osname>/<bootcsum>/<index>
// symlinks, each pointing relatively at
// ostree/deploy/<osname>/deploy/<csum>.<serial>, and reconstructs the
// active deployment list.
func (s *Sysroot) scanActiveDeployments(bv, sbv int) ([]deployment.Deployment, error) {
	root := filepath.Join(s.Path, "ostree", fmt.Sprintf("boot.%d.%d", bv, sbv))
	osEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, root, err)
	}

	var out []deployment.Deployment
	for _, osEnt := range osEntries {
		if !osEnt.IsDir() {
			continue
		}
		osname := osEnt.Name()
		bootcsumRoot := filepath.Join(root, osname)
		bootcsumEntries, err := os.ReadDir(bootcsumRoot)
		if err != nil {
			return nil, ostreeerr.New(ostreeerr.KindIO, bootcsumRoot, err)
		}
		for _, bcEnt := range bootcsumEntries {
			if !bcEnt.IsDir() {
				continue
			}
			bootcsumStr := bcEnt.Name()
			bootcsum, err := checksum.Validate(bootcsumStr)
			if err != nil {
				return nil, ostreeerr.New(ostreeerr.KindInvalid, bootcsumRoot, fmt.Errorf("boot entry group name is not a checksum: %w", err))
			}
			groupDir := filepath.Join(bootcsumRoot, bootcsumStr)
			idxEntries, err := os.ReadDir(groupDir)
			if err != nil {
				return nil, ostreeerr.New(ostreeerr.KindIO, groupDir, err)
			}

			type idxLink struct {
				idx  int
				name string
			}
			var links []idxLink
			for _, ie := range idxEntries {
				idx, convErr := strconv.Atoi(ie.Name())
				if convErr != nil {
					continue
				}
				links = append(links, idxLink{idx: idx, name: ie.Name()})
			}
			sort.Slice(links, func(i, j int) bool { return links[i].idx < links[j].idx })

			for bootSerial, l := range links {
				linkPath := filepath.Join(groupDir, l.name)
				target, err := os.Readlink(linkPath)
				if err != nil {
					return nil, ostreeerr.New(ostreeerr.KindIO, linkPath, err)
				}
				dirName := filepath.Base(target)
				csum, serial, err := deployment.ParseDeployDirName(dirName)
				if err != nil {
					return nil, err
				}
				out = append(out, deployment.New(l.idx, osname, csum, serial, bootcsum, bootSerial))
			}
		}
	}
	return out, nil
}
