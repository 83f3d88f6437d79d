// Package bootcsum bridges the repo and sysroot layers: it resolves the
// boot checksum identifying a commit's kernel/initramfs pair (spec §4.8),
// the value scanner (§4.5) and the boot directory layout key off of.
package bootcsum

import (
	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
	"github.com/coreos/ostree-sysroot/pkg/kernelscan"
)

// ForRevision resolves rev's boot checksum via sr's repo: the
// initramfs's own content checksum when present, else the kernel's.
func ForRevision(sr *sysroot.Sysroot, rev checksum.Checksum) (checksum.Checksum, error) {
	r, err := sr.GetRepo()
	if err != nil {
		return "", err
	}
	commit, err := r.ReadCommit(rev)
	if err != nil {
		return "", ostreeerr.New(ostreeerr.KindIO, string(rev), err)
	}
	res, err := kernelscan.FromTree(r, checksum.Checksum(commit.RootDirTree))
	if err != nil {
		return "", ostreeerr.New(ostreeerr.KindIO, string(rev), err)
	}
	if res.InitramfsCsum != "" {
		return res.InitramfsCsum, nil
	}
	return res.KernelCsum, nil
}
