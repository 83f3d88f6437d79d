// Package kernelscan locates the kernel and initramfs file objects under
// /boot in a commit's tree, the Go-native stand-in for ostree's
// get_kernel_from_tree() helper (spec §4.8, the repo/sysroot bridge).
package kernelscan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/repo"
)

// Result holds the file-object checksums found under /boot. Since the
// store is content-addressed, a file object's own checksum already is
// the checksum of its content — no separate hashing pass is needed.
type Result struct {
	KernelCsum    checksum.Checksum
	InitramfsCsum checksum.Checksum // zero value if none found
}

// FromTree locates /boot/vmlinuz-* and /boot/initramfs-* under the
// dirtree rooted at rootDirTree. Multiple matches are resolved by
// picking the lexicographically last name, matching a single commit
// never carrying more than one kernel in practice.
func FromTree(r *repo.Repo, rootDirTree checksum.Checksum) (Result, error) {
	root, err := r.ReadDirTree(rootDirTree)
	if err != nil {
		return Result{}, err
	}
	bootPair, ok := root.Dirs["boot"]
	if !ok {
		return Result{}, fmt.Errorf("commit tree has no /boot directory")
	}
	boot, err := r.ReadDirTree(checksum.Checksum(bootPair[0]))
	if err != nil {
		return Result{}, err
	}

	names := make([]string, 0, len(boot.Files))
	for name := range boot.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	var res Result
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, "vmlinuz-"):
			res.KernelCsum = checksum.Checksum(boot.Files[name])
		case strings.HasPrefix(name, "initramfs-"):
			res.InitramfsCsum = checksum.Checksum(boot.Files[name])
		}
	}
	if res.KernelCsum == "" {
		return Result{}, fmt.Errorf("no vmlinuz-* entry found under /boot")
	}
	return res, nil
}
