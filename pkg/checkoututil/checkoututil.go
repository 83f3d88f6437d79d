// Package checkoututil implements the tree-materialization half of the
// checkout CLI surface (spec §6.3): checking out a commit's tree onto
// disk, the stdin batch-checkout record reader, and the atomic-retarget
// symlink swap.
package checkoututil

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/repo"
)

// CheckoutTree recursively materializes the dirtree rooted at
// rootDirTree under destDir, creating destDir if absent. union, when
// false, refuses to overwrite an existing destDir (mirrors
// --union/OSTREE_REPO_CHECKOUT_OVERWRITE_UNION_FILES).
func CheckoutTree(r *repo.Repo, rootDirTree checksum.Checksum, destDir string, union bool) error {
	tree, err := r.ReadDirTree(rootDirTree)
	if err != nil {
		return err
	}
	if !union {
		if _, err := os.Stat(destDir); err == nil {
			return ostreeerr.New(ostreeerr.KindInvalid, destDir, fmt.Errorf("destination already exists (use --union to overwrite)"))
		}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ostreeerr.New(ostreeerr.KindIO, destDir, err)
	}

	for name, fileCsum := range tree.Files {
		if err := checkoutFile(r, checksum.Checksum(fileCsum), filepath.Join(destDir, name)); err != nil {
			return err
		}
	}
	for name, pair := range tree.Dirs {
		if err := CheckoutTree(r, checksum.Checksum(pair[0]), filepath.Join(destDir, name), true); err != nil {
			return err
		}
	}
	return nil
}

// ResolveSubtree walks path components (slash-separated, relative to
// rootDirTree) and returns the dirtree checksum of the final directory,
// for callers implementing checkout --subpath.
func ResolveSubtree(r *repo.Repo, rootDirTree checksum.Checksum, subpath string) (checksum.Checksum, error) {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		return rootDirTree, nil
	}
	current := rootDirTree
	for _, name := range strings.Split(subpath, "/") {
		tree, err := r.ReadDirTree(current)
		if err != nil {
			return "", err
		}
		pair, ok := tree.Dirs[name]
		if !ok {
			return "", ostreeerr.New(ostreeerr.KindNotFound, subpath, fmt.Errorf("no such subdirectory %q", name))
		}
		current = checksum.Checksum(pair[0])
	}
	return current, nil
}

// checkoutFile copies a file object's raw bytes to dest. The object
// store's content-addressed bytes ARE the file's content, so this is a
// plain copy, not a decode.
func checkoutFile(r *repo.Repo, fileCsum checksum.Checksum, dest string) error {
	rel, err := checksum.ObjectPath(fileCsum, checksum.KindFile)
	if err != nil {
		return err
	}
	src := filepath.Join(r.Path(), rel)
	raw, err := os.ReadFile(src)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIO, src, err)
	}
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return ostreeerr.New(ostreeerr.KindIO, dest, err)
	}
	return nil
}

// Record is one (revision, subpath) pair read from a --from-stdin
// batch-checkout stream.
type Record struct {
	Revision string
	Subpath  string
}

// ReadStdinRecords parses NUL-separated (revision, subpath) pairs,
// terminated by an empty revision record, matching
// process_many_checkouts's wire format.
func ReadStdinRecords(in io.Reader) ([]Record, error) {
	r := bufio.NewReader(in)
	var out []Record
	for {
		revision, err := readNULField(r)
		if err != nil {
			if err == io.EOF && revision == "" {
				break
			}
			return nil, ostreeerr.New(ostreeerr.KindIO, "stdin", err)
		}
		if revision == "" {
			break
		}
		subpath, err := readNULField(r)
		if err != nil && err != io.EOF {
			return nil, ostreeerr.New(ostreeerr.KindIO, "stdin", err)
		}
		out = append(out, Record{Revision: revision, Subpath: subpath})
	}
	return out, nil
}

func readNULField(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return strings.TrimSuffix(s, "\x00"), err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

// ParseCommitFromSymlink reads an existing atomic-retarget symlink and
// returns the checksum suffix after its last '-'. Callers distinguish
// "symlink doesn't exist yet" (os.IsNotExist) from a malformed target.
func ParseCommitFromSymlink(path string) (checksum.Checksum, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	dash := strings.LastIndexByte(target, '-')
	if dash < 0 {
		return "", ostreeerr.New(ostreeerr.KindInvalid, path, fmt.Errorf("symlink target %q has no trailing '-<checksum>'", target))
	}
	return checksum.Validate(target[dash+1:])
}

// AtomicRetargetSwap publishes target (a path basename, not absolute)
// as dest's new symlink contents: a sibling symlink is created first,
// under a randomized name, then renamed over dest — the rename is the
// only operation observers can race, and it is atomic. The sibling
// name uses an 8-byte crypto/rand hex suffix rather than a fixed
// "-tmplink" (spec §9 Open Question 3), so concurrent retargets of the
// same destination never collide on the staging name.
func AtomicRetargetSwap(dest, target string) error {
	suffix, err := randHexSuffix(8)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIO, dest, err)
	}
	tmpLink := dest + "-" + suffix
	if err := os.Symlink(target, tmpLink); err != nil {
		return ostreeerr.New(ostreeerr.KindIO, tmpLink, err)
	}
	if err := os.Rename(tmpLink, dest); err != nil {
		os.Remove(tmpLink)
		return ostreeerr.New(ostreeerr.KindIO, dest, err)
	}
	return nil
}

func randHexSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
