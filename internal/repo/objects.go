package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

// Commit is the minimal structured stand-in for a real ostree commit
// GVariant: a parent pointer plus a root dirtree/dirmeta pair. The real
// binary encode/decode is the out-of-scope "low-level object writer"
// (spec §1); this is what the core needs to read.
type Commit struct {
	Parent      string `json:"parent,omitempty"`
	RootDirTree string `json:"root_dirtree"`
	RootDirMeta string `json:"root_dirmeta"`
}

// DirTree lists the immediate children of a directory: files mapped to
// their content checksum, and subdirectories mapped to their
// (dirtree, dirmeta) checksum pair.
type DirTree struct {
	Files map[string]string    `json:"files,omitempty"`
	Dirs  map[string][2]string `json:"dirs,omitempty"`
}

// objectAbsPath resolves a checksum/kind to an absolute path under this
// repo, falling back to the parent repo on miss (spec §9 back-reference).
func (r *Repo) objectAbsPath(csum checksum.Checksum, kind checksum.Kind) (string, error) {
	rel, err := checksum.ObjectPath(csum, kind)
	if err != nil {
		return "", err
	}
	p := filepath.Join(r.path, rel)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if r.parent != nil {
		return r.parent.objectAbsPath(csum, kind)
	}
	return p, nil
}

// ReadCommit loads the commit object for rev, resolving through the
// parent-repo chain on miss.
func (r *Repo) ReadCommit(rev checksum.Checksum) (*Commit, error) {
	p, err := r.objectAbsPath(rev, checksum.KindCommit)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ostreeerr.New(ostreeerr.KindNotFound, string(rev), fmt.Errorf("commit %s doesn't exist", rev))
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, p, err)
	}
	var c Commit
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindInvalid, p, err)
	}
	return &c, nil
}

// ReadDirTree loads a dirtree object.
func (r *Repo) ReadDirTree(csum checksum.Checksum) (*DirTree, error) {
	p, err := r.objectAbsPath(csum, checksum.KindDirTree)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ostreeerr.New(ostreeerr.KindNotFound, string(csum), err)
		}
		return nil, ostreeerr.New(ostreeerr.KindIO, p, err)
	}
	var d DirTree
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindInvalid, p, err)
	}
	return &d, nil
}

// ResolveRev resolves branch to the checksum it points to.
func (r *Repo) ResolveRev(branch string) (checksum.Checksum, error) {
	refs, err := r.ListRefs(branch)
	if err != nil {
		return "", err
	}
	if c, ok := refs[branch]; ok {
		return c, nil
	}
	return "", ostreeerr.New(ostreeerr.KindNotFound, branch, fmt.Errorf("ref not found"))
}

// PruneFlags is a closed bitset; the core only ever uses REFS_ONLY
// (spec §4.2).
type PruneFlags int

const (
	PruneRefsOnly PruneFlags = 1 << iota
)

// Prune garbage collects objects unreachable from any named ref, scoped
// to depth parent commits per ref (0 = only the ref's own commit
// content, no history walk). It returns the total object count, the
// number pruned, and the bytes freed.
func (r *Repo) Prune(flags PruneFlags, depth int) (total, pruned int, freedBytes uint64, err error) {
	if flags&PruneRefsOnly == 0 {
		return 0, 0, 0, ostreeerr.New(ostreeerr.KindInvalid, "", fmt.Errorf("only REFS_ONLY pruning is supported"))
	}

	refs, err := r.ListRefs("")
	if err != nil {
		return 0, 0, 0, err
	}

	reachable := map[string]bool{}
	for _, name := range sortedRefNames(refs) {
		if err := r.traverse(refs[name], depth, reachable); err != nil {
			return 0, 0, 0, ostreeerr.New(ostreeerr.KindPrune, name, err)
		}
	}

	objectsRoot := filepath.Join(r.path, "objects")
	entries, err := os.ReadDir(objectsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, ostreeerr.New(ostreeerr.KindIO, objectsRoot, err)
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(objectsRoot, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return 0, 0, 0, ostreeerr.New(ostreeerr.KindIO, shardPath, err)
		}
		for _, f := range files {
			total++
			name := objectKey(shard.Name(), f.Name())
			if reachable[name] {
				continue
			}
			fp := filepath.Join(shardPath, f.Name())
			info, statErr := f.Info()
			if statErr == nil {
				freedBytes += uint64(info.Size())
			}
			if err := os.Remove(fp); err != nil {
				return 0, 0, 0, ostreeerr.New(ostreeerr.KindPrune, fp, err)
			}
			pruned++
		}
	}

	plog.Infof("prune: %d/%d objects removed, %d bytes freed", pruned, total, freedBytes)
	return total, pruned, freedBytes, nil
}

// objectKey collapses a shard/filename pair back to "<csum>.<ext>" for
// reachable-set membership tests.
func objectKey(shard, filename string) string {
	return shard + filename
}

// traverse marks rev's commit, its root dirtree/dirmeta, and every
// object reachable from the root tree as reachable, then recurses into
// depth further parent commits.
func (r *Repo) traverse(rev checksum.Checksum, depth int, reachable map[string]bool) error {
	commit, err := r.ReadCommit(rev)
	if err != nil {
		return err
	}
	reachable[string(rev)+".commit"] = true
	reachable[commit.RootDirTree+".dirtree"] = true
	reachable[commit.RootDirMeta+".dirmeta"] = true

	root, err := r.ReadDirTree(checksum.Checksum(commit.RootDirTree))
	if err != nil {
		return err
	}
	if err := r.walkDirTree(root, reachable); err != nil {
		return err
	}

	if depth > 0 && commit.Parent != "" {
		return r.traverse(checksum.Checksum(commit.Parent), depth-1, reachable)
	}
	return nil
}

// walkDirTree recursively marks every file and subdirectory object
// referenced from tree as reachable.
func (r *Repo) walkDirTree(tree *DirTree, reachable map[string]bool) error {
	for _, fileCsum := range tree.Files {
		reachable[fileCsum+".filez"] = true
	}
	for _, pair := range tree.Dirs {
		dirtreeCsum, dirmetaCsum := pair[0], pair[1]
		reachable[dirtreeCsum+".dirtree"] = true
		reachable[dirmetaCsum+".dirmeta"] = true
		child, err := r.ReadDirTree(checksum.Checksum(dirtreeCsum))
		if err != nil {
			return err
		}
		if err := r.walkDirTree(child, reachable); err != nil {
			return err
		}
	}
	return nil
}
