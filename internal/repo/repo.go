// Package repo implements the content-addressed object store and ref
// transaction bracket the deployment engine consumes (spec §4.2, §9
// "cyclic / back references"). The binary encode/decode of commit,
// dirtree and dirmeta objects is treated the way spec §1 scopes the
// "low-level object writer": an external collaborator. What lives here
// is the plumbing the core actually needs to reason about reachability
// and refs — a minimal structured (JSON) object representation stands
// in for the real GVariant wire format so Prune and the bootcsum bridge
// have something concrete to walk.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "repo")

const refsHeadsDir = "refs/heads"

// Repo is a content-addressed object store plus a keyed ref set, rooted
// at path. A Repo may borrow a parent for layered lookups (spec §9); the
// parent link is never owned cyclically.
type Repo struct {
	path   string
	parent *Repo

	mu  sync.Mutex
	txn *transaction // nil when no transaction is open
}

// transaction is the pending batch of ref changes accumulated between
// BeginTransaction and CommitTransaction/AbortTransaction.
type transaction struct {
	// pending maps ref name -> desired checksum. A nil entry means
	// "delete this ref on commit".
	pending map[string]*checksum.Checksum
}

// Open opens (without creating) the repository rooted at path.
func Open(path string) (*Repo, error) {
	info, err := os.Stat(filepath.Join(path, "objects"))
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIO, path, fmt.Errorf("opening repo: %w", err))
	}
	if !info.IsDir() {
		return nil, ostreeerr.New(ostreeerr.KindInvalid, path, fmt.Errorf("objects is not a directory"))
	}
	return &Repo{path: path}, nil
}

// Path returns the repository's root directory.
func (r *Repo) Path() string { return r.path }

// SetParent links a borrowed parent repository consulted on lookup miss.
// It refuses to create a cycle: self must not already be reachable as an
// ancestor of parent.
func (r *Repo) SetParent(parent *Repo) error {
	for p := parent; p != nil; p = p.parent {
		if p == r {
			return ostreeerr.New(ostreeerr.KindInvalid, r.path, fmt.Errorf("refusing to link repo as its own descendant's parent"))
		}
	}
	r.parent = parent
	return nil
}

// refPath maps a ref name to its on-disk file path under refs/heads.
func (r *Repo) refPath(name string) string {
	return filepath.Join(r.path, refsHeadsDir, filepath.FromSlash(name))
}

// ListRefs enumerates refs whose name begins with prefix. An empty
// prefix lists every ref.
func (r *Repo) ListRefs(prefix string) (map[string]checksum.Checksum, error) {
	out := map[string]checksum.Checksum{}
	root := filepath.Join(r.path, refsHeadsDir)

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		csum, err := checksum.Validate(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("ref %s: %w", name, err)
		}
		out[name] = csum
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, ostreeerr.New(ostreeerr.KindIO, root, err)
	}
	return out, nil
}

// BeginTransaction opens a pending batch on this handle. It fails if a
// transaction is already open.
func (r *Repo) BeginTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txn != nil {
		return ostreeerr.New(ostreeerr.KindTransaction, r.path, fmt.Errorf("transaction already open"))
	}
	r.txn = &transaction{pending: map[string]*checksum.Checksum{}}
	return nil
}

// SetRefspec stages a create/update (csum non-nil) or delete (csum nil)
// within the open transaction.
func (r *Repo) SetRefspec(name string, csum *checksum.Checksum) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txn == nil {
		return ostreeerr.New(ostreeerr.KindTransaction, name, fmt.Errorf("no transaction open"))
	}
	r.txn.pending[name] = csum
	return nil
}

// CommitTransaction applies the pending ref changes. Every write lands
// in a sibling temp file first, and only after every pending change has
// been staged to disk do the renames (for creates/updates) and removals
// (for deletes) happen, each of which is itself a single atomic
// filesystem op. An error while staging leaves every pre-existing ref
// intact. An error during the rename/removal phase is not rolled back:
// the changes applied before it stay in place.
func (r *Repo) CommitTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txn == nil {
		return ostreeerr.New(ostreeerr.KindTransaction, "", fmt.Errorf("no transaction open"))
	}
	pending := r.txn.pending
	r.txn = nil

	type staged struct {
		name string
		tmp  string
		del  bool
	}
	var stagedFiles []staged
	cleanup := func() {
		for _, s := range stagedFiles {
			if s.tmp != "" {
				os.Remove(s.tmp)
			}
		}
	}

	// Stage phase: every write goes to a temp file next to the final
	// target, never touching the real ref until rename time.
	seq := 0
	for name, csum := range pending {
		target := r.refPath(name)
		if csum == nil {
			stagedFiles = append(stagedFiles, staged{name: name, del: true})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			cleanup()
			return ostreeerr.New(ostreeerr.KindIO, target, err)
		}
		seq++
		tmp := fmt.Sprintf("%s.tmp-%d-%d", target, os.Getpid(), seq)
		if err := os.WriteFile(tmp, []byte(string(*csum)+"\n"), 0o644); err != nil {
			cleanup()
			return ostreeerr.New(ostreeerr.KindIO, tmp, err)
		}
		stagedFiles = append(stagedFiles, staged{name: name, tmp: tmp})
	}

	// Commit phase: apply each staged change.
	for _, s := range stagedFiles {
		target := r.refPath(s.name)
		if s.del {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return ostreeerr.New(ostreeerr.KindTransaction, target, err)
			}
			continue
		}
		if err := os.Rename(s.tmp, target); err != nil {
			return ostreeerr.New(ostreeerr.KindTransaction, target, err)
		}
	}

	plog.Debugf("committed %d ref change(s)", len(pending))
	return nil
}

// AbortTransaction discards pending changes. It is idempotent and safe
// to call when no transaction is open, matching the unconditional
// cleanup-path usage in the cleanup engine.
func (r *Repo) AbortTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txn = nil
	return nil
}

// sortedRefNames returns the ref names in sorted order; Prune uses it to
// walk refs deterministically.
func sortedRefNames(refs map[string]checksum.Checksum) []string {
	names := make([]string, 0, len(refs))
	for n := range refs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
