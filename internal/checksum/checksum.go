// Package checksum validates the 64-character lowercase hex content
// identifiers used throughout the repository and maps them to their
// on-disk object path. See spec §3.1-3.2 / §4.1.
package checksum

import (
	"fmt"
	"path/filepath"

	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

// Checksum is a validated 64-character lowercase hex string.
type Checksum string

const hexLen = 64

// Validate parses str as a Checksum, failing construction on any
// non-conforming input. No leading-zero collapse is performed: the
// string is taken verbatim.
func Validate(str string) (Checksum, error) {
	if len(str) != hexLen {
		return "", ostreeerr.New(ostreeerr.KindInvalid, str, fmt.Errorf("checksum must be %d hex characters, got %d", hexLen, len(str)))
	}
	for _, r := range str {
		isLowerHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isLowerHex {
			return "", ostreeerr.New(ostreeerr.KindInvalid, str, fmt.Errorf("non-lowercase-hex character %q", r))
		}
	}
	return Checksum(str), nil
}

// Kind is one of the closed object kinds a checksum can identify.
type Kind int

const (
	KindCommit Kind = iota
	KindDirTree
	KindDirMeta
	KindFile
)

// ext returns the path extension ostree uses for each object kind.
// File objects always use the archive-style "filez" extension; the
// bare-repo "file" variant is not produced. This matches the "filez" extension the Prune() path
// in internal/repo also assumes.
func (k Kind) ext() (string, error) {
	switch k {
	case KindCommit:
		return "commit", nil
	case KindDirTree:
		return "dirtree", nil
	case KindDirMeta:
		return "dirmeta", nil
	case KindFile:
		return "filez", nil
	default:
		return "", fmt.Errorf("unknown object kind %d", k)
	}
}

// ObjectPath deterministically maps (csum, kind) to a path relative to
// the repo root. It performs no I/O; callers inspect presence
// separately.
func ObjectPath(csum Checksum, kind Kind) (string, error) {
	if len(csum) != hexLen {
		return "", ostreeerr.New(ostreeerr.KindInvalid, string(csum), fmt.Errorf("checksum must be %d hex characters", hexLen))
	}
	ext, err := kind.ext()
	if err != nil {
		return "", ostreeerr.New(ostreeerr.KindInvalid, string(csum), err)
	}
	return filepath.Join("objects", string(csum[:2]), fmt.Sprintf("%s.%s", csum[2:], ext)), nil
}
