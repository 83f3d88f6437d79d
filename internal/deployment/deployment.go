// Package deployment defines the immutable deployment descriptor value
// type and the two name parsers used to recognize deployment and boot
// directories on disk (spec §3.4, §3.6, §4.3).
package deployment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

// Deployment is an immutable value describing a single OS deployment.
// Equality is structural on all six fields.
type Deployment struct {
	Index        int // position in the active list; -1 when unplaced
	OSName       string
	Csum         checksum.Checksum
	DeploySerial int // disambiguates same-commit re-deploys; non-negative
	BootCsum     checksum.Checksum
	BootSerial   int // position inside boot entry group; -1 when unplaced
}

// New constructs a Deployment descriptor.
func New(index int, osname string, csum checksum.Checksum, deploySerial int, bootCsum checksum.Checksum, bootSerial int) Deployment {
	return Deployment{
		Index:        index,
		OSName:       osname,
		Csum:         csum,
		DeploySerial: deploySerial,
		BootCsum:     bootCsum,
		BootSerial:   bootSerial,
	}
}

// DirName is the on-disk directory name for this deployment:
// "<csum>.<deploy_serial>".
func (d Deployment) DirName() string {
	return fmt.Sprintf("%s.%d", d.Csum, d.DeploySerial)
}

// OriginFileName is the deployment's origin side-file name.
func (d Deployment) OriginFileName() string {
	return d.DirName() + ".origin"
}

// Equal reports structural equality across all six descriptor fields.
func (d Deployment) Equal(o Deployment) bool {
	return d == o
}

// ParseDeployDirName parses a directory entry name believed to be a
// deployment directory: "<csum>.<serial>". Unlike ParseBootDirName, a
// parse failure here is a hard error — callers have already filtered to
// entries they believe are deployments.
func ParseDeployDirName(name string) (checksum.Checksum, int, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "", 0, ostreeerr.New(ostreeerr.KindInvalid, name, fmt.Errorf("missing '.<serial>' suffix"))
	}
	csumPart, serialPart := name[:dot], name[dot+1:]

	c, err := checksum.Validate(csumPart)
	if err != nil {
		return "", 0, ostreeerr.New(ostreeerr.KindInvalid, name, fmt.Errorf("invalid checksum portion: %w", err))
	}

	serial, err := strconv.Atoi(serialPart)
	if err != nil || serial < 0 || serialPart == "" || strings.ContainsAny(serialPart, "+- ") {
		return "", 0, ostreeerr.New(ostreeerr.KindInvalid, name, fmt.Errorf("invalid serial portion %q", serialPart))
	}

	return c, serial, nil
}

// ParseBootDirName parses a boot directory entry name: "<osname>-<bootcsum>",
// split on the last hyphen. Unlike ParseDeployDirName, this is tolerant:
// callers that enumerate boot/ostree/* expect unrelated entries and
// silently skip names that don't parse.
func ParseBootDirName(name string) (osname string, bootcsum checksum.Checksum, ok bool) {
	lastDash := strings.LastIndexByte(name, '-')
	if lastDash < 0 {
		return "", "", false
	}
	suffix := name[lastDash+1:]
	c, err := checksum.Validate(suffix)
	if err != nil {
		return "", "", false
	}
	return name[:lastDash], c, true
}
