package cleanup

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFl mirrors FS_IMMUTABLE_FL from <linux/fs.h>, defined here
// rather than taken from golang.org/x/sys/unix.
const fsImmutableFl = 0x00000010

// clearImmutable best-effort clears the immutable inode flag on path via
// FS_IOC_SETFLAGS, ioctl-ing through an O_RDONLY file descriptor the way
// chattr(1) does. Filesystems that don't support the attribute (tmpfs,
// overlayfs) report ENOTTY/EOPNOTSUPP, which is not an error here: there
// was nothing to clear.
func clearImmutable(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s to clear immutable flag: %w", path, err)
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		if err == unix.ENOTTY || err == unix.EOPNOTSUPP {
			return nil
		}
		return fmt.Errorf("reading flags on %s: %w", path, err)
	}
	if flags&fsImmutableFl == 0 {
		return nil
	}
	flags &^= fsImmutableFl
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags); err != nil {
		if err == unix.ENOTTY || err == unix.EOPNOTSUPP {
			return nil
		}
		return fmt.Errorf("clearing immutable flag on %s: %w", path, err)
	}
	return nil
}
