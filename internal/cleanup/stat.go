package cleanup

import (
	"os"
	"syscall"
)

// deviceInode stats path and returns its (device, inode) pair, the
// identity test used to recognize the booted deployment root even
// though its directory path may no longer be in the active list.
func deviceInode(path string) (dev, ino uint64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, os.ErrInvalid
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
