//go:build !windows

package squashfs

import (
	"io/fs"
	"syscall"
)

// fillPlatformStat populates the Unix-only fields a directory scan needs
// (device, inode, owner, device-node major/minor) from fi's underlying
// syscall.Stat_t.
func fillPlatformStat(e *SourceEntry, fi fs.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.Dev = uint64(st.Dev)
	e.Ino = uint64(st.Ino)
	e.Uid = st.Uid
	e.Gid = st.Gid
	e.Rdev = uint64(st.Rdev)
}

func deviceOf(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, wrapErr("deviceOf", KindIO, err)
	}
	return uint64(st.Dev), nil
}
