//go:build windows

package squashfs

import "io/fs"

// fillPlatformStat is a no-op on Windows: SquashFS device nodes and
// hard-link collapsing rely on dev/inode numbers that Windows doesn't
// expose the same way, so image creation on Windows only supports plain
// files, directories and symlinks.
func fillPlatformStat(e *SourceEntry, fi fs.FileInfo) {}

func deviceOf(path string) (uint64, error) { return 0, nil }
