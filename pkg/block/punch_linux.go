//go:build linux

package block

import (
	"os"

	"golang.org/x/sys/unix"
)

// punchHole deallocates [offset, offset+length) within f without
// changing its apparent size, so the filesystem can reclaim the space
// immediately rather than waiting for the next compaction rewrite.
func punchHole(f *os.File, offset, length int64) error {
	if length == 0 {
		return nil
	}
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}
