// Command tabletctl is an offline inspection and repair tool for a
// tablet's on-disk state (§10, §12): dumping WAL segments, inspecting
// on-disk RowSets, and running the block container's crash-recovery
// pass outside of a running tablet process. It never opens a tablet's
// data-directory lock, so it must only be run against an offline
// tablet.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "dump-wal":
		err = runDumpWAL(os.Args[2:])
	case "inspect-rowset":
		err = runInspectRowset(os.Args[2:])
	case "fsck-container":
		err = runFsckContainer(os.Args[2:])
	case "split-key-range":
		err = runSplitKeyRange(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "tabletctl: unknown subcommand %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tabletctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `tabletctl - offline tablet storage inspection tool

Usage:
  tabletctl dump-wal [-zstd] <wal-dir>
  tabletctl inspect-rowset [-id id] [-rows] <tablet-dir>
  tabletctl fsck-container [-dir dir] <container-name>
  tabletctl split-key-range [-col id] [-chunk bytes] [-start hex] [-stop hex] <tablet-dir>`)
}
