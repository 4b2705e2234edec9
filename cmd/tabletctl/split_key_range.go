package main

import (
	"encoding/hex"
	"flag"
	"fmt"

	"github.com/kasuganosora/tabletstore/internal/tabletmeta"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/rowset"
	"github.com/kasuganosora/tabletstore/pkg/rowsettree"
)

// runSplitKeyRange reports §4.H key-range split boundaries for a
// tablet's current rowset layout, optionally weighted by one column's
// estimated on-disk footprint rather than each rowset's total size.
func runSplitKeyRange(args []string) error {
	fs := flag.NewFlagSet("split-key-range", flag.ExitOnError)
	col := fs.Uint("col", 0, "column id to weight by (column-set-aware variant); 0 means use full rowset size")
	chunk := fs.Int64("chunk", 64<<20, "target chunk size in bytes")
	startHex := fs.String("start", "", "hex-encoded start key (empty means unbounded)")
	stopHex := fs.String("stop", "", "hex-encoded stop key, exclusive (empty means unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("split-key-range: usage: tabletctl split-key-range [-col id] [-chunk bytes] [-start hex] [-stop hex] <tablet-dir>")
	}
	dir := fs.Arg(0)

	start, err := decodeOptionalHex(*startHex)
	if err != nil {
		return fmt.Errorf("decoding -start: %w", err)
	}
	stop, err := decodeOptionalHex(*stopHex)
	if err != nil {
		return fmt.Errorf("decoding -stop: %w", err)
	}

	sb, err := tabletmeta.Read(dir)
	if err != nil {
		return fmt.Errorf("reading superblock: %w", err)
	}

	tree := rowsettree.New()
	drsByID := make(map[string]*rowset.DRS, len(sb.RowSets))
	for i := range sb.RowSets {
		meta := &sb.RowSets[i]
		drs, err := rowset.Open(meta.BasePath, sb.Schema, mvcc.Timestamp(meta.CreatedAt), meta.RedoFiles, meta.UndoFiles)
		if err != nil {
			return fmt.Errorf("opening rowset %s: %w", meta.ID, err)
		}
		drsByID[meta.ID] = drs
		min, max := drs.GetBounds()
		size, err := drs.OnDiskBaseDataSizeWithRedos()
		if err != nil {
			return fmt.Errorf("sizing rowset %s: %w", meta.ID, err)
		}
		tree.Insert(rowsettree.Entry{ID: meta.ID, Min: min, Max: max, HasBounds: true, SizeBytes: size})
	}

	var columnFilter func(rowsettree.Entry) int64
	if *col != 0 {
		var colErr error
		columnFilter = func(e rowsettree.Entry) int64 {
			drs, ok := drsByID[e.ID]
			if !ok {
				return 0
			}
			size, err := drs.OnDiskBaseDataColumnSize(uint32(*col))
			if err != nil && colErr == nil {
				colErr = err
			}
			return size
		}
		defer func() {
			if colErr != nil {
				fmt.Printf("warning: column sizing error: %v\n", colErr)
			}
		}()
	}

	boundaries := rowsettree.SplitKeyRange(tree, start, stop, *chunk, columnFilter)
	fmt.Printf("tablet %s: %d chunk boundaries (target=%d bytes, col=%d)\n", sb.TabletID, len(boundaries), *chunk, *col)
	for i, b := range boundaries {
		fmt.Printf("  [%d] %x\n", i, b)
	}
	return nil
}

func decodeOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
