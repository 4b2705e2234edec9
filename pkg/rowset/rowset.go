// Package rowset implements the on-disk RowSet (DRS): an immutable,
// bounds-sorted snapshot of base data plus REDO/UNDO delta files and a
// bloom filter + ad-hoc PK index for point lookups.
//
// Base-data encoding generalizes the reference engine's
// pkg/resource/parquet/io.go (readParquetFile/writeParquetFile): that
// function round-trips one table's domain.Row slice through
// parquet-go with an atomic temp-file-then-rename publish; here the
// same discipline writes one rowset's sorted row batch instead, with
// its own bloom filter and PK index layered on top because Parquet's
// column statistics alone can't serve point-PK lookups at engine
// scale.
package rowset

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

// parquetSchema builds a parquet.Schema mirroring s's column list.
func parquetSchema(s *schema.Schema) *parquet.Schema {
	group := make(parquet.Group, len(s.Columns))
	for _, c := range s.Columns {
		var node parquet.Node
		switch c.Kind {
		case schema.Int64:
			node = parquet.Int(64)
		case schema.Uint64:
			node = parquet.Uint(64)
		case schema.Float64:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.Bool:
			node = parquet.Leaf(parquet.BooleanType)
		case schema.String:
			node = parquet.String()
		case schema.Bytes:
			node = parquet.Leaf(parquet.ByteArrayType)
		default:
			node = parquet.String()
		}
		if c.Nullable {
			node = node.Optional()
		}
		group[c.Name] = node
	}
	return parquet.NewSchema("row", group)
}

func valuesToParquetRow(s *schema.Schema, values []interface{}) parquet.Row {
	row := make(parquet.Row, len(s.Columns))
	for i, c := range s.Columns {
		v := values[i]
		if v == nil {
			row[i] = parquet.NullValue()
		} else {
			row[i] = parquet.ValueOf(v)
		}
		row[i] = row[i].Level(0, 0, i)
		_ = c
	}
	return row
}

func parquetRowToValues(s *schema.Schema, row parquet.Row) []interface{} {
	values := make([]interface{}, len(s.Columns))
	for i, c := range s.Columns {
		val := row[i]
		if val.IsNull() {
			values[i] = nil
			continue
		}
		switch c.Kind {
		case schema.Int64:
			values[i] = val.Int64()
		case schema.Uint64:
			values[i] = val.Uint64()
		case schema.Float64:
			values[i] = val.Double()
		case schema.Bool:
			values[i] = val.Boolean()
		case schema.String:
			values[i] = val.String()
		case schema.Bytes:
			values[i] = val.ByteArray()
		}
	}
	return values
}

// writeBaseData atomically publishes rows (already sorted by PK) as a
// single-rowset parquet file: write to a temp path in the same
// directory, fsync, then rename over the final path.
func writeBaseData(path string, s *schema.Schema, rows [][]interface{}) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return status.Wrap(status.IOError, err, "creating temp base-data file")
	}
	pw := parquet.NewGenericWriter[any](f, parquetSchema(s))
	for _, values := range rows {
		if _, err := pw.WriteRows([]parquet.Row{valuesToParquetRow(s, values)}); err != nil {
			f.Close()
			os.Remove(tmp)
			return status.Wrap(status.IOError, err, "writing base-data row")
		}
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return status.Wrap(status.IOError, err, "closing parquet writer")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return status.Wrap(status.IOError, err, "syncing base-data file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return status.Wrap(status.IOError, err, "closing base-data file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return status.Wrap(status.IOError, err, "publishing base-data file")
	}
	return nil
}

func readBaseData(path string, s *schema.Schema) ([][]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "opening base-data file %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "stat base-data file")
	}
	pr := parquet.NewGenericReader[any](f, parquetSchema(s))
	defer pr.Close()

	var out [][]interface{}
	buf := make([]parquet.Row, 128)
	for {
		n, err := pr.ReadRows(buf)
		for i := 0; i < n; i++ {
			out = append(out, parquetRowToValues(s, buf[i]))
		}
		if err != nil {
			break
		}
	}
	_ = info
	return out, nil
}

// bloom is a two-hash bloom filter over encoded PKs, using xxhash64
// and deriving a second hash via the standard Kirsch-Mitzenmacher
// double-hashing trick (h1 + i*h2) so only one hash function is
// needed.
type bloom struct {
	bits *roaring.Bitmap
	size uint32
	k    int
}

func newBloom(expectedItems int) *bloom {
	size := uint32(expectedItems*10 + 64) // ~10 bits/item, a conventional bloom sizing
	return &bloom{bits: roaring.New(), size: size, k: 4}
}

func (b *bloom) positions(key []byte) []uint32 {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(key, 0xFF))
	positions := make([]uint32, b.k)
	for i := 0; i < b.k; i++ {
		positions[i] = uint32((h1 + uint64(i)*h2) % uint64(b.size))
	}
	return positions
}

func (b *bloom) add(key []byte) {
	for _, p := range b.positions(key) {
		b.bits.Add(p)
	}
}

// mayContain reports whether key might be present; false is a
// definitive negative.
func (b *bloom) mayContain(key []byte) bool {
	for _, p := range b.positions(key) {
		if !b.bits.Contains(p) {
			return false
		}
	}
	return true
}

// pkIndexEntry maps an encoded PK to its row ordinal in the base data.
type pkIndexEntry struct {
	key []byte
	row uint32
}

// DRS is an immutable on-disk RowSet.
type DRS struct {
	schema   *schema.Schema
	basePath string

	minKey, maxKey []byte
	rowCount       int

	bloom *bloom
	index []pkIndexEntry // sorted by key

	redoFiles []string
	undoFiles []string

	createdAt mvcc.Timestamp
}

// Build writes rows (already sorted ascending by encoded PK) to dir as
// a new DRS, constructing its bloom filter, PK index, and bounds.
func Build(dir string, name string, s *schema.Schema, rows [][]interface{}, createdAt mvcc.Timestamp) (*DRS, error) {
	if len(rows) == 0 {
		return nil, status.InvalidArgumentf("cannot build a DRS from zero rows")
	}
	basePath := filepath.Join(dir, name+".parquet")
	if err := writeBaseData(basePath, s, rows); err != nil {
		return nil, err
	}

	d := &DRS{schema: s, basePath: basePath, rowCount: len(rows), createdAt: createdAt}
	d.bloom = newBloom(len(rows))
	d.index = make([]pkIndexEntry, len(rows))
	for i, values := range rows {
		key, err := schema.EncodePK(s, values)
		if err != nil {
			return nil, err
		}
		d.index[i] = pkIndexEntry{key: key, row: uint32(i)}
		d.bloom.add(key)
	}
	d.minKey = d.index[0].key
	d.maxKey = d.index[len(d.index)-1].key
	return d, nil
}

// Open loads a previously-built DRS's base data to rehydrate its
// in-memory bloom filter and PK index (these are not themselves
// persisted; they are cheap to rebuild from the base data on tablet
// bootstrap).
func Open(basePath string, s *schema.Schema, createdAt mvcc.Timestamp, redoFiles, undoFiles []string) (*DRS, error) {
	rows, err := readBaseData(basePath, s)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, status.Corruptionf("base-data file %s has zero rows", basePath)
	}
	d := &DRS{schema: s, basePath: basePath, rowCount: len(rows), createdAt: createdAt, redoFiles: redoFiles, undoFiles: undoFiles}
	d.bloom = newBloom(len(rows))
	d.index = make([]pkIndexEntry, len(rows))
	for i, values := range rows {
		key, err := schema.EncodePK(s, values)
		if err != nil {
			return nil, err
		}
		d.index[i] = pkIndexEntry{key: key, row: uint32(i)}
		d.bloom.add(key)
	}
	d.minKey = d.index[0].key
	d.maxKey = d.index[len(d.index)-1].key
	return d, nil
}

// GetBounds returns the DRS's encoded min/max PK.
func (d *DRS) GetBounds() (min, max []byte) { return d.minKey, d.maxKey }

// RowCount returns the number of rows in the base data.
func (d *DRS) RowCount() int { return d.rowCount }

// CreatedAt returns the timestamp as of which the base data reflects
// committed state (everything before this DRS's creation).
func (d *DRS) CreatedAt() mvcc.Timestamp { return d.createdAt }

// Lookup returns the row ordinal for key if it is (or might be, absent
// a bloom false positive that the index then conclusively resolves)
// present in this DRS.
func (d *DRS) Lookup(key []byte) (uint32, bool) {
	if !d.bloom.mayContain(key) {
		return 0, false
	}
	i := sort.Search(len(d.index), func(i int) bool {
		return string(d.index[i].key) >= string(key)
	})
	if i < len(d.index) && string(d.index[i].key) == string(key) {
		return d.index[i].row, true
	}
	return 0, false
}

// RangeRowIndexes returns the row ordinals whose encoded PK falls in
// the half-open [lo, hi), in ascending key order. A nil lo/hi means
// unbounded on that side.
func (d *DRS) RangeRowIndexes(lo, hi []byte) []uint32 {
	start := 0
	if lo != nil {
		start = sort.Search(len(d.index), func(i int) bool {
			return string(d.index[i].key) >= string(lo)
		})
	}
	var out []uint32
	for i := start; i < len(d.index); i++ {
		if hi != nil && string(d.index[i].key) >= string(hi) {
			break
		}
		out = append(out, d.index[i].row)
	}
	return out
}

// AllRows returns every row ordinal in ascending key order, for
// compaction passes that must walk the entire DRS.
func (d *DRS) AllRows() []uint32 {
	out := make([]uint32, len(d.index))
	for i, e := range d.index {
		out[i] = e.row
	}
	return out
}

// OverlapsRange reports whether [lo, hi] intersects this DRS's bounds.
func (d *DRS) OverlapsRange(lo, hi []byte) bool {
	if hi != nil && string(hi) < string(d.minKey) {
		return false
	}
	if lo != nil && string(lo) > string(d.maxKey) {
		return false
	}
	return true
}

// GetAsOf projects row ordinal rowIdx as of snap. redoMerger surfaces
// this DRS's REDO chain (already-flushed delta files plus the live
// DMS); only entries snap.IsCommitted accepts are folded in, oldest
// source first so the latest visible mutation wins. When snap
// predates this DRS's creation, some of the folds already baked into
// the base data by a major compaction are not visible to snap either,
// so undoMerger's entries are walked too and reverted wherever their
// timestamp is not committed under snap. Either merger may be nil
// ("no REDO/UNDO available").
func (d *DRS) GetAsOf(snap mvcc.Snapshot, rowIdx uint32, redoMerger, undoMerger *deltamemstore.Merger) ([]interface{}, bool, error) {
	rows, err := readBaseData(d.basePath, d.schema)
	if err != nil {
		return nil, false, err
	}
	if int(rowIdx) >= len(rows) {
		return nil, false, status.InvalidArgumentf("row ordinal %d out of range", rowIdx)
	}
	values := append([]interface{}(nil), rows[rowIdx]...)
	deleted := false

	if redoMerger != nil {
		for _, be := range redoMerger.CollectRows() {
			if be.RowIdx != rowIdx || !snap.IsCommitted(be.Timestamp) {
				continue
			}
			if be.Kind == deltamemstore.ChangeDelete {
				deleted = true
				continue
			}
			deleted = false
			for colID, v := range be.Changes {
				if _, idx, ok := d.schema.ColumnByID(colID); ok {
					values[idx] = v
				}
			}
		}
	}

	if undoMerger != nil && !snap.IsCommitted(d.createdAt) {
		// snap predates the compaction that produced this DRS's base
		// data, so every UNDO entry not itself committed under snap
		// records a fold snap must not see: revert to its pre-image.
		for _, be := range undoMerger.CollectRows() {
			if be.RowIdx != rowIdx || snap.IsCommitted(be.Timestamp) {
				continue
			}
			for colID, v := range be.Changes {
				if _, idx, ok := d.schema.ColumnByID(colID); ok {
					values[idx] = v
				}
			}
		}
	}

	return values, deleted, nil
}

// OnDiskBaseDataSizeWithRedos estimates the total on-disk footprint of
// this DRS's base data plus its accumulated REDO files, the cost
// metric compaction scoring uses.
func (d *DRS) OnDiskBaseDataSizeWithRedos() (int64, error) {
	total, err := fileSize(d.basePath)
	if err != nil {
		return 0, err
	}
	for _, p := range d.redoFiles {
		sz, err := fileSize(p)
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// OnDiskBaseDataColumnSize estimates col's share of this DRS's on-disk
// footprint, for the column-aware SplitKeyRange variant (§4.G, §4.H).
// Parquet's columnar layout means col's actual compressed footprint
// varies by column, but depending on parquet-go's column-chunk
// metadata to measure it exactly would tie this estimate to reader/
// writer internals this package otherwise never touches; instead this
// takes an even per-column share of the total footprint
// OnDiskBaseDataSizeWithRedos already computes, the same kind of
// coarse-but-monotonic proxy rowsettree's keyDistance uses for width
// comparisons.
func (d *DRS) OnDiskBaseDataColumnSize(col uint32) (int64, error) {
	if _, _, ok := d.schema.ColumnByID(col); !ok {
		return 0, status.NotFoundf("column %d not in schema", col)
	}
	total, err := d.OnDiskBaseDataSizeWithRedos()
	if err != nil {
		return 0, err
	}
	n := int64(len(d.schema.Columns))
	if n == 0 {
		return 0, nil
	}
	return total / n, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, status.Wrap(status.IOError, err, "stat %s", path)
	}
	return info.Size(), nil
}

// AddRedoFile / AddUndoFile register a newly flushed delta file against
// this DRS.
func (d *DRS) AddRedoFile(path string) { d.redoFiles = append(d.redoFiles, path) }
func (d *DRS) AddUndoFile(path string) { d.undoFiles = append(d.undoFiles, path) }

// ReplaceDeltaFiles atomically swaps this DRS's recorded REDO/UNDO file
// paths, used after a major compaction folds some REDO entries into
// the base data and rewrites whatever remains into a fresh REDO file.
func (d *DRS) ReplaceDeltaFiles(redo, undo []string) {
	d.redoFiles = redo
	d.undoFiles = undo
}

// RedoFiles / UndoFiles return the DRS's currently registered delta files.
func (d *DRS) RedoFiles() []string { return append([]string(nil), d.redoFiles...) }
func (d *DRS) UndoFiles() []string { return append([]string(nil), d.undoFiles...) }

// BasePath returns the underlying base-data file path.
func (d *DRS) BasePath() string { return d.basePath }

// BaseRows returns the DRS's current base-data rows, for compaction
// passes that fold REDO deltas into a rewritten base file.
func (d *DRS) BaseRows() ([][]interface{}, error) {
	return readBaseData(d.basePath, d.schema)
}

// RewriteBase atomically replaces this DRS's base data with rows.
// rows[i] must be the folded values for row ordinal i — callers must
// not change primary-key columns or row count, since the PK index,
// bloom filter, and bounds are not recomputed.
func (d *DRS) RewriteBase(rows [][]interface{}) error {
	if len(rows) != len(d.index) {
		return status.InvalidArgumentf("rewrite supplies %d rows, DRS has %d", len(rows), len(d.index))
	}
	return writeBaseData(d.basePath, d.schema, rows)
}

// ColumnByID exposes the schema's column lookup for compaction code
// that needs to apply delta changes keyed by column id.
func (d *DRS) ColumnByID(id uint32) (schema.Column, int, bool) {
	return d.schema.ColumnByID(id)
}
