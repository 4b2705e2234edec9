// Package block implements the log-container block storage layer: a
// pair of files (<name>.data, <name>.metadata) holding many immutable
// blocks, addressed by a process-wide monotonic block id. Deletion
// hole-punches the backing data file rather than rewriting it.
//
// The atomic-publish discipline (write to a temp path, fsync, rename)
// follows the reference engine's pkg/resource/parquet/io.go
// (writeParquetFile); the fixed-width record layout follows the key
// encoding conventions in pkg/resource/badger/key_encoding.go.
package block

import (
	"bufio"
	"encoding/gob"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// ID is a block's persistent, process-wide unique identifier.
type ID uint64

// idSeq hands out strictly increasing block ids. It is process-global
// because block ids must never repeat even across containers.
var idSeq atomic.Uint64

// NextID returns a fresh block id.
func NextID() ID { return ID(idSeq.Add(1)) }

// recordKind distinguishes metadata log entries.
type recordKind uint8

const (
	kindCreate recordKind = iota + 1
	kindDelete
)

// record is the on-disk shape of one metadata-file log entry. CRC
// covers Kind+ID+Offset+Length+Timestamp so truncated or corrupted
// trailing records are detectable without relying on gob's own
// delimiting.
type record struct {
	Kind      recordKind
	ID        ID
	Offset    int64
	Length    int64
	Timestamp int64
	CRC       uint32
}

func (r record) withCRC() record {
	r.CRC = 0
	r.CRC = crc32.Checksum(recordChecksumBytes(r), crc32.MakeTable(crc32.Castagnoli))
	return r
}

func recordChecksumBytes(r record) []byte {
	buf := make([]byte, 0, 29)
	buf = appendUint64(buf, uint64(r.Kind))
	buf = appendUint64(buf, uint64(r.ID))
	buf = appendUint64(buf, uint64(r.Offset))
	buf = appendUint64(buf, uint64(r.Length))
	buf = appendUint64(buf, uint64(r.Timestamp))
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func (r record) validCRC() bool {
	want := r.CRC
	got := r.withCRC().CRC
	return want == got
}

// blockLoc is a live block's location within the .data file.
type blockLoc struct {
	offset int64
	length int64
}

// Container is one <name>.data/<name>.metadata pair.
type Container struct {
	name     string
	dataPath string
	metaPath string

	log *zap.Logger

	mu       sync.RWMutex
	dataFile *os.File
	metaFile *os.File
	dataSize int64
	index    map[ID]blockLoc // live blocks by id
	closed   bool
}

// Open opens (creating if absent) the container at dir/name, running
// the crash-recovery repairs described for §4.A before returning.
func Open(dir, name string, log *zap.Logger) (*Container, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dataPath := dir + "/" + name + ".data"
	metaPath := dir + "/" + name + ".metadata"

	if err := repairIncompletePair(dataPath, metaPath, log); err != nil {
		return nil, err
	}

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "opening data file %s", dataPath)
	}
	metaFile, err := os.OpenFile(metaPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		dataFile.Close()
		return nil, status.Wrap(status.IOError, err, "opening metadata file %s", metaPath)
	}

	c := &Container{
		name:     name,
		dataPath: dataPath,
		metaPath: metaPath,
		dataFile: dataFile,
		metaFile: metaFile,
		index:    make(map[ID]blockLoc),
		log:      log.With(zap.String("container", name)),
	}

	if err := c.replayAndRepair(); err != nil {
		dataFile.Close()
		metaFile.Close()
		return nil, err
	}
	return c, nil
}

// replayAndRepair scans the metadata log, building the live-block
// index, trims a truncated trailing record (repair 2), truncates an
// unwritten preallocated tail (repair 3), and re-punches any
// unpunched deleted range (repair 4).
func (c *Container) replayAndRepair() error {
	info, err := c.metaFile.Stat()
	if err != nil {
		return status.Wrap(status.IOError, err, "stat metadata file")
	}

	counter := &countingReader{r: bufio.NewReader(c.metaFile)}
	var maxReferenced int64
	var lastGoodOffset int64
	// deletedLocs captures each deleted block's byte range from its
	// CREATE record before the DELETE record below erases it from
	// c.index, so repair case 4 can still re-punch it.
	deletedLocs := make(map[ID]blockLoc)

	for {
		var r record
		// appendRecord writes every record with its own gob encoder, so
		// each one carries its own type definition and needs a fresh
		// decoder.
		if err := gob.NewDecoder(counter).Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			// Partial trailing record: trim it (repair 2).
			c.log.Warn("truncating partial trailing metadata record", zap.Error(err))
			break
		}
		if !r.validCRC() {
			c.log.Warn("truncating metadata record with bad checksum", zap.Uint64("block_id", uint64(r.ID)))
			break
		}
		switch r.Kind {
		case kindCreate:
			c.index[r.ID] = blockLoc{offset: r.Offset, length: r.Length}
			if end := r.Offset + r.Length; end > maxReferenced {
				maxReferenced = end
			}
		case kindDelete:
			if loc, ok := c.index[r.ID]; ok {
				deletedLocs[r.ID] = loc
			}
			delete(c.index, r.ID)
		}
		lastGoodOffset = counter.n
	}

	if lastGoodOffset < info.Size() {
		if err := c.metaFile.Truncate(lastGoodOffset); err != nil {
			return status.Wrap(status.IOError, err, "trimming partial metadata tail")
		}
	}
	if _, err := c.metaFile.Seek(0, io.SeekEnd); err != nil {
		return status.Wrap(status.IOError, err, "seeking metadata file to end")
	}

	dataInfo, err := c.dataFile.Stat()
	if err != nil {
		return status.Wrap(status.IOError, err, "stat data file")
	}
	if dataInfo.Size() > maxReferenced {
		// Preallocated-but-unwritten tail (repair 3).
		if err := c.dataFile.Truncate(maxReferenced); err != nil {
			return status.Wrap(status.IOError, err, "truncating unwritten tail")
		}
	}
	c.dataSize = maxReferenced

	for id, loc := range deletedLocs {
		// Unpunched tail (repair 4): the DELETE record was durably
		// appended, but the hole punch itself may not have completed
		// before a crash. A real punch is idempotent, so re-issue it
		// unconditionally rather than tracking whether it succeeded
		// last time.
		if err := punchHole(c.dataFile, loc.offset, loc.length); err != nil {
			c.log.Warn("re-punching unpunched deleted range failed", zap.Uint64("block_id", uint64(id)), zap.Error(err))
		}
	}
	return nil
}

// countingReader tracks how many bytes have been consumed from r, so
// the metadata replay loop can tell exactly where the last fully
// decoded record ended (needed because gob's own framing is
// variable-length). It implements io.ByteReader so gob reads exactly
// one record's bytes instead of buffering ahead.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// repairIncompletePair handles repair case 1: either file missing or
// below the minimum valid size while the other is present.
func repairIncompletePair(dataPath, metaPath string, log *zap.Logger) error {
	dataInfo, dataErr := os.Stat(dataPath)
	metaInfo, metaErr := os.Stat(metaPath)
	const minValidSize = 1

	dataOK := dataErr == nil && dataInfo.Size() >= minValidSize
	metaOK := metaErr == nil && metaInfo.Size() >= minValidSize
	dataExists := dataErr == nil
	metaExists := metaErr == nil

	if dataExists == metaExists && dataOK && metaOK {
		return nil
	}
	if !dataExists && !metaExists {
		return nil
	}
	log.Warn("repairing incomplete container pair", zap.String("data", dataPath), zap.String("meta", metaPath))
	if dataExists {
		if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
			return status.Wrap(status.IOError, err, "removing incomplete data file")
		}
	}
	if metaExists {
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return status.Wrap(status.IOError, err, "removing incomplete metadata file")
		}
	}
	return nil
}

// Writer is a handle for appending a new block's bytes.
type Writer struct {
	c      *Container
	id     ID
	offset int64
	buf    []byte
}

// CreateBlock starts a new block write. The caller writes bytes via
// Write and finalizes with CloseBlock.
func (c *Container) CreateBlock() *Writer {
	id := NextID()
	return &Writer{c: c, id: id}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// ID returns the block id assigned to this writer.
func (w *Writer) ID() ID { return w.id }

// CloseBlock appends the buffered bytes to the data file and records a
// CREATE entry, publishing the block for readers.
func (w *Writer) CloseBlock(ts int64) (ID, error) {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, status.IllegalStatef("container %s closed", c.name)
	}

	offset := c.dataSize
	if _, err := c.dataFile.WriteAt(w.buf, offset); err != nil {
		return 0, status.Wrap(status.IOError, err, "writing block %d", w.id)
	}
	if err := c.dataFile.Sync(); err != nil {
		return 0, status.Wrap(status.IOError, err, "syncing data file")
	}
	c.dataSize += int64(len(w.buf))

	rec := record{Kind: kindCreate, ID: w.id, Offset: offset, Length: int64(len(w.buf)), Timestamp: ts}
	if err := c.appendRecord(rec); err != nil {
		return 0, err
	}
	c.index[w.id] = blockLoc{offset: offset, length: int64(len(w.buf))}
	return w.id, nil
}

func (c *Container) appendRecord(r record) error {
	enc := gob.NewEncoder(c.metaFile)
	if err := enc.Encode(r.withCRC()); err != nil {
		return status.Wrap(status.IOError, err, "appending metadata record")
	}
	if err := c.metaFile.Sync(); err != nil {
		return status.Wrap(status.IOError, err, "syncing metadata file")
	}
	return nil
}

// ReadBlock returns the full contents of a live block.
func (c *Container) ReadBlock(id ID) ([]byte, error) {
	c.mu.RLock()
	loc, ok := c.index[id]
	c.mu.RUnlock()
	if !ok {
		return nil, status.NotFoundf("block %d not live in container %s", id, c.name)
	}
	buf := make([]byte, loc.length)
	if _, err := c.dataFile.ReadAt(buf, loc.offset); err != nil {
		return nil, status.Wrap(status.IOError, err, "reading block %d", id)
	}
	return buf, nil
}

// MMap memory-maps the data file read-only, for random-access column
// readers that want to avoid a pread per cell batch.
func (c *Container) MMap() (mmap.MMap, error) {
	return mmap.Map(c.dataFile, mmap.RDONLY, 0)
}

// DeleteBlock appends a DELETE record and hole-punches the block's
// byte range out of the data file (best-effort: punchHoles may be
// disabled by config on filesystems without FALLOC_FL_PUNCH_HOLE).
func (c *Container) DeleteBlock(id ID, ts int64, punchHoles bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.index[id]
	if !ok {
		return status.NotFoundf("block %d not live in container %s", id, c.name)
	}
	if err := c.appendRecord(record{Kind: kindDelete, ID: id, Timestamp: ts}); err != nil {
		return err
	}
	delete(c.index, id)
	if punchHoles {
		if err := punchHole(c.dataFile, loc.offset, loc.length); err != nil {
			c.log.Warn("hole punch failed, will repair on next open", zap.Uint64("block_id", uint64(id)), zap.Error(err))
		}
	}
	return nil
}

// AllBlocks returns every live block id.
func (c *Container) AllBlocks() []ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ID, 0, len(c.index))
	for id := range c.index {
		out = append(out, id)
	}
	return out
}

// BlockIDHash returns a fast hash of id, used by higher layers (e.g.
// the rowset bloom filter's companion block-id index) that want an
// in-memory lookup structure keyed by hash rather than the id itself.
func BlockIDHash(id ID) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(id) >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

// Close flushes and closes both underlying files.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	if err := c.dataFile.Close(); err != nil {
		firstErr = err
	}
	if err := c.metaFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return status.Wrap(status.IOError, firstErr, "closing container %s", c.name)
	}
	return nil
}

// Name returns the container's base name.
func (c *Container) Name() string { return c.name }
