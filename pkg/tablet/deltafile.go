package tablet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"io"
	"os"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
)

// deltaRecord is one persisted REDO (or UNDO) change, the on-disk
// counterpart of deltamemstore's in-memory entry.
type deltaRecord struct {
	Key     deltamemstore.DeltaKey
	Kind    deltamemstore.ChangeKind
	Changes map[uint32]interface{}
}

var deltaCRCTable = crc32.MakeTable(crc32.Castagnoli)

// deltaFileWriter appends length-prefixed, CRC32C-protected gob records
// to a delta file, the same {len_u32, crc_u32, body} framing pkg/wal
// uses for its own entries, simplified here to a single-purpose record
// stream with no header/footer (a delta file is always read start to
// end in one pass, never resumed mid-scan).
type deltaFileWriter struct {
	f  *os.File
	bw *bufio.Writer
}

func createDeltaFile(path string) (*deltaFileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "creating delta file %s", path)
	}
	return &deltaFileWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// WriteRedo implements deltamemstore.RecordWriter.
func (w *deltaFileWriter) WriteRedo(key deltamemstore.DeltaKey, kind deltamemstore.ChangeKind, changes map[uint32]interface{}) error {
	return w.append(deltaRecord{Key: key, Kind: kind, Changes: changes})
}

func (w *deltaFileWriter) append(rec deltaRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return status.Wrap(status.IOError, err, "encoding delta record")
	}
	body := buf.Bytes()
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(body, deltaCRCTable))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return status.Wrap(status.IOError, err, "writing delta record header")
	}
	if _, err := w.bw.Write(body); err != nil {
		return status.Wrap(status.IOError, err, "writing delta record body")
	}
	return nil
}

func (w *deltaFileWriter) Close() error {
	if err := w.bw.Flush(); err != nil {
		return status.Wrap(status.IOError, err, "flushing delta file")
	}
	if err := w.f.Sync(); err != nil {
		return status.Wrap(status.IOError, err, "syncing delta file")
	}
	return w.f.Close()
}

// readDeltaFile loads every record from a delta file written by
// deltaFileWriter. A truncated trailing record (crash mid-write) is
// silently dropped rather than failing the read, matching the WAL
// reader's "stop at the torn tail" discipline.
func readDeltaFile(path string) ([]deltaRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "opening delta file %s", path)
	}
	defer f.Close()

	var out []deltaRecord
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(hdr[0:4])
		wantCRC := binary.BigEndian.Uint32(hdr[4:8])
		body := make([]byte, length)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}
		if crc32.Checksum(body, deltaCRCTable) != wantCRC {
			break
		}
		var rec deltaRecord
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// rebuildDeltaMemStore replays every REDO record from paths (oldest
// file first) into a fresh in-memory DMS, for read paths that need to
// merge already-flushed REDO files together with the live DMS. The
// rebuilt store is read-only in practice (nothing calls Update on it
// again), so the opLogIndex each entry is tagged with (0) is never
// consulted: log-index anchoring only matters for a live DMS deciding
// how much WAL to retain.
func rebuildDeltaMemStore(paths []string) (*deltamemstore.DMS, error) {
	dms := deltamemstore.New()
	for _, p := range paths {
		recs, err := readDeltaFile(p)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			dms.Update(r.Key.Timestamp, r.Key.RowIdx, r.Kind, r.Changes, 0)
		}
	}
	return dms, nil
}
