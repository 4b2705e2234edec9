package tablet

import (
	"bytes"
	"encoding/gob"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
)

// OpType distinguishes the row-level operations a tablet accepts.
type OpType int

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
)

func (k OpType) String() string {
	switch k {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Op is one row-level write submitted to a tablet. For INSERT, Values
// carries the full row in schema-column order. For UPDATE, Changes
// carries the columns being modified, keyed by column id; PKValues
// locates the row. For DELETE neither Values nor Changes is required
// beyond PKValues.
type Op struct {
	Type      OpType
	Timestamp mvcc.Timestamp
	PKValues  []interface{}
	Values    []interface{}
	Changes   map[uint32]interface{}
}

// recordKind tags a WAL payload's logical type, mirroring the
// discriminated-frame discipline pkg/wal itself uses internally so the
// tablet's own replication log doesn't fall back to trial-decoding.
type recordKind byte

const (
	recordReplicate   recordKind = 1
	recordCommit      recordKind = 2
	recordFlushMarker recordKind = 3
)

// walRecord is the gob-encoded payload carried inside one pkg/wal
// Entry. Replicate carries the op itself; Commit references the log
// index of the REPLICATE it finalizes; FlushMarker records that every
// op up to and including FlushedThroughIndex has been durably folded
// into an on-disk DRS and can be skipped on replay.
type walRecord struct {
	Kind                recordKind
	Op                  Op
	CommitsIndex        uint64
	FlushedThroughIndex uint64
}

func encodeRecord(r walRecord) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeRecord(b []byte) (walRecord, error) {
	var r walRecord
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return walRecord{}, status.Wrap(status.Corruption, err, "decoding tablet log record")
	}
	return r, nil
}
