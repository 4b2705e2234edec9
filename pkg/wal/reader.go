package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// Reader scans one segment file, validating framing.
type Reader struct {
	f     *os.File
	codec Codec
	log   *zap.Logger

	Header Header
	Footer Footer
	// FooterRebuilt is true when the segment had no footer (the writer
	// crashed before Close) and this reader reconstructed one by
	// scanning every entry.
	FooterRebuilt bool
}

// OpenSegment opens path for reading and validates its header.
func OpenSegment(path string, codec Codec, log *zap.Logger) (*Reader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "opening segment %s", path)
	}
	r := &Reader{f: f, codec: codec, log: log}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	var m [4]byte
	if _, err := io.ReadFull(r.f, m[:]); err != nil {
		return status.Wrap(status.Corruption, err, "reading segment magic")
	}
	if m != magic {
		return status.Corruptionf("bad segment magic %v", m)
	}
	kind, body, st, err := readFrame(r.f)
	if err != nil {
		return err
	}
	if st != entryOK || kind != frameKindHeader {
		return status.Corruptionf("segment header frame status %v kind %v", st, kind)
	}
	return decodeGob(body, &r.Header)
}

// ReadAll scans every batch entry in the segment, invoking fn for each
// in index order, and reports the footer (rebuilding it from the scan
// if the real one is missing or corrupt). It stops at the first
// CRC_MISMATCH or truncated frame, treating that as a crash-torn tail
// rather than a hard error — following pkg/resource/parquet/wal.go's
// ReadAll, which does the same for its single-file gob log.
func (r *Reader) ReadAll(fn func(Entry) error) error {
	var lastIndex uint64
	haveLast := false
	var minIdx, maxIdx, count uint64
	haveAny := false

	for {
		kind, body, st, err := readFrame(r.f)
		if err != nil {
			return err
		}
		switch st {
		case entryAllZeros:
			r.finishFooter(minIdx, maxIdx, count, haveAny)
			return nil
		case entryCRCMismatch, entryOtherError:
			r.log.Warn("stopping wal scan at torn entry", zap.Any("status", st))
			r.finishFooter(minIdx, maxIdx, count, haveAny)
			return nil
		}

		if kind == frameKindFooter {
			var f Footer
			if ferr := decodeGob(body, &f); ferr != nil {
				r.log.Warn("stopping wal scan at undecodable footer", zap.Error(ferr))
				r.finishFooter(minIdx, maxIdx, count, haveAny)
				return nil
			}
			r.Footer = f
			return nil
		}

		var e Entry
		if decodeErr := decodeGob(body, &e); decodeErr != nil {
			r.log.Warn("stopping wal scan at undecodable entry", zap.Error(decodeErr))
			r.finishFooter(minIdx, maxIdx, count, haveAny)
			return nil
		}

		if haveLast {
			status.Invariant(e.Index > lastIndex, "wal entries out of order: %d after %d", e.Index, lastIndex)
		}
		lastIndex = e.Index
		haveLast = true

		if !haveAny || e.Index < minIdx {
			minIdx = e.Index
		}
		if !haveAny || e.Index > maxIdx {
			maxIdx = e.Index
		}
		haveAny = true
		count++

		payload := e.Payload
		if e.Compressed && r.codec != nil {
			decoded, derr := r.codec.Decompress(make([]byte, 0, e.UncompressedLen), e.Payload)
			if derr != nil {
				return status.Wrap(status.Corruption, derr, "decompressing entry %d", e.Index)
			}
			payload = decoded
		}
		if err := fn(Entry{Index: e.Index, Payload: payload}); err != nil {
			return err
		}
	}
}

func (r *Reader) finishFooter(minIdx, maxIdx, count uint64, haveAny bool) {
	if !haveAny {
		return
	}
	r.FooterRebuilt = true
	r.Footer = Footer{MinIndex: minIdx, MaxIndex: maxIdx, Count: count}
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// readFrame reads one {len_u32, crc_u32, kind_byte, body} frame,
// classifying it.
func readFrame(f *os.File) (frameKind, []byte, entryStatus, error) {
	var hdr [8]byte
	n, err := io.ReadFull(f, hdr[:])
	if err == io.EOF {
		return 0, nil, entryAllZeros, nil
	}
	if err != nil {
		if n > 0 && allZero(hdr[:n]) {
			return 0, nil, entryAllZeros, nil
		}
		return 0, nil, entryOtherError, nil
	}
	if allZero(hdr[:]) {
		return 0, nil, entryAllZeros, nil
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	wantCRC := binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 {
		return 0, nil, entryOtherError, nil
	}

	checked := make([]byte, length)
	if _, err := io.ReadFull(f, checked); err != nil {
		return 0, nil, entryOtherError, nil
	}
	if crc32.Checksum(checked, crcTable) != wantCRC {
		return 0, checked[1:], entryCRCMismatch, nil
	}
	return frameKind(checked[0]), checked[1:], entryOK, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func decodeGob(body []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}
