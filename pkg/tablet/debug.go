package tablet

import "fmt"

// DescribeWALPayload decodes one tablet WAL entry's payload (as
// produced by appendWAL) into a short human-readable summary, for
// offline inspection tools that don't otherwise have access to this
// package's unexported wire format.
func DescribeWALPayload(payload []byte) (string, error) {
	rec, err := decodeRecord(payload)
	if err != nil {
		return "", err
	}
	switch rec.Kind {
	case recordReplicate:
		return fmt.Sprintf("REPLICATE op=%s ts=%d pk=%v", rec.Op.Type, rec.Op.Timestamp, rec.Op.PKValues), nil
	case recordCommit:
		return fmt.Sprintf("COMMIT commits_index=%d", rec.CommitsIndex), nil
	case recordFlushMarker:
		return fmt.Sprintf("FLUSH_MARKER flushed_through=%d", rec.FlushedThroughIndex), nil
	default:
		return fmt.Sprintf("UNKNOWN kind=%d", rec.Kind), nil
	}
}
