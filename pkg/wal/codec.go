package wal

import (
	"github.com/klauspost/compress/zstd"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// ZstdCodec implements Codec via klauspost/compress/zstd, reusing a
// single encoder/decoder pair per segment writer/reader rather than
// allocating one per call.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec with a fast-compression encoder, which
// suits WAL payloads better than the default level given how latency
// sensitive the write path is.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, status.Wrap(status.RuntimeError, err, "building zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, status.Wrap(status.RuntimeError, err, "building zstd decoder")
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

func (c *ZstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, status.Wrap(status.Corruption, err, "zstd decompress")
	}
	return out, nil
}

// Close releases the codec's background resources.
func (c *ZstdCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}
