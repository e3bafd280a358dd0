// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// zstd level, 1 (fastest) to 4 (best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 512,
		Level:   2,
	}
}

// codec wraps one encoder and one decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type codec struct {
	opts CompressionOptions
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func newCodec(opts CompressionOptions) (*codec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	return &codec{opts: opts, enc: enc, dec: dec}, nil
}

// compress returns the stored form of content and whether it is compressed.
// Content that does not shrink is stored as is.
func (c *codec) compress(content []byte) ([]byte, bool) {
	if len(content) < c.opts.MinSize {
		return content, false
	}
	out := c.enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	if len(out) >= len(content) {
		return content, false
	}
	return out, true
}

func (c *codec) decompress(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, zstdMagic) {
		return nil, fmt.Errorf("stored content is not zstd framed")
	}
	return c.dec.DecodeAll(stored, nil)
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
