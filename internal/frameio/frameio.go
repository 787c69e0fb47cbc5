// Package frameio implements the optional pre-fragmentation compression
// stage for a frame payload. A Codec compresses a frame before it is split
// into fragments and decompresses it on the receiving side once all
// fragments have been reassembled; the fragment header's FlagCompressed bit
// (internal/wire) records which frames went through the codec.
package frameio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/streamforge/arsend/internal/protocol"
)

// Mode selects the compression algorithm. It mirrors protocol.CompressionGzip
// / protocol.CompressionZstd — the teacher declares those constants for its
// TCP handshake ACK but never wires a compressor to them; this package is
// that missing wiring, repurposed for frame payloads instead of whole backup
// streams.
type Mode byte

const (
	ModeNone Mode = 0xFF
	ModeGzip Mode = Mode(protocol.CompressionGzip)
	ModeZstd Mode = Mode(protocol.CompressionZstd)
)

// ParseMode maps a config string ("", "gzip", "zstd") to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "":
		return ModeNone, nil
	case "gzip":
		return ModeGzip, nil
	case "zstd":
		return ModeZstd, nil
	default:
		return 0, fmt.Errorf("frameio: unknown compression mode %q", s)
	}
}

// Codec compresses and decompresses frame payloads for one Mode. Frames
// shorter than Threshold bypass compression entirely, since the gzip/zstd
// framing overhead would outweigh any savings on small payloads.
type Codec struct {
	Mode      Mode
	Level     int
	Threshold int
}

// NewCodec builds a Codec. A Level of 0 uses each library's default.
func NewCodec(mode Mode, level, threshold int) *Codec {
	return &Codec{Mode: mode, Level: level, Threshold: threshold}
}

// Compress returns the compressed payload and true if compression was
// applied, or the original payload and false if it was bypassed (ModeNone,
// or len(payload) below Threshold).
func (c *Codec) Compress(payload []byte) ([]byte, bool, error) {
	if c.Mode == ModeNone || len(payload) < c.Threshold {
		return payload, false, nil
	}

	var buf bytes.Buffer
	switch c.Mode {
	case ModeGzip:
		level := c.Level
		if level == 0 {
			level = pgzip.DefaultCompression
		}
		w, err := pgzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, false, fmt.Errorf("frameio: creating pgzip writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, false, fmt.Errorf("frameio: pgzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, false, fmt.Errorf("frameio: pgzip close: %w", err)
		}
	case ModeZstd:
		opts := []zstd.EOption{}
		if c.Level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
		}
		w, err := zstd.NewWriter(&buf, opts...)
		if err != nil {
			return nil, false, fmt.Errorf("frameio: creating zstd writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, false, fmt.Errorf("frameio: zstd write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, false, fmt.Errorf("frameio: zstd close: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("frameio: unsupported mode %v", c.Mode)
	}

	// A pathological input (already-compressed media, tiny random payload)
	// can grow under compression; fall back to the original in that case.
	if buf.Len() >= len(payload) {
		return payload, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses Compress for the codec's configured Mode. Callers
// only invoke this when the fragment header's FlagCompressed bit is set.
func (c *Codec) Decompress(payload []byte) ([]byte, error) {
	switch c.Mode {
	case ModeGzip:
		r, err := pgzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("frameio: creating pgzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("frameio: pgzip read: %w", err)
		}
		return out, nil
	case ModeZstd:
		r, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("frameio: creating zstd reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("frameio: zstd read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("frameio: decompress called with mode %v", c.Mode)
	}
}
