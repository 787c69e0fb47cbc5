// Package protocol holds the compression mode byte values that
// internal/frameio.Mode is built on.
package protocol

// Compression mode constants. internal/frameio.Mode mirrors these.
const (
	CompressionGzip byte = 0x00 // gzip via pgzip
	CompressionZstd byte = 0x01 // zstd (klauspost/compress)
)
