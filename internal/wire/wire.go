// Package wire implements the on-wire fragment header and selective-ack
// packet formats exchanged between the sender core and its peer receiver.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/streamforge/arsend/internal/bitmap"
)

// HeaderSize is the length in bytes of a FragmentHeader once encoded.
const HeaderSize = 5

// AckPacketSize is the length in bytes of an encoded AckPacket.
const AckPacketSize = 18

// Frame flag bits carried in FragmentHeader.Flags.
const (
	FlagFlush      byte = 1 << 0 // frame was submitted with the flush/priority bit
	FlagCompressed byte = 1 << 1 // payload was compressed before fragmentation, see internal/frameio
)

// FragmentHeader precedes every fragment payload on the wire.
//
// Wire layout (5 bytes, big-endian):
//
//	offset 0: u16 frame_number
//	offset 2: u8  frame_flags
//	offset 3: u8  fragment_number
//	offset 4: u8  fragments_per_frame
type FragmentHeader struct {
	FrameNumber       uint16
	Flags             byte
	FragmentNumber    byte
	FragmentsPerFrame byte
}

// Encode writes the header into dst, which must be at least HeaderSize bytes.
func (h FragmentHeader) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("wire: fragment header buffer too small: need %d, got %d", HeaderSize, len(dst))
	}
	binary.BigEndian.PutUint16(dst[0:2], h.FrameNumber)
	dst[2] = h.Flags
	dst[3] = h.FragmentNumber
	dst[4] = h.FragmentsPerFrame
	return nil
}

// DecodeFragmentHeader reads a FragmentHeader from the front of src.
func DecodeFragmentHeader(src []byte) (FragmentHeader, error) {
	if len(src) < HeaderSize {
		return FragmentHeader{}, fmt.Errorf("wire: fragment header truncated: need %d, got %d", HeaderSize, len(src))
	}
	return FragmentHeader{
		FrameNumber:       binary.BigEndian.Uint16(src[0:2]),
		Flags:             src[2],
		FragmentNumber:    src[3],
		FragmentsPerFrame: src[4],
	}, nil
}

// AckPacket is the selective-acknowledgement packet the peer receiver sends
// back to the sender.
//
// Wire layout (18 bytes, big-endian):
//
//	offset 0:  u16 frame_number
//	offset 2:  u64 high_packets_ack (bits 64..127)
//	offset 10: u64 low_packets_ack  (bits 0..63)
type AckPacket struct {
	FrameNumber uint16
	HighAck     uint64
	LowAck      uint64
}

// Encode writes the ack packet into dst, which must be at least AckPacketSize bytes.
func (a AckPacket) Encode(dst []byte) error {
	if len(dst) < AckPacketSize {
		return fmt.Errorf("wire: ack packet buffer too small: need %d, got %d", AckPacketSize, len(dst))
	}
	binary.BigEndian.PutUint16(dst[0:2], a.FrameNumber)
	binary.BigEndian.PutUint64(dst[2:10], a.HighAck)
	binary.BigEndian.PutUint64(dst[10:18], a.LowAck)
	return nil
}

// DecodeAckPacket reads an AckPacket from src, which must be exactly AckPacketSize
// bytes (a single UDP datagram carries exactly one ack packet).
func DecodeAckPacket(src []byte) (AckPacket, error) {
	if len(src) != AckPacketSize {
		return AckPacket{}, fmt.Errorf("wire: short ack packet: want %d bytes, got %d", AckPacketSize, len(src))
	}
	return AckPacket{
		FrameNumber: binary.BigEndian.Uint16(src[0:2]),
		HighAck:     binary.BigEndian.Uint64(src[2:10]),
		LowAck:      binary.BigEndian.Uint64(src[10:18]),
	}, nil
}

// Bitmap converts the wire ack packet into an internal bitmap.Bitmap128 so
// it can be merged into the sender's ack bitmap via Bitmap128.SetFlags.
func (a AckPacket) Bitmap() bitmap.Bitmap128 {
	return bitmap.Bitmap128{FrameNumber: a.FrameNumber, High: a.HighAck, Low: a.LowAck}
}

// AckPacketFromBitmap builds the wire representation of a bitmap, used by a
// peer receiver (and by tests standing in for one) to emit acks.
func AckPacketFromBitmap(b bitmap.Bitmap128) AckPacket {
	return AckPacket{FrameNumber: b.FrameNumber, HighAck: b.High, LowAck: b.Low}
}
