// Package publish streams decoded events to TCP and gRPC clients. Each frame is sent
// as one length-delimited protobuf message:
//
//	message EventPacket {
//	  uint64 frame_index = 1;
//	  repeated Event events = 2;
//	}
//	message Event {
//	  int64  timestamp = 1; // microseconds
//	  uint32 x = 2;
//	  uint32 y = 3;
//	  bool   polarity = 4;  // true = positive
//	}
//
// The varint length prefix matches protodelim, so any protobuf runtime can
// read the stream. GRPCServer offers the same packets as a server-streaming
// gRPC call.
package publish

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

const (
	packetFrameIndex protowire.Number = 1
	packetEvents     protowire.Number = 2

	eventTimestamp protowire.Number = 1
	eventX         protowire.Number = 2
	eventY         protowire.Number = 3
	eventPolarity  protowire.Number = 4
)

// DefaultMaxPacketSize bounds a single decoded message (64 MiB).
const DefaultMaxPacketSize = 64 << 20

// ErrPacketTooLarge is returned by Reader for oversized length prefixes.
var ErrPacketTooLarge = errors.New("event packet exceeds size limit")

// Packet is one decoded frame.
type Packet struct {
	FrameIndex uint64
	Events     []eventcam.Event
}

func eventSize(e eventcam.Event) int {
	n := 0
	if e.Timestamp != 0 {
		n += protowire.SizeTag(eventTimestamp) + protowire.SizeVarint(uint64(e.Timestamp))
	}
	if e.X != 0 {
		n += protowire.SizeTag(eventX) + protowire.SizeVarint(uint64(e.X))
	}
	if e.Y != 0 {
		n += protowire.SizeTag(eventY) + protowire.SizeVarint(uint64(e.Y))
	}
	if e.Polarity {
		n += protowire.SizeTag(eventPolarity) + 1
	}
	return n
}

// PacketSize is the encoded size of a packet without its length prefix.
func PacketSize(frameIndex uint64, events []eventcam.Event) int {
	n := 0
	if frameIndex != 0 {
		n += protowire.SizeTag(packetFrameIndex) + protowire.SizeVarint(frameIndex)
	}
	for _, e := range events {
		n += protowire.SizeTag(packetEvents) + protowire.SizeBytes(eventSize(e))
	}
	return n
}

// AppendPacket appends the encoded packet to b. Zero-valued fields are
// omitted as proto3 requires.
func AppendPacket(b []byte, frameIndex uint64, events []eventcam.Event) []byte {
	if frameIndex != 0 {
		b = protowire.AppendTag(b, packetFrameIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, frameIndex)
	}
	for _, e := range events {
		b = protowire.AppendTag(b, packetEvents, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(eventSize(e)))
		if e.Timestamp != 0 {
			b = protowire.AppendTag(b, eventTimestamp, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(e.Timestamp))
		}
		if e.X != 0 {
			b = protowire.AppendTag(b, eventX, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(e.X))
		}
		if e.Y != 0 {
			b = protowire.AppendTag(b, eventY, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(e.Y))
		}
		if e.Polarity {
			b = protowire.AppendTag(b, eventPolarity, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		}
	}
	return b
}

// AppendDelimited appends the varint length prefix and the packet.
func AppendDelimited(b []byte, frameIndex uint64, events []eventcam.Event) []byte {
	b = protowire.AppendVarint(b, uint64(PacketSize(frameIndex, events)))
	return AppendPacket(b, frameIndex, events)
}

// DecodePacket parses one packet body. Unknown fields are skipped.
func DecodePacket(b []byte) (Packet, error) {
	var p Packet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Packet{}, fmt.Errorf("packet tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == packetFrameIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Packet{}, fmt.Errorf("frame_index: %w", protowire.ParseError(n))
			}
			p.FrameIndex = v
			b = b[n:]
		case num == packetEvents && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Packet{}, fmt.Errorf("event: %w", protowire.ParseError(n))
			}
			e, err := decodeEvent(raw)
			if err != nil {
				return Packet{}, err
			}
			p.Events = append(p.Events, e)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Packet{}, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeEvent(b []byte) (eventcam.Event, error) {
	var e eventcam.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("event tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("event field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return e, fmt.Errorf("event field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case eventTimestamp:
			e.Timestamp = int64(v)
		case eventX:
			e.X = uint16(v)
		case eventY:
			e.Y = uint16(v)
		case eventPolarity:
			e.Polarity = protowire.DecodeBool(v)
		}
	}
	return e, nil
}

// Reader reads successive delimited packets from a stream.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	buf     []byte
}

// NewReader wraps r. maxSize <= 0 uses DefaultMaxPacketSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), maxSize: maxSize}
}

// Next returns the next packet. A clean end of stream returns io.EOF; a
// stream cut inside a packet returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (Packet, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		return Packet{}, err
	}
	if size > uint64(r.maxSize) {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}
	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}
	body := r.buf[:size]
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return DecodePacket(body)
}
