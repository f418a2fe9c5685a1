package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FrameSource is the capability shared by every frame receiver. A source is
// owned by a single goroutine; Disconnect may be called from another
// goroutine to abort a blocked ReceiveFrame.
type FrameSource interface {
	// Connect opens the endpoint. On failure the source stays unconnected
	// and Connect may be retried.
	Connect(ctx context.Context) error
	// Disconnect releases the endpoint. It is idempotent.
	Disconnect() error
	IsConnected() bool
	// ReceiveFrame blocks until a complete frame is available. The returned
	// slice is owned by the source and valid until the next call. On error
	// no partial frame is exposed and the source is left disconnected.
	ReceiveFrame() ([]byte, error)
	// FrameSize is the statically configured frame length.
	FrameSize() int
	TotalBytesReceived() uint64
	TotalFramesReceived() uint64
}

// PacketStats receives per-packet accounting from sources.
type PacketStats interface {
	AddPacket(bytes int)
	AddDiscarded(bytes int)
	AddDropped()
}

// noopStats is a PacketStats implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddPacket(int)    {}
func (noopStats) AddDiscarded(int) {}
func (noopStats) AddDropped()      {}

// Protocol selects the FrameSource variant.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// ParseProtocol accepts "udp" or "tcp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case ProtocolUDP, ProtocolTCP:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want udp or tcp)", s)
	}
}

// SourceConfig selects and configures a FrameSource.
type SourceConfig struct {
	Protocol Protocol
	Datagram DatagramConfig
	Stream   StreamConfig
}

// NewFrameSource builds the variant named by cfg.Protocol.
func NewFrameSource(cfg SourceConfig) (FrameSource, error) {
	switch cfg.Protocol {
	case ProtocolUDP:
		return NewDatagramSource(cfg.Datagram), nil
	case ProtocolTCP:
		return NewStreamSource(cfg.Stream), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
}

// errZeroRead reports a read primitive that returned no data and no error.
var errZeroRead = errors.New("zero-byte read")

// fill is the exact-length accumulate loop shared by both sources. step is
// handed the unfilled tail of buf and returns how many bytes it placed at
// its start. The loop ends when buf is full, or fails on the first error or
// zero-byte step. The stream source steps with a direct socket read; the
// datagram source steps by reading one packet and copying what fits.
func fill(buf []byte, step func(dst []byte) (int, error)) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := step(buf[n:])
		n += m
		if err != nil {
			if n == len(buf) && errors.Is(err, io.EOF) {
				// The peer closed right after the last byte; the frame is whole.
				return n, nil
			}
			return n, err
		}
		if m == 0 {
			return n, errZeroRead
		}
	}
	return n, nil
}
