package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
)

// DefaultMaxPacketSize is the largest UDP datagram the scratch buffer holds.
const DefaultMaxPacketSize = 65535

// DatagramConfig configures a DatagramSource.
type DatagramConfig struct {
	// Address is the local host:port to bind. An empty host or 0.0.0.0
	// listens on all interfaces.
	Address string
	// FrameSize is the exact number of bytes per frame.
	FrameSize int
	// MaxPacketSize sizes the per-packet scratch buffer.
	MaxPacketSize int
	// RcvBuf is the requested kernel receive buffer; large values absorb
	// bursts at high frame rates.
	RcvBuf int
	// ReuseAddr sets SO_REUSEADDR when the default socket factory is used.
	ReuseAddr bool
	// ReadTimeout bounds each packet read (0 blocks indefinitely).
	ReadTimeout time.Duration

	SocketFactory UDPSocketFactory
	Forwarder     *PacketForwarder
	Stats         PacketStats
}

// DatagramSource rebuilds fixed-size frames from a UDP packet stream.
//
// Packets are consumed in arrival order and copied back to back into the
// accumulation buffer. Packets are not reordered, deduplicated or checked
// for sequence, so loss or reordering silently corrupts a frame. Bytes of
// a packet that overshoot the current frame are discarded rather than
// carried into the next frame; DiscardedBytes counts them.
type DatagramSource struct {
	address       string
	frameSize     int
	readTimeout   time.Duration
	rcvBuf        int
	socketFactory UDPSocketFactory
	forwarder     *PacketForwarder
	stats         PacketStats

	mu    sync.Mutex
	sock  UDPSocket
	bound bool

	accum  []byte
	cursor int
	packet []byte

	totalBytes     atomic.Uint64
	totalFrames    atomic.Uint64
	discardedBytes atomic.Uint64
}

// NewDatagramSource creates an unbound source. Buffers are allocated once
// here and reused for every frame.
func NewDatagramSource(cfg DatagramConfig) *DatagramSource {
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = NewRealUDPSocketFactory(cfg.ReuseAddr)
	}
	var stats PacketStats = noopStats{}
	if cfg.Stats != nil {
		stats = cfg.Stats
	}
	return &DatagramSource{
		address:       cfg.Address,
		frameSize:     cfg.FrameSize,
		readTimeout:   cfg.ReadTimeout,
		rcvBuf:        cfg.RcvBuf,
		socketFactory: factory,
		forwarder:     cfg.Forwarder,
		stats:         stats,
		accum:         make([]byte, cfg.FrameSize),
		packet:        make([]byte, maxPacket),
	}
}

// Connect binds the UDP socket. A bind failure leaves the source unbound.
func (s *DatagramSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		monitoring.Logf("Already bound to UDP %s", s.address)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %q: %w", s.address, err)
	}

	monitoring.Logf("Binding UDP socket to %s...", addr)
	sock, err := s.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket to %s: %w", addr, err)
	}

	if s.rcvBuf > 0 {
		if err := sock.SetReadBuffer(s.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", s.rcvBuf, err)
		}
	}

	s.sock = sock
	s.bound = true
	s.cursor = 0
	s.totalBytes.Store(0)
	s.totalFrames.Store(0)
	s.discardedBytes.Store(0)

	monitoring.Logf("UDP socket bound on %s, frame size %d bytes", sock.LocalAddr(), s.frameSize)
	return nil
}

// Disconnect closes the socket. It is idempotent and may be called from
// another goroutine to abort ReceiveFrame.
func (s *DatagramSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *DatagramSource) closeLocked() error {
	s.bound = false
	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	return err
}

// IsConnected reports whether the socket is bound.
func (s *DatagramSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// ReceiveFrame accumulates packets until FrameSize bytes are collected.
func (s *DatagramSource) ReceiveFrame() ([]byte, error) {
	s.mu.Lock()
	sock, bound := s.sock, s.bound
	s.mu.Unlock()
	if !bound {
		return nil, eventcam.ErrNotConnected
	}

	s.cursor = 0
	n, err := fill(s.accum, func(dst []byte) (int, error) {
		return s.readPacket(sock, dst)
	})
	if err != nil {
		s.failed(sock)
		return nil, fmt.Errorf("%w: UDP receive after %d/%d bytes: %w", eventcam.ErrConnectionClosed, n, s.frameSize, err)
	}

	frames := s.totalFrames.Add(1)
	monitoring.Debugf("Received complete frame %d (%d bytes)", frames, s.frameSize)
	return s.accum, nil
}

// readPacket reads one datagram and copies as much as fits into dst.
func (s *DatagramSource) readPacket(sock UDPSocket, dst []byte) (int, error) {
	if s.readTimeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	received, from, err := sock.ReadFromUDP(s.packet)
	if err != nil {
		return 0, err
	}
	if received == 0 {
		return 0, errZeroRead
	}

	pkt := s.packet[:received]
	s.totalBytes.Add(uint64(received))
	s.stats.AddPacket(received)
	if s.forwarder != nil {
		s.forwarder.ForwardAsync(pkt)
	}

	copied := copy(dst, pkt)
	s.cursor = s.frameSize - len(dst) + copied
	monitoring.Debugf("Received UDP packet: %d bytes from %v (accumulated: %d/%d)",
		received, from, s.cursor, s.frameSize)
	if extra := received - copied; extra > 0 {
		s.discardedBytes.Add(uint64(extra))
		s.stats.AddDiscarded(extra)
		monitoring.Debugf("Warning: Discarded %d extra bytes from UDP packet", extra)
	}
	return copied, nil
}

// failed drops the socket after a mid-stream error unless it was already
// replaced or closed by Disconnect.
func (s *DatagramSource) failed(sock UDPSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == sock {
		_ = s.closeLocked()
	}
}

// FrameSize returns the configured frame length.
func (s *DatagramSource) FrameSize() int { return s.frameSize }

// TotalBytesReceived counts every datagram byte since Connect, including
// discarded overflow.
func (s *DatagramSource) TotalBytesReceived() uint64 { return s.totalBytes.Load() }

// TotalFramesReceived counts complete frames since Connect.
func (s *DatagramSource) TotalFramesReceived() uint64 { return s.totalFrames.Load() }

// DiscardedBytes counts overflow bytes dropped since Connect. A non-zero
// value means the sender's packetization is not aligned to frame
// boundaries and frames may be misaligned.
func (s *DatagramSource) DiscardedBytes() uint64 { return s.discardedBytes.Load() }

// LocalAddr returns the bound address, or nil when unbound.
func (s *DatagramSource) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}
