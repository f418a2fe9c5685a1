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

// DefaultMaxFrameSize caps header-declared frame lengths (100 MB).
const DefaultMaxFrameSize = 100_000_000

// MaxHeaderSize is the widest length header StreamSource decodes.
const MaxHeaderSize = 8

// StreamConfig configures a StreamSource.
type StreamConfig struct {
	// Address is the camera's host:port.
	Address string
	// FrameSize is the statically configured frame length.
	FrameSize int
	// HasHeader enables a little-endian length prefix before every frame.
	HasHeader bool
	// HeaderSize is the prefix width in bytes (1..8).
	HeaderSize int
	// MaxFrameSize bounds header-declared lengths; larger or zero lengths
	// fall back to FrameSize.
	MaxFrameSize int
	RcvBuf       int
	DialTimeout  time.Duration
	// ReadTimeout bounds each read (0 blocks indefinitely).
	ReadTimeout time.Duration

	Dialer StreamDialer
}

// StreamSource reads frames from a TCP connection to the camera.
type StreamSource struct {
	address      string
	frameSize    int
	hasHeader    bool
	headerSize   int
	maxFrameSize int
	rcvBuf       int
	readTimeout  time.Duration
	dialer       StreamDialer

	mu        sync.Mutex
	conn      StreamConn
	connected bool

	header     [MaxHeaderSize]byte
	buf        []byte
	lastHeader uint64

	totalBytes  atomic.Uint64
	totalFrames atomic.Uint64
}

// NewStreamSource creates a disconnected source.
func NewStreamSource(cfg StreamConfig) *StreamSource {
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	headerSize := cfg.HeaderSize
	if headerSize <= 0 {
		headerSize = 4
	}
	if headerSize > MaxHeaderSize {
		headerSize = MaxHeaderSize
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = RealStreamDialer{Timeout: cfg.DialTimeout}
	}
	return &StreamSource{
		address:      cfg.Address,
		frameSize:    cfg.FrameSize,
		hasHeader:    cfg.HasHeader,
		headerSize:   headerSize,
		maxFrameSize: maxFrame,
		rcvBuf:       cfg.RcvBuf,
		readTimeout:  cfg.ReadTimeout,
		dialer:       dialer,
		buf:          make([]byte, cfg.FrameSize),
	}
}

// Connect dials the camera. Any failure leaves the source disconnected.
func (s *StreamSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		monitoring.Logf("Already connected to %s", s.address)
		return nil
	}

	monitoring.Logf("Connecting to %s...", s.address)
	conn, err := s.dialer.DialTCP(ctx, s.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}

	if s.rcvBuf > 0 {
		if err := conn.SetReadBuffer(s.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set receive buffer size to %d: %v", s.rcvBuf, err)
		}
	}
	if err := conn.SetNoDelay(true); err != nil {
		monitoring.Logf("Warning: Failed to disable Nagle's algorithm: %v", err)
	}

	s.conn = conn
	s.connected = true
	s.totalBytes.Store(0)
	s.totalFrames.Store(0)

	monitoring.Logf("Connected to %s", conn.RemoteAddr())
	return nil
}

// Disconnect closes the connection. It is idempotent and may be called
// from another goroutine to abort ReceiveFrame.
func (s *StreamSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *StreamSource) closeLocked() error {
	s.connected = false
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsConnected reports whether the connection is open.
func (s *StreamSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ReceiveFrame reads one frame. With a header configured the declared
// length replaces FrameSize for this call when it is within (0,
// MaxFrameSize); otherwise FrameSize is used.
func (s *StreamSource) ReceiveFrame() ([]byte, error) {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected {
		return nil, eventcam.ErrNotConnected
	}

	size := s.frameSize
	if s.hasHeader {
		hdr := s.header[:s.headerSize]
		if err := s.receiveExact(conn, hdr); err != nil {
			return nil, err
		}
		s.lastHeader = decodeLength(hdr)
		if s.lastHeader > 0 && s.lastHeader < uint64(s.maxFrameSize) {
			size = int(s.lastHeader)
		} else {
			monitoring.Debugf("Frame header length %d out of range, using %d", s.lastHeader, s.frameSize)
		}
		monitoring.Debugf("Frame header: size = %d bytes", size)
	}

	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	frame := s.buf[:size]
	if err := s.receiveExact(conn, frame); err != nil {
		return nil, err
	}

	frames := s.totalFrames.Add(1)
	monitoring.Debugf("Received frame %d (%d bytes)", frames, size)
	return frame, nil
}

// receiveExact fills buf from the connection, retrying short reads.
func (s *StreamSource) receiveExact(conn StreamConn, buf []byte) error {
	n, err := fill(buf, func(dst []byte) (int, error) {
		if s.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		m, err := conn.Read(dst)
		if m > 0 {
			s.totalBytes.Add(uint64(m))
		}
		return m, err
	})
	if err != nil {
		s.failed(conn)
		return fmt.Errorf("%w: TCP receive after %d/%d bytes: %w", eventcam.ErrConnectionClosed, n, len(buf), err)
	}
	return nil
}

func (s *StreamSource) failed(conn StreamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		_ = s.closeLocked()
	}
}

// decodeLength interprets hdr as a little-endian unsigned integer.
func decodeLength(hdr []byte) uint64 {
	var v uint64
	for i, b := range hdr {
		v |= uint64(b) << (8 * i)
	}
	return v
}

// FrameSize returns the statically configured frame length.
func (s *StreamSource) FrameSize() int { return s.frameSize }

// TotalBytesReceived counts header and payload bytes since Connect.
func (s *StreamSource) TotalBytesReceived() uint64 { return s.totalBytes.Load() }

// TotalFramesReceived counts complete frames since Connect.
func (s *StreamSource) TotalFramesReceived() uint64 { return s.totalFrames.Load() }

// LastHeaderLength is the raw length decoded from the most recent header.
func (s *StreamSource) LastHeaderLength() uint64 { return s.lastHeader }

// RemoteAddr returns the camera address, or nil when disconnected.
func (s *StreamSource) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}
