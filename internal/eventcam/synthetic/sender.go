package synthetic

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

// SenderConfig configures the camera simulator transport.
type SenderConfig struct {
	// Protocol is "udp" or "tcp".
	Protocol string
	// Address is the converter's host:port.
	Address string
	// PacketSize caps the bytes per UDP datagram (default 8192).
	PacketSize int
	// FPS is the target frame rate; 0 sends as fast as possible.
	FPS int
	// HasHeader prefixes every TCP frame with a little-endian length.
	HasHeader  bool
	HeaderSize int
	// SndBuf is the socket send buffer size (0 leaves the OS default).
	SndBuf int
	// StatsEvery logs throughput every N frames (0 disables).
	StatsEvery int
	// Clock paces the frame rate; nil uses the real clock.
	Clock timeutil.Clock
}

// Sender transmits packed frames the way the camera hardware does.
type Sender struct {
	cfg    SenderConfig
	conn   net.Conn
	header []byte
	sent   uint64
}

// NewSender dials the converter.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = 8192
	}
	if cfg.PacketSize > 65507 {
		return nil, fmt.Errorf("packet size %d exceeds the UDP payload limit", cfg.PacketSize)
	}
	if cfg.HasHeader && (cfg.HeaderSize < 1 || cfg.HeaderSize > 8) {
		return nil, fmt.Errorf("header size must be 1..8 bytes, got %d", cfg.HeaderSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	var conn net.Conn
	var err error
	switch cfg.Protocol {
	case "udp":
		conn, err = net.Dial("udp", cfg.Address)
	case "tcp":
		conn, err = net.Dial("tcp", cfg.Address)
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", cfg.Protocol, cfg.Address, err)
	}

	if cfg.SndBuf > 0 {
		if b, ok := conn.(interface{ SetWriteBuffer(int) error }); ok {
			if err := b.SetWriteBuffer(cfg.SndBuf); err != nil {
				monitoring.Logf("Warning: failed to set send buffer to %d bytes: %v", cfg.SndBuf, err)
			}
		}
	}

	s := &Sender{cfg: cfg, conn: conn}
	if cfg.HasHeader {
		s.header = make([]byte, 8)
	}
	return s, nil
}

// Send transmits one frame: split into PacketSize datagrams over UDP, or as
// [header][payload] over TCP.
func (s *Sender) Send(frame []byte) error {
	if s.cfg.Protocol == "udp" {
		for off := 0; off < len(frame); off += s.cfg.PacketSize {
			end := min(off+s.cfg.PacketSize, len(frame))
			if _, err := s.conn.Write(frame[off:end]); err != nil {
				return fmt.Errorf("failed to send packet: %w", err)
			}
		}
		s.sent++
		return nil
	}

	if s.header != nil {
		binary.LittleEndian.PutUint64(s.header, uint64(len(frame)))
		if _, err := s.conn.Write(s.header[:s.cfg.HeaderSize]); err != nil {
			return fmt.Errorf("failed to send header: %w", err)
		}
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	s.sent++
	return nil
}

// Run sends frames from gen until ctx is cancelled, limit frames have been
// sent (0 = unlimited) or a send fails.
func (s *Sender) Run(ctx context.Context, gen *Generator, limit uint64) error {
	clock := s.cfg.Clock
	start := clock.Now()
	var interval time.Duration
	if s.cfg.FPS > 0 {
		interval = time.Second / time.Duration(s.cfg.FPS)
	}

	for n := uint64(0); limit == 0 || n < limit; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := gen.Frame(n)
		if err := s.Send(frame); err != nil {
			return err
		}

		if every := uint64(s.cfg.StatsEvery); every > 0 && (n+1)%every == 0 {
			elapsed := clock.Since(start).Seconds()
			if elapsed > 0 {
				mbps := float64((n+1)*uint64(len(frame))*8) / elapsed / 1e6
				monitoring.Logf("Sent %d frames | FPS: %.1f | Throughput: %.1f Mbps", n+1, float64(n+1)/elapsed, mbps)
			}
		}

		if interval > 0 {
			next := start.Add(time.Duration(n+1) * interval)
			if err := clock.SleepUntil(ctx, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// FramesSent returns the number of frames transmitted.
func (s *Sender) FramesSent() uint64 { return s.sent }

// Close closes the connection.
func (s *Sender) Close() error {
	return s.conn.Close()
}
