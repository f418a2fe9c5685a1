package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

// pcapngMagic is the section header block type that starts a pcapng file.
const pcapngMagic = 0x0A0D0D0A

type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// PCAPSocket is a UDPSocket that replays camera datagrams from a pcap or
// pcapng capture. Only UDP packets addressed to Port are returned (Port 0
// accepts every UDP packet). Fragmented IPv4 datagrams are reassembled.
// When the capture is exhausted ReadFromUDP returns io.EOF.
type PCAPSocket struct {
	file     *os.File
	reader   packetDataReader
	linkType layers.LinkType
	port     int
	local    *net.UDPAddr
	defrag   *ip4defrag.IPv4Defragmenter

	realtime  bool
	clock     timeutil.Clock
	firstTS   time.Time
	startWall time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	packets uint64
	skipped uint64
}

// PCAPOptions tunes replay.
type PCAPOptions struct {
	// Port filters on UDP destination port (0 = any).
	Port int
	// Realtime paces packets by their capture timestamps.
	Realtime bool
	// Clock is used for realtime pacing; nil uses the real clock.
	Clock timeutil.Clock
}

// OpenPCAP opens a capture for replay.
func OpenPCAP(path string, opts PCAPOptions) (*PCAPSocket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header from %s: %w", path, err)
	}

	var reader packetDataReader
	var linkType layers.LinkType
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcapng %s: %w", path, err)
		}
		reader, linkType = ng, ng.LinkType()
	} else {
		r, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcap %s: %w", path, err)
		}
		reader, linkType = r, r.LinkType()
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	monitoring.Logf("Replaying %s (link type %s, udp port %d, realtime=%v)", path, linkType, opts.Port, opts.Realtime)
	return &PCAPSocket{
		file:     f,
		reader:   reader,
		linkType: linkType,
		port:     opts.Port,
		local:    &net.UDPAddr{IP: net.IPv4zero, Port: opts.Port},
		defrag:   ip4defrag.NewIPv4Defragmenter(),
		realtime: opts.Realtime,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ReadFromUDP returns the payload of the next matching UDP packet.
func (s *PCAPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, nil, net.ErrClosed
		}

		data, ci, err := s.reader.ReadPacketData()
		if err == io.EOF {
			monitoring.Logf("PCAP replay complete: %d packets returned, %d skipped", s.packets, s.skipped)
			return 0, nil, io.EOF
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read PCAP packet: %w", err)
		}

		udp, src, ok := s.decode(data, ci)
		if !ok {
			continue
		}
		if s.port != 0 && int(udp.DstPort) != s.port {
			continue
		}

		if s.realtime {
			if err := s.pace(ci.Timestamp); err != nil {
				return 0, nil, net.ErrClosed
			}
		}

		s.packets++
		n := copy(b, udp.Payload)
		return n, &net.UDPAddr{IP: src, Port: int(udp.SrcPort)}, nil
	}
}

// decode extracts the UDP layer, reassembling IPv4 fragments.
func (s *PCAPSocket) decode(data []byte, ci gopacket.CaptureInfo) (*layers.UDP, net.IP, bool) {
	pkt := gopacket.NewPacket(data, s.linkType, gopacket.Default)

	ip, isIPv4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if isIPv4 && (ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0) {
		whole, err := s.defrag.DefragIPv4WithTimestamp(ip, ci.Timestamp)
		if err != nil {
			s.skipped++
			monitoring.Debugf("PCAP defragmentation failed: %v", err)
			return nil, nil, false
		}
		if whole == nil {
			return nil, nil, false
		}
		inner := gopacket.NewPacket(whole.Payload, whole.Protocol.LayerType(), gopacket.Default)
		udp, ok := inner.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			s.skipped++
			return nil, nil, false
		}
		return udp, whole.SrcIP, true
	}

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		s.skipped++
		return nil, nil, false
	}
	var src net.IP
	if isIPv4 {
		src = ip.SrcIP
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		src = ip6.SrcIP
	}
	return udp, src, true
}

func (s *PCAPSocket) pace(ts time.Time) error {
	if s.firstTS.IsZero() {
		s.firstTS = ts
		s.startWall = s.clock.Now()
		return nil
	}
	return s.clock.SleepUntil(s.ctx, s.startWall.Add(ts.Sub(s.firstTS)))
}

// SetReadBuffer is a no-op for replay.
func (s *PCAPSocket) SetReadBuffer(int) error { return nil }

// SetReadDeadline is a no-op for replay; reads never block on the network.
func (s *PCAPSocket) SetReadDeadline(time.Time) error { return nil }

// Close releases the capture file and aborts any realtime wait.
func (s *PCAPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.file.Close()
}

// LocalAddr reports the filtered port as the "bound" address.
func (s *PCAPSocket) LocalAddr() net.Addr { return s.local }

// PacketsReturned counts UDP payloads handed to the reader.
func (s *PCAPSocket) PacketsReturned() uint64 { return s.packets }

// PCAPSocketFactory plugs PCAP replay into DatagramSource. Every ListenUDP
// reopens the capture so a reconnect restarts the replay. When Options.Port
// is zero the port of the bind address is used as the filter.
type PCAPSocketFactory struct {
	Path    string
	Options PCAPOptions
}

// ListenUDP opens the capture.
func (f *PCAPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	opts := f.Options
	if opts.Port == 0 && laddr != nil {
		opts.Port = laddr.Port
	}
	return OpenPCAP(f.Path, opts)
}
