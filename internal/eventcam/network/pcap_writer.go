package network

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapLen is large enough for any UDP datagram.
const pcapSnapLen = 65536

// PCAPWriter records camera datagrams as an Ethernet/IPv4/UDP capture that
// PCAPSocket (or Wireshark) can replay.
type PCAPWriter struct {
	file *os.File
	w    *pcapgo.Writer
	src  *net.UDPAddr
	dst  *net.UDPAddr
	ipID uint16
	buf  gopacket.SerializeBuffer
}

// CreatePCAP creates path and writes the file header. src and dst are the
// addresses written into every packet.
func CreatePCAP(path string, src, dst *net.UDPAddr) (*PCAPWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCAP file %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}
	return &PCAPWriter{
		file: f,
		w:    w,
		src:  src,
		dst:  dst,
		buf:  gopacket.NewSerializeBuffer(),
	}, nil
}

// WritePacket appends one UDP datagram captured at ts.
func (p *PCAPWriter) WritePacket(payload []byte, ts time.Time) error {
	p.ipID++
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       p.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.src.IP.To4(),
		DstIP:    p.dst.IP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(p.src.Port),
		DstPort: layers.UDPPort(p.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("failed to set checksum layer: %w", err)
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(p.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize packet: %w", err)
	}
	data := p.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (p *PCAPWriter) Close() error {
	return p.file.Close()
}
