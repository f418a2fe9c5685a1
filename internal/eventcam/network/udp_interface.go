package network

import (
	"context"
	"io"
	"net"
	"time"
)

// UDPSocket is the receive side of the camera's datagram stream. The live
// socket, PCAP replay and test mocks all satisfy it.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	// SetReadBuffer requests a kernel receive buffer large enough to hold
	// several frames while the decoder catches up.
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory binds the socket a DatagramSource reads from. Each
// Connect asks for a fresh socket.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory binds kernel UDP sockets. With ReuseAddr set the
// socket gets SO_REUSEADDR before bind so a restarted bridge can take the
// camera port back immediately.
type RealUDPSocketFactory struct {
	ReuseAddr bool
}

// NewRealUDPSocketFactory returns the factory used outside tests.
func NewRealUDPSocketFactory(reuseAddr bool) *RealUDPSocketFactory {
	return &RealUDPSocketFactory{ReuseAddr: reuseAddr}
}

// ListenUDP binds laddr. *net.UDPConn already implements UDPSocket.
func (f *RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	var lc net.ListenConfig
	if f.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// SplitFrame cuts a frame into datagrams of at most size bytes, the way the
// camera fragments a frame larger than one packet.
func SplitFrame(frame []byte, size int) [][]byte {
	if size <= 0 {
		size = len(frame)
	}
	var out [][]byte
	for off := 0; off < len(frame); off += size {
		out = append(out, frame[off:min(off+size, len(frame))])
	}
	return out
}

// mockCameraAddr is the sender reported for scripted datagrams.
var mockCameraAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 40000}

// MockUDPSocket replays a scripted camera stream. After the last datagram
// reads fail with io.EOF, as a finished PCAP replay does.
type MockUDPSocket struct {
	// Datagrams are delivered in order, one per read.
	Datagrams [][]byte
	// Local is reported by LocalAddr.
	Local *net.UDPAddr
	// FailNext makes the next read fail with this error, once.
	FailNext error
	// RcvBufErr is returned by SetReadBuffer, as when the process may not
	// raise the kernel limit.
	RcvBufErr error

	// RcvBuf is the last receive buffer size granted.
	RcvBuf int
	// Deadlines records every read deadline, in order.
	Deadlines []time.Time

	next   int
	closed bool
}

// NewMockUDPSocket scripts the given datagrams.
func NewMockUDPSocket(datagrams ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Datagrams: datagrams,
		Local:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000},
	}
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	switch {
	case m.closed:
		return 0, nil, net.ErrClosed
	case m.FailNext != nil:
		err := m.FailNext
		m.FailNext = nil
		return 0, nil, err
	case m.next >= len(m.Datagrams):
		return 0, nil, io.EOF
	}
	d := m.Datagrams[m.next]
	m.next++
	return copy(b, d), mockCameraAddr, nil
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	if m.RcvBufErr != nil {
		return m.RcvBufErr
	}
	m.RcvBuf = bytes
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.Deadlines = append(m.Deadlines, t)
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.closed = true
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.Local }

// Closed reports whether the source released the socket.
func (m *MockUDPSocket) Closed() bool { return m.closed }

// Delivered is the number of datagrams read so far.
func (m *MockUDPSocket) Delivered() int { return m.next }

// MockUDPSocketFactory hands out one MockUDPSocket across reconnects and
// records every bind address.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	// Error fails ListenUDP, as a port already in use would.
	Error error
	// Binds records the address of every ListenUDP call.
	Binds []*net.UDPAddr
}

// NewMockUDPSocketFactory wraps socket.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP reopens the scripted socket; its read position carries over so
// a reconnect continues the stream.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Binds = append(f.Binds, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	f.Socket.closed = false
	return f.Socket, nil
}
