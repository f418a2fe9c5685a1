package network

import (
	"context"
	"io"
	"net"
	"time"
)

// StreamConn is the subset of *net.TCPConn used by StreamSource.
type StreamConn interface {
	io.Reader

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetNoDelay controls Nagle's algorithm.
	SetNoDelay(noDelay bool) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	Close() error

	RemoteAddr() net.Addr
}

// StreamDialer opens StreamConns.
type StreamDialer interface {
	DialTCP(ctx context.Context, address string) (StreamConn, error)
}

// RealStreamDialer dials TCP with an optional timeout.
type RealStreamDialer struct {
	Timeout time.Duration
}

// DialTCP connects to address.
func (d RealStreamDialer) DialTCP(ctx context.Context, address string) (StreamConn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// MockStreamConn implements StreamConn for testing. Each element of Chunks
// is delivered across as many Read calls as the caller's buffer requires,
// and a Read never spans two chunks, so tests control exactly how the
// stream is segmented. After the last chunk Read returns io.EOF.
type MockStreamConn struct {
	Chunks [][]byte
	// ReadCalls counts Read invocations.
	ReadCalls int
	// MaxRead caps the bytes returned per Read (0 = no cap).
	MaxRead int
	// ReadError is returned once the chunks are exhausted instead of io.EOF.
	ReadError error

	Closed         bool
	NoDelay        bool
	ReadBufferSize int
	ReadDeadline   time.Time
	Remote         net.Addr

	SetNoDelayError    error
	SetReadBufferError error
}

// NewMockStreamConn returns a conn that will deliver chunks in order.
func NewMockStreamConn(chunks ...[]byte) *MockStreamConn {
	return &MockStreamConn{
		Chunks: chunks,
		Remote: &net.TCPAddr{IP: net.ParseIP("192.168.1.10"), Port: 5000},
	}
}

// Read implements io.Reader.
func (m *MockStreamConn) Read(p []byte) (int, error) {
	m.ReadCalls++
	if m.Closed {
		return 0, net.ErrClosed
	}
	for len(m.Chunks) > 0 && len(m.Chunks[0]) == 0 {
		m.Chunks = m.Chunks[1:]
	}
	if len(m.Chunks) == 0 {
		if m.ReadError != nil {
			return 0, m.ReadError
		}
		return 0, io.EOF
	}
	want := len(p)
	if m.MaxRead > 0 && want > m.MaxRead {
		want = m.MaxRead
	}
	n := copy(p[:want], m.Chunks[0])
	m.Chunks[0] = m.Chunks[0][n:]
	return n, nil
}

func (m *MockStreamConn) SetReadBuffer(bytes int) error {
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.ReadBufferSize = bytes
	return nil
}

func (m *MockStreamConn) SetNoDelay(noDelay bool) error {
	if m.SetNoDelayError != nil {
		return m.SetNoDelayError
	}
	m.NoDelay = noDelay
	return nil
}

func (m *MockStreamConn) SetReadDeadline(t time.Time) error {
	m.ReadDeadline = t
	return nil
}

func (m *MockStreamConn) Close() error {
	m.Closed = true
	return nil
}

func (m *MockStreamConn) RemoteAddr() net.Addr { return m.Remote }

// MockStreamDialer implements StreamDialer for testing.
type MockStreamDialer struct {
	// Conns are handed out in order, one per DialTCP call.
	Conns []*MockStreamConn
	// Error is returned by DialTCP if set.
	Error error
	// Addresses records every dialled address.
	Addresses []string
}

// DialTCP returns the next mock connection.
func (d *MockStreamDialer) DialTCP(ctx context.Context, address string) (StreamConn, error) {
	d.Addresses = append(d.Addresses, address)
	if d.Error != nil {
		return nil, d.Error
	}
	if len(d.Conns) == 0 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: io.ErrUnexpectedEOF}
	}
	c := d.Conns[0]
	d.Conns = d.Conns[1:]
	return c, nil
}
