// Package testutil provides shared loopback fixtures for tests.
//
// Every helper binds to 127.0.0.1 on an ephemeral port and registers its
// cleanup with t, so tests never collide on fixed ports.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Loopback is the IPv4 loopback address used by every fixture.
var Loopback = net.IPv4(127, 0, 0, 1)

// LoopbackRemoteAddr is a client address that tsweb's debug handlers accept.
const LoopbackRemoteAddr = "127.0.0.1:40000"

// ListenUDP binds a loopback UDP socket on an ephemeral port.
func ListenUDP(t testing.TB) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: Loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ListenTCP binds a loopback TCP listener on an ephemeral port.
func ListenTCP(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(Loopback.String(), "0"))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// ServeOnce accepts a single connection on ln and runs fn on it in a
// goroutine. The connection is closed when fn returns. The returned
// channel is closed once fn has finished.
func ServeOnce(t testing.TB, ln net.Listener, fn func(net.Conn)) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}()
	return done
}

// ReadPackets reads datagrams from conn until want bytes have arrived and
// returns the individual packet sizes with the concatenated payload.
func ReadPackets(t testing.TB, conn *net.UDPConn, want int, timeout time.Duration) (sizes []int, data []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 65535)
	for len(data) < want {
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		sizes = append(sizes, n)
		data = append(data, buf[:n]...)
	}
	return sizes, data
}

// NewLoopbackRequest builds a server-side request that appears to come from
// the local machine.
func NewLoopbackRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = LoopbackRemoteAddr
	return req
}
