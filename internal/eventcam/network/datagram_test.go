package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/testutil"
)

type countingStats struct {
	mu        sync.Mutex
	packets   int
	bytes     int
	discarded int
	dropped   int
}

func (c *countingStats) AddPacket(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	c.bytes += n
}

func (c *countingStats) AddDiscarded(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded += n
}

func (c *countingStats) AddDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func seq(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func newMockDatagram(t *testing.T, frameSize int, payloads ...[]byte) (*DatagramSource, *MockUDPSocket) {
	t.Helper()
	sock := NewMockUDPSocket(payloads...)
	src := NewDatagramSource(DatagramConfig{
		Address:       "127.0.0.1:5000",
		FrameSize:     frameSize,
		SocketFactory: NewMockUDPSocketFactory(sock),
	})
	require.NoError(t, src.Connect(context.Background()))
	return src, sock
}

func TestSplitFrame(t *testing.T) {
	frame := seq(0, 10)
	assert.Equal(t, [][]byte{seq(0, 4), seq(4, 4), seq(8, 2)}, SplitFrame(frame, 4))
	assert.Equal(t, [][]byte{frame}, SplitFrame(frame, 0))
	assert.Equal(t, [][]byte{frame}, SplitFrame(frame, 64))
	assert.Nil(t, SplitFrame(nil, 4))
}

func TestDatagram_ReceiveBeforeConnect(t *testing.T) {
	src := NewDatagramSource(DatagramConfig{FrameSize: 8, SocketFactory: NewMockUDPSocketFactory(NewMockUDPSocket())})
	_, err := src.ReceiveFrame()
	assert.ErrorIs(t, err, eventcam.ErrNotConnected)
	assert.False(t, src.IsConnected())
}

func TestDatagram_SplitIndependence(t *testing.T) {
	want := seq(0, 12)
	splits := map[string][][]byte{
		"single":  SplitFrame(want, 12),
		"halves":  SplitFrame(want, 6),
		"uneven":  {want[:1], want[1:8], want[8:]},
		"bytes":   SplitFrame(want, 1),
		"triples": SplitFrame(want, 3),
		"fives":   SplitFrame(want, 5),
	}
	for name, packets := range splits {
		t.Run(name, func(t *testing.T) {
			src, _ := newMockDatagram(t, 12, packets...)
			frame, err := src.ReceiveFrame()
			require.NoError(t, err)
			assert.Equal(t, want, frame)
			assert.EqualValues(t, 12, src.TotalBytesReceived())
			assert.EqualValues(t, 1, src.TotalFramesReceived())
		})
	}
}

func TestDatagram_ConsecutiveFrames(t *testing.T) {
	src, _ := newMockDatagram(t, 4, seq(0, 4), seq(10, 2), seq(12, 2), seq(20, 4))
	for _, want := range [][]byte{seq(0, 4), seq(10, 4), seq(20, 4)} {
		frame, err := src.ReceiveFrame()
		require.NoError(t, err)
		assert.Equal(t, want, frame)
	}
	assert.EqualValues(t, 3, src.TotalFramesReceived())
	assert.EqualValues(t, 12, src.TotalBytesReceived())
}

func TestDatagram_OverflowDiscarded(t *testing.T) {
	stats := &countingStats{}
	sock := NewMockUDPSocket(seq(0, 3), seq(3, 4), seq(50, 4))
	src := NewDatagramSource(DatagramConfig{
		Address:       "127.0.0.1:5000",
		FrameSize:     4,
		SocketFactory: NewMockUDPSocketFactory(sock),
		Stats:         stats,
	})
	require.NoError(t, src.Connect(context.Background()))

	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, frame)
	assert.EqualValues(t, 3, src.DiscardedBytes())

	// The next frame starts with a fresh packet, not the discarded tail.
	frame, err = src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(50, 4), frame)

	assert.EqualValues(t, 11, src.TotalBytesReceived())
	assert.Equal(t, 3, stats.packets)
	assert.Equal(t, 11, stats.bytes)
	assert.Equal(t, 3, stats.discarded)
}

func TestDatagram_PacketLargerThanFrame(t *testing.T) {
	src, _ := newMockDatagram(t, 4, seq(0, 10))
	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), frame)
	assert.EqualValues(t, 6, src.DiscardedBytes())
}

func TestDatagram_ZeroBytePacketFails(t *testing.T) {
	src, sock := newMockDatagram(t, 4, seq(0, 2), []byte{})
	_, err := src.ReceiveFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	assert.ErrorIs(t, err, errZeroRead)
	assert.False(t, src.IsConnected())
	assert.True(t, sock.Closed())
}

func TestDatagram_ReadErrorDisconnects(t *testing.T) {
	src, sock := newMockDatagram(t, 4)
	sock.FailNext = errors.New("network unreachable")
	_, err := src.ReceiveFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	assert.False(t, src.IsConnected())

	_, err = src.ReceiveFrame()
	assert.ErrorIs(t, err, eventcam.ErrNotConnected)
}

func TestDatagram_ReconnectResetsCounters(t *testing.T) {
	sock := NewMockUDPSocket(seq(0, 4), seq(4, 4))
	factory := NewMockUDPSocketFactory(sock)
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, SocketFactory: factory})

	require.NoError(t, src.Connect(context.Background()))
	_, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.TotalFramesReceived())

	require.NoError(t, src.Disconnect())
	require.NoError(t, src.Disconnect())
	assert.False(t, src.IsConnected())

	require.NoError(t, src.Connect(context.Background()))
	assert.Zero(t, src.TotalFramesReceived())
	assert.Zero(t, src.TotalBytesReceived())

	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(4, 4), frame)
	assert.Len(t, factory.Binds, 2)
	assert.Equal(t, 2, sock.Delivered())
}

func TestDatagram_ConnectIdempotent(t *testing.T) {
	factory := NewMockUDPSocketFactory(NewMockUDPSocket())
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, SocketFactory: factory})
	require.NoError(t, src.Connect(context.Background()))
	require.NoError(t, src.Connect(context.Background()))
	assert.Len(t, factory.Binds, 1)
}

func TestDatagram_ConnectFailure(t *testing.T) {
	factory := NewMockUDPSocketFactory(NewMockUDPSocket())
	factory.Error = errors.New("address in use")
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, SocketFactory: factory})
	err := src.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, src.IsConnected())

	factory.Error = nil
	require.NoError(t, src.Connect(context.Background()))
	assert.True(t, src.IsConnected())
}

func TestDatagram_ConnectBadAddress(t *testing.T) {
	src := NewDatagramSource(DatagramConfig{Address: "not an address", FrameSize: 4, SocketFactory: NewMockUDPSocketFactory(NewMockUDPSocket())})
	assert.Error(t, src.Connect(context.Background()))
	assert.False(t, src.IsConnected())
}

func TestDatagram_ConnectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, SocketFactory: NewMockUDPSocketFactory(NewMockUDPSocket())})
	assert.ErrorIs(t, src.Connect(ctx), context.Canceled)
}

func TestDatagram_ReadBufferWarningIsNotFatal(t *testing.T) {
	sock := NewMockUDPSocket()
	sock.RcvBufErr = errors.New("not permitted")
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, RcvBuf: 1 << 20, SocketFactory: NewMockUDPSocketFactory(sock)})
	require.NoError(t, src.Connect(context.Background()))
	assert.True(t, src.IsConnected())
}

func TestDatagram_ReadBufferApplied(t *testing.T) {
	sock := NewMockUDPSocket()
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, RcvBuf: 50 << 20, SocketFactory: NewMockUDPSocketFactory(sock)})
	require.NoError(t, src.Connect(context.Background()))
	assert.Equal(t, 50<<20, sock.RcvBuf)
	assert.Equal(t, sock.Local, src.LocalAddr())
}

func TestDatagram_ReadTimeoutSetsDeadline(t *testing.T) {
	sock := NewMockUDPSocket(seq(0, 4))
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, ReadTimeout: time.Second, SocketFactory: NewMockUDPSocketFactory(sock)})
	require.NoError(t, src.Connect(context.Background()))
	_, err := src.ReceiveFrame()
	require.NoError(t, err)
	require.Len(t, sock.Deadlines, 1)
	assert.False(t, sock.Deadlines[0].IsZero())
}

func TestDatagram_Loopback(t *testing.T) {
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:0", FrameSize: 64, RcvBuf: 1 << 20})
	require.NoError(t, src.Connect(context.Background()))
	defer src.Disconnect()

	conn, err := net.DialUDP("udp", nil, src.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	// One 64-byte packet, then the same frame as 64 single-byte packets.
	want := seq(100, 64)
	_, err = conn.Write(want)
	require.NoError(t, err)
	for i := range want {
		_, err = conn.Write(want[i : i+1])
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		frame, err := src.ReceiveFrame()
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, frame), "frame %d mismatch", i)
	}
	assert.EqualValues(t, 128, src.TotalBytesReceived())
	assert.EqualValues(t, 2, src.TotalFramesReceived())
}

func TestDatagram_DisconnectAbortsReceive(t *testing.T) {
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:0", FrameSize: 64})
	require.NoError(t, src.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := src.ReceiveFrame()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, src.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFrame did not return after Disconnect")
	}
}

func TestDatagram_ForwardsPackets(t *testing.T) {
	mirror := testutil.ListenUDP(t)

	fwd, err := NewPacketForwarder(mirror.LocalAddr().String(), 10, nil, time.Second)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Close()

	sock := NewMockUDPSocket(seq(0, 4))
	src := NewDatagramSource(DatagramConfig{Address: "127.0.0.1:5000", FrameSize: 4, SocketFactory: NewMockUDPSocketFactory(sock), Forwarder: fwd})
	require.NoError(t, src.Connect(context.Background()))
	_, err = src.ReceiveFrame()
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, mirror.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := mirror.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), buf[:n])
}

func TestDatagram_EOFFromReplay(t *testing.T) {
	src, _ := newMockDatagram(t, 4, seq(0, 2))
	_, err := src.ReceiveFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
}
