package network

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/testutil"
)

func newMockStream(t *testing.T, cfg StreamConfig, conn *MockStreamConn) *StreamSource {
	t.Helper()
	cfg.Address = "camera:5000"
	cfg.Dialer = &MockStreamDialer{Conns: []*MockStreamConn{conn}}
	src := NewStreamSource(cfg)
	require.NoError(t, src.Connect(context.Background()))
	return src
}

func le32(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

func TestStream_ReceiveBeforeConnect(t *testing.T) {
	src := NewStreamSource(StreamConfig{FrameSize: 4, Dialer: &MockStreamDialer{}})
	_, err := src.ReceiveFrame()
	assert.ErrorIs(t, err, eventcam.ErrNotConnected)
}

func TestStream_ShortReadsAreRetried(t *testing.T) {
	conn := NewMockStreamConn(seq(0, 8), seq(8, 8))
	conn.MaxRead = 3
	src := newMockStream(t, StreamConfig{FrameSize: 8}, conn)

	for _, want := range [][]byte{seq(0, 8), seq(8, 8)} {
		frame, err := src.ReceiveFrame()
		require.NoError(t, err)
		assert.Equal(t, want, frame)
	}
	assert.EqualValues(t, 16, src.TotalBytesReceived())
	assert.EqualValues(t, 2, src.TotalFramesReceived())
	assert.Greater(t, conn.ReadCalls, 4)
}

func TestStream_FrameSpanningChunks(t *testing.T) {
	conn := NewMockStreamConn(seq(0, 5), seq(5, 3), seq(8, 1), seq(9, 3))
	src := newMockStream(t, StreamConfig{FrameSize: 6}, conn)

	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 6), frame)
	frame, err = src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(6, 6), frame)
}

func TestStream_EOFMidFrame(t *testing.T) {
	conn := NewMockStreamConn(seq(0, 5))
	src := newMockStream(t, StreamConfig{FrameSize: 8}, conn)

	_, err := src.ReceiveFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, src.IsConnected())
	assert.True(t, conn.Closed)
	assert.Zero(t, src.TotalFramesReceived())
}

func TestStream_ReadErrorDisconnects(t *testing.T) {
	conn := NewMockStreamConn()
	conn.ReadError = errors.New("connection reset by peer")
	src := newMockStream(t, StreamConfig{FrameSize: 4}, conn)

	_, err := src.ReceiveFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	assert.False(t, src.IsConnected())
}

func TestStream_HeaderOverridesFrameSize(t *testing.T) {
	conn := NewMockStreamConn(le32(6), seq(0, 6), le32(4), seq(10, 4))
	src := newMockStream(t, StreamConfig{FrameSize: 8, HasHeader: true}, conn)

	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 6), frame)
	assert.EqualValues(t, 6, src.LastHeaderLength())

	frame, err = src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(10, 4), frame)
	assert.EqualValues(t, 4+6+4+4, src.TotalBytesReceived())
	assert.Equal(t, 8, src.FrameSize())
}

func TestStream_HeaderOutOfRangeFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		header uint32
	}{
		{"zero", 0},
		{"at cap", 1000},
		{"over cap", 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewMockStreamConn(le32(tt.header), seq(0, 8))
			src := newMockStream(t, StreamConfig{FrameSize: 8, HasHeader: true, MaxFrameSize: 1000}, conn)
			frame, err := src.ReceiveFrame()
			require.NoError(t, err)
			assert.Equal(t, seq(0, 8), frame)
			assert.EqualValues(t, tt.header, src.LastHeaderLength())
		})
	}
}

func TestStream_HeaderSplitAcrossReads(t *testing.T) {
	conn := NewMockStreamConn(le32(3), seq(0, 3))
	conn.MaxRead = 1
	src := newMockStream(t, StreamConfig{FrameSize: 8, HasHeader: true}, conn)
	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 3), frame)
}

func TestStream_HeaderWidths(t *testing.T) {
	tests := []struct {
		size   int
		header []byte
	}{
		{1, []byte{3}},
		{2, []byte{3, 0}},
		{8, []byte{3, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		conn := NewMockStreamConn(tt.header, seq(0, 3))
		src := newMockStream(t, StreamConfig{FrameSize: 8, HasHeader: true, HeaderSize: tt.size}, conn)
		frame, err := src.ReceiveFrame()
		require.NoError(t, err, "header size %d", tt.size)
		assert.Equal(t, seq(0, 3), frame)
	}
}

func TestStream_HeaderEOF(t *testing.T) {
	conn := NewMockStreamConn([]byte{1, 2})
	src := newMockStream(t, StreamConfig{FrameSize: 8, HasHeader: true}, conn)
	_, err := src.ReceiveFrame()
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
	assert.False(t, src.IsConnected())
}

func TestStream_EOFAfterLastByteSucceeds(t *testing.T) {
	conn := NewMockStreamConn(seq(0, 4))
	src := newMockStream(t, StreamConfig{FrameSize: 4}, conn)
	frame, err := src.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), frame)

	_, err = src.ReceiveFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeLength(t *testing.T) {
	assert.EqualValues(t, 0, decodeLength(nil))
	assert.EqualValues(t, 0x0403_0201, decodeLength([]byte{1, 2, 3, 4}))
	assert.EqualValues(t, 998400, decodeLength(le32(998400)))
	assert.EqualValues(t, uint64(1)<<56, decodeLength([]byte{0, 0, 0, 0, 0, 0, 0, 1}))
}

func TestStream_ConnectAppliesSocketOptions(t *testing.T) {
	conn := NewMockStreamConn()
	src := newMockStream(t, StreamConfig{FrameSize: 4, RcvBuf: 4 << 20}, conn)
	assert.True(t, conn.NoDelay)
	assert.Equal(t, 4<<20, conn.ReadBufferSize)
	assert.True(t, src.IsConnected())
	assert.Equal(t, conn.Remote, src.RemoteAddr())
}

func TestStream_SocketOptionFailuresAreWarnings(t *testing.T) {
	conn := NewMockStreamConn()
	conn.SetNoDelayError = errors.New("unsupported")
	conn.SetReadBufferError = errors.New("unsupported")
	src := newMockStream(t, StreamConfig{FrameSize: 4, RcvBuf: 1024}, conn)
	assert.True(t, src.IsConnected())
}

func TestStream_ConnectFailure(t *testing.T) {
	dialer := &MockStreamDialer{Error: errors.New("connection refused")}
	src := NewStreamSource(StreamConfig{Address: "camera:5000", FrameSize: 4, Dialer: dialer})
	require.Error(t, src.Connect(context.Background()))
	assert.False(t, src.IsConnected())
	assert.Nil(t, src.RemoteAddr())
	assert.Equal(t, []string{"camera:5000"}, dialer.Addresses)
}

func TestStream_DisconnectIdempotent(t *testing.T) {
	conn := NewMockStreamConn()
	src := newMockStream(t, StreamConfig{FrameSize: 4}, conn)
	require.NoError(t, src.Disconnect())
	require.NoError(t, src.Disconnect())
	assert.True(t, conn.Closed)
	assert.False(t, src.IsConnected())
}

func TestStream_HeaderSizeClamped(t *testing.T) {
	src := NewStreamSource(StreamConfig{FrameSize: 4, HasHeader: true, HeaderSize: 16})
	assert.Equal(t, MaxHeaderSize, src.headerSize)
	src = NewStreamSource(StreamConfig{FrameSize: 4, HasHeader: true})
	assert.Equal(t, 4, src.headerSize)
}

func TestStream_Loopback(t *testing.T) {
	ln := testutil.ListenTCP(t)

	frames := [][]byte{seq(0, 32), seq(32, 32), seq(64, 32)}
	testutil.ServeOnce(t, ln, func(c net.Conn) {
		for _, f := range frames {
			// Dribble each frame so the receiver sees partial reads.
			for i := 0; i < len(f); i += 5 {
				end := min(i+5, len(f))
				if _, err := c.Write(f[i:end]); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	})

	src := NewStreamSource(StreamConfig{Address: ln.Addr().String(), FrameSize: 32, DialTimeout: time.Second})
	require.NoError(t, src.Connect(context.Background()))
	defer src.Disconnect()

	for _, want := range frames {
		got, err := src.ReceiveFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := src.ReceiveFrame()
	assert.ErrorIs(t, err, eventcam.ErrConnectionClosed)
}
