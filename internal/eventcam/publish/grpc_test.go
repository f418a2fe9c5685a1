package publish

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

func startGRPCServer(t *testing.T, cfg GRPCConfig) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		cc.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return s, cc
}

func subscribe(t *testing.T, s *GRPCServer, cc *grpc.ClientConn, req StreamRequest, want int) *Subscription {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := Subscribe(ctx, cc, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Clients() == want }, 5*time.Second, 5*time.Millisecond)
	return sub
}

func TestGRPCServerStreamsPackets(t *testing.T) {
	s, cc := startGRPCServer(t, GRPCConfig{})
	a := subscribe(t, s, cc, StreamRequest{}, 1)
	b := subscribe(t, s, cc, StreamRequest{}, 2)

	events := []eventcam.Event{
		{Timestamp: 0, X: 1, Y: 2, Polarity: true},
		{Timestamp: 0, X: 1279, Y: 779},
	}
	require.NoError(t, s.WriteEvents(0, events))
	require.NoError(t, s.WriteEvents(1, nil))

	want := []Packet{
		{FrameIndex: 0, Events: events},
		{FrameIndex: 1},
	}
	for _, sub := range []*Subscription{a, b} {
		var got []Packet
		for range want {
			p, err := sub.Next()
			require.NoError(t, err)
			got = append(got, p)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("packets mismatch (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, uint64(2), s.Frames())
	assert.Zero(t, s.Dropped())
}

func TestGRPCServerEvery(t *testing.T) {
	s, cc := startGRPCServer(t, GRPCConfig{})
	sub := subscribe(t, s, cc, StreamRequest{Every: 2}, 1)

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, s.WriteEvents(i, []eventcam.Event{{Timestamp: int64(i) * 200, X: uint16(i)}}))
	}
	for _, want := range []uint64{0, 2, 4} {
		p, err := sub.Next()
		require.NoError(t, err)
		assert.Equal(t, want, p.FrameIndex)
		require.Len(t, p.Events, 1)
		assert.EqualValues(t, want, p.Events[0].X)
	}
}

func TestGRPCServerMaxClients(t *testing.T) {
	s, cc := startGRPCServer(t, GRPCConfig{MaxClients: 1})
	subscribe(t, s, cc, StreamRequest{}, 1)

	extra, err := Subscribe(context.Background(), cc, StreamRequest{})
	require.NoError(t, err)
	_, err = extra.Next()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 1, s.Clients())
}

func TestGRPCServerClientCancel(t *testing.T) {
	s, cc := startGRPCServer(t, GRPCConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Subscribe(ctx, cc, StreamRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return s.Clients() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.WriteEvents(0, nil))
}

func TestGRPCServerDropsForFullQueue(t *testing.T) {
	s := NewGRPCServer(GRPCConfig{QueueSize: 1})
	defer s.Close()
	sub, err := s.subscribe(&StreamRequest{})
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.WriteEvents(i, nil))
	}
	assert.Equal(t, uint64(2), s.Dropped())
	p, err := DecodePacket(<-sub.frameCh)
	require.NoError(t, err)
	assert.Zero(t, p.FrameIndex)
}

func TestGRPCServerClose(t *testing.T) {
	s, cc := startGRPCServer(t, GRPCConfig{})
	sub := subscribe(t, s, cc, StreamRequest{}, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := sub.Next()
	assert.Error(t, err)
	assert.ErrorIs(t, s.WriteEvents(0, nil), eventcam.ErrConnectionClosed)

	_, err = s.subscribe(&StreamRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStreamRequestWire(t *testing.T) {
	var codec wireCodec
	b, err := codec.Marshal(&StreamRequest{Every: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x03}, b)

	empty, err := codec.Marshal(&StreamRequest{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Unknown field 2 (string "x") is skipped.
	var req StreamRequest
	require.NoError(t, codec.Unmarshal([]byte{0x12, 0x01, 'x', 0x08, 0x05}, &req))
	assert.Equal(t, uint32(5), req.Every)

	assert.Error(t, codec.Unmarshal([]byte{0x08}, &req))
	_, err = codec.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(nil, new(int)))
	assert.Equal(t, "proto", codec.Name())
}
