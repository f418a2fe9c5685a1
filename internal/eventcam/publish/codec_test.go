package publish

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

func sampleEvents() []eventcam.Event {
	return []eventcam.Event{
		{Timestamp: 0, X: 0, Y: 0, Polarity: eventcam.Negative},
		{Timestamp: 2000, X: 7, Y: 0, Polarity: eventcam.Positive},
		{Timestamp: 2000, X: 1279, Y: 779, Polarity: eventcam.Negative},
		{Timestamp: -5, X: 300, Y: 1, Polarity: eventcam.Positive},
	}
}

func TestAppendPacketRoundTrip(t *testing.T) {
	events := sampleEvents()
	b := AppendPacket(nil, 42, events)
	assert.Len(t, b, PacketSize(42, events))

	got, err := DecodePacket(b)
	require.NoError(t, err)
	want := Packet{FrameIndex: 42, Events: events}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded packet mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendPacketOmitsZeroFields(t *testing.T) {
	// Frame 0 with a single all-zero event: only the empty sub-message tag.
	b := AppendPacket(nil, 0, []eventcam.Event{{}})
	assert.Equal(t, []byte{0x12, 0x00}, b)

	assert.Empty(t, AppendPacket(nil, 0, nil))
}

func TestAppendPacketWireLayout(t *testing.T) {
	b := AppendPacket(nil, 1, []eventcam.Event{{Timestamp: 3, X: 4, Y: 5, Polarity: true}})
	want := []byte{
		0x08, 0x01, // frame_index = 1
		0x12, 0x08, // events, 8 bytes
		0x08, 0x03, // timestamp
		0x10, 0x04, // x
		0x18, 0x05, // y
		0x20, 0x01, // polarity
	}
	assert.Equal(t, want, b)
}

func TestDecodePacketSkipsUnknownFields(t *testing.T) {
	b := AppendPacket(nil, 9, []eventcam.Event{{X: 2, Polarity: true}})
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, 16, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1)

	got, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.FrameIndex)
	assert.Equal(t, []eventcam.Event{{X: 2, Polarity: true}}, got.Events)
}

func TestDecodePacketTruncated(t *testing.T) {
	b := AppendPacket(nil, 300, sampleEvents())
	_, err := DecodePacket(b[:len(b)-1])
	assert.Error(t, err)
}

func TestReaderStream(t *testing.T) {
	var stream []byte
	stream = AppendDelimited(stream, 0, nil)
	stream = AppendDelimited(stream, 1, sampleEvents())
	stream = AppendDelimited(stream, 2, sampleEvents()[:1])

	r := NewReader(bytes.NewReader(stream), 0)

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Packet{}, p)

	p, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.FrameIndex)
	assert.Equal(t, sampleEvents(), p.Events)

	p, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.FrameIndex)
	assert.Len(t, p.Events, 1)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedBody(t *testing.T) {
	stream := AppendDelimited(nil, 5, sampleEvents())
	r := NewReader(bytes.NewReader(stream[:len(stream)-2]), 0)
	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderSizeLimit(t *testing.T) {
	stream := AppendDelimited(nil, 5, sampleEvents())
	r := NewReader(bytes.NewReader(stream), 4)
	_, err := r.Next()
	assert.True(t, errors.Is(err, ErrPacketTooLarge), "got %v", err)
}
