package unpack

import (
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

// Unpacker converts raw frames into events. It is immutable after New and
// safe for concurrent use.
type Unpacker struct {
	geom            eventcam.Geometry
	layout          eventcam.Layout
	interval        time.Duration
	intervalMicros  int64
	bytesPerChannel int
	frameSize       int

	// bitSlots[v][k] is the k-th set pixel slot (0..7, scan order) of byte
	// value v; bitCounts[v] is how many entries are valid.
	bitSlots  [256][8]uint8
	bitCounts [256]uint8

	// Compact coordinate form: pixel = base[byte] + slotD[slot]. Valid when
	// the scan dimension is a multiple of 8 so a byte never wraps a line.
	baseX  []uint16
	baseY  []uint16
	slotDX [8]uint16
	slotDY [8]uint16

	// Wrapping form: per-pixel coordinates indexed by byte*8+slot.
	wraps  bool
	pixelX []uint16
	pixelY []uint16
}

// New builds the lookup tables for geom and layout. geom must be valid
// (see eventcam.Geometry.Validate); an invalid geometry panics.
func New(geom eventcam.Geometry, layout eventcam.Layout, frameInterval time.Duration) *Unpacker {
	if err := geom.Validate(); err != nil {
		panic(fmt.Sprintf("unpack: %v", err))
	}
	u := &Unpacker{
		geom:            geom,
		layout:          layout,
		interval:        frameInterval,
		intervalMicros:  frameInterval.Microseconds(),
		bytesPerChannel: geom.BytesPerChannel(),
		frameSize:       geom.FrameSize(),
	}
	u.buildBitTables()
	u.buildCoordTables()
	return u
}

func (u *Unpacker) buildBitTables() {
	for v := 0; v < 256; v++ {
		var n uint8
		for slot := 0; slot < 8; slot++ {
			bit := slot
			if u.layout.MSBFirst {
				bit = 7 - slot
			}
			if v&(1<<bit) != 0 {
				u.bitSlots[v][n] = uint8(slot)
				n++
			}
		}
		u.bitCounts[v] = n
	}
}

func (u *Unpacker) buildCoordTables() {
	w, h := u.geom.Width, u.geom.Height

	// The scan dimension is the one pixels advance along inside a byte.
	scan := h
	if u.layout.RowMajor {
		scan = w
	}

	coord := func(p int) (x, y uint16) {
		if u.layout.RowMajor {
			return uint16(p % w), uint16(p / w)
		}
		return uint16(p / h), uint16(p % h)
	}

	if scan%8 != 0 {
		u.wraps = true
		n := u.bytesPerChannel * 8
		u.pixelX = make([]uint16, n)
		u.pixelY = make([]uint16, n)
		for p := 0; p < n; p++ {
			u.pixelX[p], u.pixelY[p] = coord(p)
		}
		return
	}

	u.baseX = make([]uint16, u.bytesPerChannel)
	u.baseY = make([]uint16, u.bytesPerChannel)
	for i := 0; i < u.bytesPerChannel; i++ {
		u.baseX[i], u.baseY[i] = coord(i * 8)
	}
	for s := 0; s < 8; s++ {
		if u.layout.RowMajor {
			u.slotDX[s] = uint16(s)
		} else {
			u.slotDY[s] = uint16(s)
		}
	}
}

// Geometry returns the frame geometry the tables were built for.
func (u *Unpacker) Geometry() eventcam.Geometry { return u.geom }

// Layout returns the bit layout the tables were built for.
func (u *Unpacker) Layout() eventcam.Layout { return u.layout }

// FrameSize is the exact raw frame length accepted by UnpackInto.
func (u *Unpacker) FrameSize() int { return u.frameSize }

// FrameInterval is the time between consecutive frame indices.
func (u *Unpacker) FrameInterval() time.Duration { return u.interval }

// Timestamp returns the event timestamp in microseconds for frameIndex.
func (u *Unpacker) Timestamp(frameIndex uint64) int64 {
	return int64(frameIndex) * u.intervalMicros
}

// Unpack decodes raw into a newly allocated event slice.
func (u *Unpacker) Unpack(raw []byte, frameIndex uint64) []eventcam.Event {
	return u.UnpackInto(nil, raw, frameIndex)
}

// UnpackInto decodes raw, replacing the contents of dst, and returns the
// resulting slice. The number of events unpacked is the length of the
// result. raw must be exactly FrameSize bytes; anything else is a caller
// bug and panics.
func (u *Unpacker) UnpackInto(dst []eventcam.Event, raw []byte, frameIndex uint64) []eventcam.Event {
	if len(raw) != u.frameSize {
		panic(fmt.Sprintf("unpack: frame is %d bytes, want %d", len(raw), u.frameSize))
	}

	first, second := u.channels(raw)

	dst = dst[:0]
	dst = slices.Grow(dst, u.countBits(raw))

	// Channel blocks are decoded in wire order so events follow scan order.
	ts := u.Timestamp(frameIndex)
	firstPolarity := u.layout.PositiveFirst
	dst = u.decodeChannel(dst, first, ts, firstPolarity)
	dst = u.decodeChannel(dst, second, ts, !firstPolarity)
	return dst
}

// CountEvents returns the number of set bits in each polarity channel
// without materialising events.
func (u *Unpacker) CountEvents(raw []byte) (positive, negative int) {
	if len(raw) != u.frameSize {
		panic(fmt.Sprintf("unpack: frame is %d bytes, want %d", len(raw), u.frameSize))
	}
	first, second := u.channels(raw)
	a, b := u.countBits(first), u.countBits(second)
	if u.layout.PositiveFirst {
		return a, b
	}
	return b, a
}

func (u *Unpacker) channels(raw []byte) (first, second []byte) {
	return raw[:u.bytesPerChannel], raw[u.bytesPerChannel:u.frameSize]
}

func (u *Unpacker) countBits(block []byte) int {
	n := 0
	for _, b := range block {
		n += int(u.bitCounts[b])
	}
	return n
}

func (u *Unpacker) decodeChannel(dst []eventcam.Event, block []byte, ts int64, polarity bool) []eventcam.Event {
	if u.wraps {
		for i, b := range block {
			if b == 0 {
				continue
			}
			slots := &u.bitSlots[b]
			base := i * 8
			for k := uint8(0); k < u.bitCounts[b]; k++ {
				p := base + int(slots[k])
				dst = append(dst, eventcam.Event{Timestamp: ts, X: u.pixelX[p], Y: u.pixelY[p], Polarity: polarity})
			}
		}
		return dst
	}

	for i, b := range block {
		if b == 0 {
			continue
		}
		slots := &u.bitSlots[b]
		bx, by := u.baseX[i], u.baseY[i]
		for k := uint8(0); k < u.bitCounts[b]; k++ {
			s := slots[k]
			dst = append(dst, eventcam.Event{Timestamp: ts, X: bx + u.slotDX[s], Y: by + u.slotDY[s], Polarity: polarity})
		}
	}
	return dst
}
