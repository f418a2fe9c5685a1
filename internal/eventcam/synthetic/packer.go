// Package synthetic builds packed event-camera frames: a Packer that is the
// inverse of the unpacker, and a camera simulator used by tests and
// cmd/fake-camera.
package synthetic

import (
	"fmt"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

// Packer sets individual pixels in a raw frame using a given layout.
type Packer struct {
	geom   eventcam.Geometry
	layout eventcam.Layout
	frame  []byte
}

// NewPacker returns a Packer with an all-zero frame.
func NewPacker(geom eventcam.Geometry, layout eventcam.Layout) *Packer {
	return &Packer{
		geom:   geom,
		layout: layout,
		frame:  make([]byte, geom.FrameSize()),
	}
}

// Set marks pixel (x, y) in the given polarity channel.
func (p *Packer) Set(x, y int, polarity bool) error {
	if x < 0 || x >= p.geom.Width || y < 0 || y >= p.geom.Height {
		return fmt.Errorf("pixel (%d,%d) outside %dx%d", x, y, p.geom.Width, p.geom.Height)
	}
	idx, mask := p.locate(x, y, polarity)
	p.frame[idx] |= mask
	return nil
}

// Add packs every event into the frame. Timestamps are ignored.
func (p *Packer) Add(events ...eventcam.Event) error {
	for _, e := range events {
		if err := p.Set(int(e.X), int(e.Y), e.Polarity); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) locate(x, y int, polarity bool) (int, byte) {
	pixel := y*p.geom.Width + x
	if !p.layout.RowMajor {
		pixel = x*p.geom.Height + y
	}
	slot := pixel % 8
	bit := slot
	if p.layout.MSBFirst {
		bit = 7 - slot
	}

	offset := 0
	if polarity != p.layout.PositiveFirst {
		offset = p.geom.BytesPerChannel()
	}
	return offset + pixel/8, byte(1) << bit
}

// Frame returns the packed frame. The slice is owned by the Packer and is
// overwritten by later calls to Set and Reset.
func (p *Packer) Frame() []byte { return p.frame }

// Reset clears every pixel.
func (p *Packer) Reset() { clear(p.frame) }
