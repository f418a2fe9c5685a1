package eventcam

import (
	"fmt"
	"math"
)

// Channels is the number of polarity bitmaps carried by every frame.
const Channels = 2

// Geometry describes the sensor resolution. It is immutable for a run.
type Geometry struct {
	Width  int
	Height int
}

// NewGeometry validates width and height and returns the geometry.
// The pixel count must be a positive multiple of 8 so that each channel
// packs into a whole number of bytes.
func NewGeometry(width, height int) (Geometry, error) {
	g := Geometry{Width: width, Height: height}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate reports whether the geometry can be decoded.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: %dx%d must be positive", ErrInvalidGeometry, g.Width, g.Height)
	}
	if g.Width > math.MaxUint16 || g.Height > math.MaxUint16 {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels per axis", ErrInvalidGeometry, g.Width, g.Height, math.MaxUint16)
	}
	if (g.Width*g.Height)%8 != 0 {
		return fmt.Errorf("%w: %dx%d pixels is not a multiple of 8", ErrInvalidGeometry, g.Width, g.Height)
	}
	return nil
}

// PixelsPerChannel is width*height.
func (g Geometry) PixelsPerChannel() int { return g.Width * g.Height }

// BytesPerChannel is the packed size of one polarity bitmap.
func (g Geometry) BytesPerChannel() int { return g.PixelsPerChannel() / 8 }

// FrameSize is the on-wire size of one frame (both channels).
func (g Geometry) FrameSize() int { return Channels * g.BytesPerChannel() }

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d (%d bytes/frame)", g.Width, g.Height, g.FrameSize())
}
