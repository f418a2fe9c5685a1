package eventcam

import "fmt"

// Layout selects how pixels are packed into a frame.
type Layout struct {
	// MSBFirst puts the first pixel of a byte in bit 7 instead of bit 0.
	MSBFirst bool
	// PositiveFirst orders the frame as [positive][negative] rather than
	// [negative][positive].
	PositiveFirst bool
	// RowMajor scans left-to-right then top-to-bottom. When false pixels
	// are scanned top-to-bottom then left-to-right.
	RowMajor bool
}

// DefaultLayout matches the camera firmware: LSB first, positive channel
// first, row-major.
func DefaultLayout() Layout {
	return Layout{MSBFirst: false, PositiveFirst: true, RowMajor: true}
}

func (l Layout) String() string {
	bit := "lsb"
	if l.MSBFirst {
		bit = "msb"
	}
	ch := "neg,pos"
	if l.PositiveFirst {
		ch = "pos,neg"
	}
	scan := "col-major"
	if l.RowMajor {
		scan = "row-major"
	}
	return fmt.Sprintf("%s/%s/%s", bit, ch, scan)
}
