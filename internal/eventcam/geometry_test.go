package eventcam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeometry(t *testing.T) {
	tests := []struct {
		name    string
		w, h    int
		wantErr bool
	}{
		{"camera default", 1280, 780, false},
		{"single byte", 8, 1, false},
		{"wrapping width", 12, 2, false},
		{"not multiple of 8", 3, 3, true},
		{"zero width", 0, 8, true},
		{"negative height", 8, -1, true},
		{"too wide", 70000, 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGeometry(tt.w, tt.h)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
				assert.Equal(t, Geometry{}, g)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.w, g.Width)
			assert.Equal(t, tt.h, g.Height)
		})
	}
}

func TestGeometrySizes(t *testing.T) {
	g := Geometry{Width: 1280, Height: 780}
	assert.Equal(t, 998400, g.PixelsPerChannel())
	assert.Equal(t, 124800, g.BytesPerChannel())
	assert.Equal(t, 249600, g.FrameSize())
	assert.Equal(t, "1280x780 (249600 bytes/frame)", g.String())
}

func TestLayoutString(t *testing.T) {
	assert.Equal(t, "lsb/pos,neg/row-major", DefaultLayout().String())
	assert.Equal(t, "msb/neg,pos/col-major", Layout{MSBFirst: true}.String())
}

func TestCountPolarity(t *testing.T) {
	events := []Event{{Polarity: Positive}, {Polarity: Negative}, {Polarity: Positive}}
	pos, neg := CountPolarity(events)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 1, neg)

	pos, neg = CountPolarity(nil)
	assert.Zero(t, pos)
	assert.Zero(t, neg)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "t=400 (3,7)+", Event{Timestamp: 400, X: 3, Y: 7, Polarity: Positive}.String())
	assert.Equal(t, "t=0 (0,0)-", Event{}.String())
}
