package synthetic

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

// Pattern selects the frame content produced by a Generator.
type Pattern string

const (
	// PatternCircles draws a positive circle moving horizontally and a
	// negative circle moving vertically.
	PatternCircles Pattern = "circles"
	// PatternSparse sets a few random bits in a small fraction of bytes,
	// close to real sensor output.
	PatternSparse Pattern = "sparse"
	// PatternRandom fills every byte with random data (decoder stress).
	PatternRandom Pattern = "random"
)

// ParsePattern validates a pattern name.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case PatternCircles, PatternSparse, PatternRandom:
		return p, nil
	default:
		return "", fmt.Errorf("unknown pattern %q (want circles, sparse or random)", s)
	}
}

// Generator produces packed frames for the camera simulator.
type Generator struct {
	packer  *Packer
	pattern Pattern
	rng     *rand.Rand

	// Radius of the circles in pixels.
	Radius int
	// PeriodX and PeriodY are the circle oscillation periods in frames.
	PeriodX int
	PeriodY int
	// Density is the fraction of bytes touched by PatternSparse.
	Density float64
}

// NewGenerator returns a generator for geom/layout. seed makes the random
// patterns reproducible.
func NewGenerator(geom eventcam.Geometry, layout eventcam.Layout, pattern Pattern, seed int64) *Generator {
	radius := 50
	if m := min(geom.Width, geom.Height) / 4; m < radius {
		radius = max(m, 1)
	}
	return &Generator{
		packer:  NewPacker(geom, layout),
		pattern: pattern,
		rng:     rand.New(rand.NewSource(seed)),
		Radius:  radius,
		PeriodX: 200,
		PeriodY: 150,
		Density: 0.01,
	}
}

// Frame returns the packed frame for frameNum. The slice is reused by the
// next call.
func (g *Generator) Frame(frameNum uint64) []byte {
	g.packer.Reset()
	switch g.pattern {
	case PatternSparse:
		g.sparse()
	case PatternRandom:
		g.rng.Read(g.packer.frame)
	default:
		g.circles(frameNum)
	}
	return g.packer.Frame()
}

func (g *Generator) circles(frameNum uint64) {
	w, h := g.packer.geom.Width, g.packer.geom.Height

	phaseX := 2 * math.Pi * float64(frameNum%uint64(g.PeriodX)) / float64(g.PeriodX)
	phaseY := 2 * math.Pi * float64(frameNum%uint64(g.PeriodY)) / float64(g.PeriodY)

	posX := int(float64(w)/2 + float64(w)/3*math.Sin(phaseX))
	posY := h / 2
	negX := w / 2
	negY := int(float64(h)/2 + float64(h)/3*math.Sin(phaseY))

	g.disc(posX, posY, eventcam.Positive)
	g.disc(negX, negY, eventcam.Negative)
}

func (g *Generator) disc(cx, cy int, polarity bool) {
	r := g.Radius
	w, h := g.packer.geom.Width, g.packer.geom.Height
	for y := max(cy-r, 0); y <= min(cy+r, h-1); y++ {
		for x := max(cx-r, 0); x <= min(cx+r, w-1); x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				idx, mask := g.packer.locate(x, y, polarity)
				g.packer.frame[idx] |= mask
			}
		}
	}
}

func (g *Generator) sparse() {
	frame := g.packer.frame
	n := int(float64(len(frame)) * g.Density)
	for i := 0; i < n; i++ {
		idx := g.rng.Intn(len(frame))
		for bits := 1 + g.rng.Intn(3); bits > 0; bits-- {
			frame[idx] |= 1 << g.rng.Intn(8)
		}
	}
}
