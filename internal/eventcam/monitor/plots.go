package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

// echartsAssetsPrefix serves the echarts script from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderRateChart writes an HTML line chart of frame and event rates.
func RenderRateChart(w io.Writer, history []StatsSnapshot) error {
	xs := make([]string, len(history))
	fps := make([]opts.LineData, len(history))
	eps := make([]opts.LineData, len(history))
	for i, s := range history {
		xs[i] = s.Timestamp.Format("15:04:05")
		fps[i] = opts.LineData{Value: s.FramesPerSec}
		eps[i] = opts.LineData{Value: s.EventsPerSec}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Event camera rates", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Converter throughput", Subtitle: fmt.Sprintf("%d intervals", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "per second"}),
	)
	line.SetXAxis(xs).
		AddSeries("frames/s", fps).
		AddSeries("events/s", eps)

	return line.Render(w)
}

// RenderFramePNG draws the events of one frame as a scatter plot, positive
// events in red and negative in blue, with the sensor origin at top left.
func RenderFramePNG(geom eventcam.Geometry, frameIndex uint64, events []eventcam.Event) ([]byte, error) {
	var pos, neg plotter.XYs
	for _, e := range events {
		pt := plotter.XY{X: float64(e.X), Y: float64(geom.Height - 1 - int(e.Y))}
		if e.Polarity {
			pos = append(pos, pt)
		} else {
			neg = append(neg, pt)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %d (%d events)", frameIndex, len(events))
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y (flipped)"
	p.X.Min, p.X.Max = 0, float64(geom.Width)
	p.Y.Min, p.Y.Max = 0, float64(geom.Height)

	for _, series := range []struct {
		name string
		pts  plotter.XYs
		col  color.Color
	}{
		{"positive", pos, color.RGBA{R: 220, G: 50, B: 47, A: 255}},
		{"negative", neg, color.RGBA{R: 38, G: 139, B: 210, A: 255}},
	} {
		if len(series.pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(series.pts)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s series: %w", series.name, err)
		}
		sc.GlyphStyle.Color = series.col
		sc.GlyphStyle.Radius = vg.Points(0.8)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(sc)
		p.Legend.Add(series.name, sc)
	}

	width := 10 * vg.Inch
	height := vg.Length(float64(width) * float64(geom.Height) / float64(geom.Width))
	if height < 2*vg.Inch {
		height = 2 * vg.Inch
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to create png writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render png: %w", err)
	}
	return buf.Bytes(), nil
}
