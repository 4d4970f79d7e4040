package report

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/thz.scan/internal/scan"
)

// Figure size of WritePNG.
var (
	FigureWidth  = 10 * vg.Inch
	FigureHeight = 8 * vg.Inch
)

var (
	colourX        = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colourY        = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colourSpectrum = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// SavePNG writes the figure for res to path.
func SavePNG(path string, res scan.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := WritePNG(w, res); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WritePNG draws the trace above its one-sided spectrum.
func WritePNG(w io.Writer, res scan.Result) error {
	tracePlot, err := tracePlot(res)
	if err != nil {
		return err
	}
	spectrumPlot, err := spectrumPlot(res)
	if err != nil {
		return err
	}

	plots := [][]*plot.Plot{{tracePlot}, {spectrumPlot}}
	img := vgimg.New(FigureWidth, FigureHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Points(8),
		PadBottom: vg.Points(8),
		PadLeft:   vg.Points(8),
		PadRight:  vg.Points(16),
		PadY:      vg.Points(16),
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func tracePlot(res scan.Result) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title(res)
	p.X.Label.Text = axisLabel(res.Config.Mode)
	p.Y.Label.Text = "Signal (mV)"
	p.Add(plotter.NewGrid())

	xs := make(plotter.XYs, 0, len(res.Samples))
	ys := make(plotter.XYs, 0, len(res.Samples))
	for _, s := range res.Samples {
		if finite(s.Delay, s.X) {
			xs = append(xs, plotter.XY{X: s.Delay, Y: s.X})
		}
		if finite(s.Delay, s.Y) {
			ys = append(ys, plotter.XY{X: s.Delay, Y: s.Y})
		}
	}
	for _, series := range []struct {
		name   string
		pts    plotter.XYs
		colour color.Color
	}{
		{"X", xs, colourX},
		{"Y", ys, colourY},
	} {
		if len(series.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return nil, err
		}
		line.Color = series.colour
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	p.Legend.Top = true
	return p, nil
}

func spectrumPlot(res scan.Result) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Amplitude spectrum of X"
	p.X.Label.Text = "Frequency (THz)"
	p.Y.Label.Text = "Amplitude"
	p.Add(plotter.NewGrid())

	bins := oneSided(res.Spectrum)
	pts := make(plotter.XYs, 0, len(bins))
	for _, b := range bins {
		if finite(b.Frequency, b.Amplitude) {
			pts = append(pts, plotter.XY{X: b.Frequency, Y: b.Amplitude})
		}
	}
	if len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colourSpectrum
		line.Width = vg.Points(1)
		p.Add(line)
	}
	return p, nil
}
