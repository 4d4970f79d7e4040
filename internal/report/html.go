package report

import (
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/thz.scan/internal/scan"
)

// AssetsHost is where the rendered page loads the echarts scripts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderHTML writes an interactive page with the trace and its one-sided
// spectrum.
func RenderHTML(w io.Writer, res scan.Result) error {
	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.PageTitle = title(res)
	page.AddCharts(traceChart(res), spectrumChart(res))
	return page.Render(w)
}

func traceChart(res scan.Result) *charts.Line {
	xs := make([]opts.LineData, 0, len(res.Samples))
	ys := make([]opts.LineData, 0, len(res.Samples))
	for _, s := range res.Samples {
		if finite(s.Delay, s.X) {
			xs = append(xs, opts.LineData{Value: []interface{}{s.Delay, s.X}})
		}
		if finite(s.Delay, s.Y) {
			ys = append(ys, opts.LineData{Value: []interface{}{s.Delay, s.Y}})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title(res), Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title(res), Subtitle: subtitle(res)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}, opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: axisLabel(res.Config.Mode), NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Signal (mV)", NameLocation: "middle", NameGap: 40}),
	)
	lineOpts := charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})
	line.AddSeries("X", xs, lineOpts).AddSeries("Y", ys, lineOpts)
	return line
}

func spectrumChart(res scan.Result) *charts.Line {
	bins := oneSided(res.Spectrum)
	data := make([]opts.LineData, 0, len(bins))
	for _, b := range bins {
		if finite(b.Frequency, b.Amplitude) {
			data = append(data, opts.LineData{Value: []interface{}{b.Frequency, b.Amplitude}})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Amplitude spectrum of X"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Frequency (THz)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Amplitude", NameLocation: "middle", NameGap: 40}),
	)
	line.AddSeries("FFT", data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}
