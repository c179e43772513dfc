// Package report renders per-run diagnostics: a class histogram with the
// eligibility threshold, the training loss curve, and an HTML page with
// both as interactive charts.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/train"
)

// ErrNoData reports a chart with nothing to draw.
var ErrNoData = errors.New("nothing to plot")

var (
	thresholdColor = color.RGBA{R: 220, G: 50, B: 47, A: 255}
	lossColor      = color.RGBA{R: 38, G: 139, B: 210, A: 255}
	accuracyColor  = color.RGBA{R: 133, G: 153, B: 0, A: 255}
)

func savePNG(fsys fsutil.FileSystem, p *plot.Plot, path string) error {
	w, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return err
	}
	return fsutil.WriteAtomic(fsys, path, buf.Bytes(), 0o644)
}

// ClassHistogram draws samples per class, sorted by label, with a
// horizontal line at minPerClass.
func ClassHistogram(fsys fsutil.FileSystem, counts dataset.ClassCounts, minPerClass int, path string) error {
	labels := counts.Labels()
	if len(labels) == 0 {
		return ErrNoData
	}
	values := make(plotter.Values, len(labels))
	for i, l := range labels {
		values[i] = float64(counts[l])
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Samples per class (min %d)", minPerClass)
	p.Y.Label.Text = "Samples"
	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return fmt.Errorf("class histogram: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(labels...)

	threshold, err := plotter.NewLine(plotter.XYs{
		{X: -0.5, Y: float64(minPerClass)},
		{X: float64(len(labels)) - 0.5, Y: float64(minPerClass)},
	})
	if err != nil {
		return fmt.Errorf("class histogram: %w", err)
	}
	threshold.Color = thresholdColor
	threshold.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(threshold)
	p.Legend.Add("min per class", threshold)
	p.Legend.Top = true

	return savePNG(fsys, p, path)
}

func hasAccuracy(history []train.Epoch) bool {
	for _, e := range history {
		if e.Accuracy != 0 {
			return true
		}
	}
	return false
}

// LossCurve draws the loss per epoch and, when recorded, holdout accuracy.
func LossCurve(fsys fsutil.FileSystem, history []train.Epoch, path string) error {
	if len(history) == 0 {
		return ErrNoData
	}
	loss := make(plotter.XYs, len(history))
	acc := make(plotter.XYs, len(history))
	for i, e := range history {
		loss[i] = plotter.XY{X: float64(i + 1), Y: e.Loss}
		acc[i] = plotter.XY{X: float64(i + 1), Y: e.Accuracy}
	}

	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "Epoch"
	lossLine, err := plotter.NewLine(loss)
	if err != nil {
		return fmt.Errorf("loss curve: %w", err)
	}
	lossLine.Color = lossColor
	lossLine.Width = vg.Points(1)
	p.Add(lossLine)
	p.Legend.Add("loss", lossLine)

	if hasAccuracy(history) {
		accLine, err := plotter.NewLine(acc)
		if err != nil {
			return fmt.Errorf("loss curve: %w", err)
		}
		accLine.Color = accuracyColor
		accLine.Width = vg.Points(1)
		p.Add(accLine)
		p.Legend.Add("holdout accuracy", accLine)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return savePNG(fsys, p, path)
}

// WriteHTML writes a page with the class counts and, when history is
// non-empty, the training curves.
func WriteHTML(fsys fsutil.FileSystem, path, title string, counts dataset.ClassCounts, minPerClass int, history []train.Epoch) error {
	labels := counts.Labels()
	if len(labels) == 0 {
		return ErrNoData
	}
	data := make([]opts.BarData, len(labels))
	for i, l := range labels {
		data[i] = opts.BarData{Value: counts[l]}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Samples per class", Subtitle: fmt.Sprintf("min per class %d", minPerClass)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("samples", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
			charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{Name: "min per class", YAxis: minPerClass}),
		)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(bar)

	if len(history) > 0 {
		epochs := make([]string, len(history))
		loss := make([]opts.LineData, len(history))
		acc := make([]opts.LineData, len(history))
		for i, e := range history {
			epochs[i] = strconv.Itoa(i + 1)
			loss[i] = opts.LineData{Value: e.Loss}
			acc[i] = opts.LineData{Value: e.Accuracy}
		}
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
			charts.WithTitleOpts(opts.Title{Title: "Training", Subtitle: history[len(history)-1].Phase}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		)
		line.SetXAxis(epochs).AddSeries("loss", loss)
		if hasAccuracy(history) {
			line.AddSeries("holdout accuracy", acc)
		}
		page.AddCharts(line)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	return fsutil.WriteAtomic(fsys, path, buf.Bytes(), 0o644)
}
