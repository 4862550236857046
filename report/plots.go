// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package report renders the outcome of a stateye pass as PNG plots and a PDF summary.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"statopt/stateye"
)

// minLog10BER is the floor of every log-scale BER plot; a BER of zero is drawn there.
const minLog10BER = -30

// Plot sizes
var (
	plotWidth  = vg.Points(640)
	plotHeight = vg.Points(400)
)

var lineColors = []color.Color{
	color.RGBA{R: 220, A: 255},
	color.RGBA{G: 150, A: 255},
	color.RGBA{B: 220, A: 255},
	color.RGBA{R: 230, G: 140, A: 255},
	color.RGBA{R: 128, B: 128, A: 255},
	color.RGBA{G: 128, B: 128, A: 255},
}

// surface adapts a voltage x time matrix to plotter.GridXYZ. Columns are time, rows voltage.
type surface struct {
	m    *mat.Dense
	time []float64
	volt []float64
	f    func(float64) float64
}

func (s surface) Dims() (c, r int)   { return len(s.time), len(s.volt) }
func (s surface) X(c int) float64    { return s.time[c] }
func (s surface) Y(r int) float64    { return s.volt[r] }
func (s surface) Z(c, r int) float64 { return s.f(s.m.At(r, c)) }

func log10BER(v float64) float64 {
	if v <= 0 {
		return minLog10BER
	}
	return math.Max(math.Log10(v), minLog10BER)
}

func render(p *plot.Plot) ([]byte, error) {
	w, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to create plot writer: %v", err)
	}
	buf := new(bytes.Buffer)
	if _, err := w.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to write plot to buffer: %v", err)
	}
	return buf.Bytes(), nil
}

// timeAxisUI returns one symbol of sample times in UI.
func timeAxisUI(cfg *stateye.Config) []float64 {
	t := cfg.TimeAxis()
	ui := make([]float64, len(t))
	for i, v := range t {
		ui[i] = v / cfg.SymbolPeriod()
	}
	return ui
}

// EyeHeatMap draws a distribution (e.g. the final combined one) as a heat map.
func EyeHeatMap(cfg *stateye.Config, d *mat.Dense, title string) ([]byte, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time [UI]"
	p.Y.Label.Text = "Voltage [V]"
	g := surface{m: d, time: timeAxisUI(cfg), volt: cfg.VoltageAxis(), f: func(v float64) float64 {
		// Square root keeps the sparse tails visible.
		return math.Sqrt(v)
	}}
	p.Add(plotter.NewHeatMap(g, palette.Heat(64, 1)))
	return render(p)
}

// BERContour draws the combined BER surface on a log scale, with contour lines at every decade.
func BERContour(cfg *stateye.Config, ber *stateye.BERResult) ([]byte, error) {
	if ber == nil || ber.Combined == nil {
		return nil, fmt.Errorf("no BER surface to plot")
	}
	p := plot.New()
	p.Title.Text = "BER contour (log10)"
	p.X.Label.Text = "Time [UI]"
	p.Y.Label.Text = "Voltage [V]"
	g := surface{m: ber.Combined, time: timeAxisUI(cfg), volt: cfg.VoltageAxis(), f: log10BER}
	p.Add(plotter.NewHeatMap(g, palette.Heat(64, 1)))
	var levels []float64
	for l := -18.0; l <= -3; l += 3 {
		levels = append(levels, l)
	}
	p.Add(plotter.NewContour(g, levels, palette.Rainbow(len(levels), palette.Blue, palette.Red, 1, 1, 1)))
	return render(p)
}

// VerticalBathtub draws the BER along the voltage axis at the eye centre time.
func VerticalBathtub(cfg *stateye.Config, ber *stateye.BERResult) ([]byte, error) {
	if !ber.Found() {
		return nil, fmt.Errorf("no eye found")
	}
	p := plot.New()
	p.Title.Text = "Vertical bathtub"
	p.X.Label.Text = "Voltage [V]"
	p.Y.Label.Text = "log10(BER)"
	p.Add(plotter.NewGrid())
	axis := cfg.VoltageAxis()
	pts := make(plotter.XYs, len(axis))
	for i, v := range axis {
		pts[i] = plotter.XY{X: v, Y: log10BER(ber.Vertical[i])}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = lineColors[0]
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)
	addTarget(p, cfg, axis[0], axis[len(axis)-1])
	return render(p)
}

// HorizontalBathtub draws the BER along the time axis at each eye centre voltage.
func HorizontalBathtub(cfg *stateye.Config, ber *stateye.BERResult) ([]byte, error) {
	if !ber.Found() {
		return nil, fmt.Errorf("no eye found")
	}
	p := plot.New()
	p.Title.Text = "Horizontal bathtub"
	p.X.Label.Text = "Time [UI]"
	p.Y.Label.Text = "log10(BER)"
	p.Add(plotter.NewGrid())
	t := timeAxisUI(cfg)
	for eye, h := range ber.Horizontal {
		pts := make(plotter.XYs, len(t))
		for i, x := range t {
			pts[i] = plotter.XY{X: x, Y: log10BER(h[i])}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = lineColors[eye%len(lineColors)]
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("eye %d", eye), line)
	}
	addTarget(p, cfg, t[0], t[len(t)-1])
	p.Legend.Top = true
	return render(p)
}

// addTarget draws the target BER as a dashed line.
func addTarget(p *plot.Plot, cfg *stateye.Config, x0, x1 float64) {
	y := log10BER(cfg.General.TargetBER)
	target, err := plotter.NewLine(plotter.XYs{{X: x0, Y: y}, {X: x1, Y: y}})
	if err != nil {
		return
	}
	target.Color = color.Gray{Y: 128}
	target.LineStyle.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
	p.Add(target)
	p.Legend.Add("target", target)
}

// PulseResponses draws the final pulse of every channel.
func PulseResponses(cfg *stateye.Config, pulses *stateye.PulseResponses) ([]byte, error) {
	p := plot.New()
	p.Title.Text = "Pulse responses"
	p.X.Label.Text = "Time [UI]"
	p.Y.Label.Text = "Voltage [V]"
	p.Add(plotter.NewGrid())
	sps := float64(cfg.General.SamplesPerSymb)
	for i, cp := range pulses.Channels {
		x := cp.Final().Samples
		pts := make(plotter.XYs, len(x))
		for j, v := range x {
			pts[j] = plotter.XY{X: float64(j)/sps - float64(cfg.Transmitter.PreCursorCount), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = lineColors[i%len(lineColors)]
		p.Add(line)
		p.Legend.Add(cp.Name, line)
	}
	p.Legend.Top = true
	return render(p)
}

// CTLEResponse draws the CTLE magnitude response from 1/1000 to 10 times the symbol rate.
func CTLEResponse(cfg *stateye.Config) ([]byte, error) {
	const points = 200
	p := plot.New()
	p.Title.Text = "CTLE response"
	p.X.Label.Text = "Frequency [Hz]"
	p.Y.Label.Text = "Magnitude [dB]"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())
	lo, hi := math.Log10(cfg.General.SymbolRate/1000), math.Log10(cfg.General.SymbolRate*10)
	freqs := make([]float64, points)
	for i := range freqs {
		freqs[i] = math.Pow(10, lo+(hi-lo)*float64(i)/float64(points-1))
	}
	mag := stateye.CTLEResponse(cfg.Receiver.CTLE, freqs)
	pts := make(plotter.XYs, points)
	for i := range pts {
		pts[i] = plotter.XY{X: freqs[i], Y: mag[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = lineColors[2]
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)
	return render(p)
}
