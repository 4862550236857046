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

package stateye

// Influence sources: the channel step responses, the CTLE system, and the combined
// distortion, jitter and noise models consumed by a pass.

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"statopt/sigutil"
)

// ChannelKind tags a channel's role.
type ChannelKind int

// Channel kinds
const (
	Thru  ChannelKind = iota // the victim channel
	Next                     // near-end crosstalk aggressor
	Fext                     // far-end crosstalk aggressor
	Xtalk                    // aggregate of every NEXT and FEXT aggressor
)

func (k ChannelKind) String() string {
	switch k {
	case Thru:
		return "thru"
	case Next:
		return "next"
	case Fext:
		return "fext"
	case Xtalk:
		return "xtalk"
	}
	return fmt.Sprintf("ChannelKind(%d)", int(k))
}

// stepSymbols is the length of a channel step response, in symbols.
const stepSymbols = 1000

// ImpulseResponse is a channel impulse response. Without Time, Values are already sampled on
// the simulation grid; otherwise they are resampled onto it.
type ImpulseResponse struct {
	Name   string
	Kind   ChannelKind
	Time   []float64 // seconds, evenly spaced
	Values []float64
}

// resample returns the impulse response on the simulation grid. Values are scaled by the ratio
// of sample periods so the impulse keeps its area.
func (imp *ImpulseResponse) resample(cfg *Config) []float64 {
	t, v := imp.Time, imp.Values
	if len(t) < 2 {
		return v
	}
	ts := cfg.SamplePeriod()
	grid := make([]float64, int(math.Floor((t[len(t)-1]-t[0])/ts))+1)
	for i := range grid {
		grid[i] = t[0] + float64(i)*ts
	}
	out := sigutil.InterpAll(grid, t, v)
	floats.Scale(ts/(t[1]-t[0]), out)
	return out
}

// ChannelResponse is a channel step response sampled on the simulation grid.
type ChannelResponse struct {
	Name string
	Kind ChannelKind
	Step []float64
}

// MeasuredPulse is an externally measured pulse response that replaces the thru channel.
type MeasuredPulse struct {
	Time      []float64 // seconds, increasing
	Amplitude []float64
}

// DistortionCurve is a piecewise-linear input->output voltage map with increasing Input.
type DistortionCurve struct {
	Input  []float64
	Output []float64
}

// Map evaluates the curve at v, clamped at both ends. An empty curve is the identity.
func (d DistortionCurve) Map(v float64) float64 {
	if len(d.Input) == 0 {
		return v
	}
	return sigutil.Interp(v, d.Input, d.Output)
}

// Saturation is the largest output magnitude the curve can produce.
func (d DistortionCurve) Saturation() float64 {
	if len(d.Output) == 0 {
		return 0
	}
	return floats.Max(sigutil.Abs(d.Output))
}

// Influence is everything a pass consumes besides the configuration.
type Influence struct {
	Channels   []ChannelResponse
	Override   *MeasuredPulse
	Distortion DistortionCurve     // combined RX(TX(v)), sampled on the voltage axis
	Jitter     []float64           // combined jitter kernel, one tap per sample period; nil skips the stage
	Noise      []float64           // combined noise kernel, one tap per voltage bin; nil skips the stage
	CTLE       *sigutil.StateSpace // nil bypasses the CTLE
}

// channel returns the first channel of the kind, or nil.
func (inf *Influence) channel(kind ChannelKind) *ChannelResponse {
	for i := range inf.Channels {
		if inf.Channels[i].Kind == kind {
			return &inf.Channels[i]
		}
	}
	return nil
}

// InfluenceSources are the raw inputs BuildInfluence turns into an Influence.
type InfluenceSources struct {
	Impulses     []ImpulseResponse // without a thru impulse, the thru channel is ideal
	Override     *MeasuredPulse
	TXDistortion *DistortionCurve // nil is the identity
	RXDistortion *DistortionCurve
}

// BuildInfluence derives every influence source from the configuration and the raw sources.
func BuildInfluence(cfg *Config, src *InfluenceSources) (*Influence, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = &InfluenceSources{}
	}
	inf := &Influence{Override: src.Override}

	// Channels
	var hasThru bool
	var xtalk []float64
	for _, imp := range src.Impulses {
		step := BuildStepResponse(cfg, imp.resample(cfg))
		inf.Channels = append(inf.Channels, ChannelResponse{Name: imp.Name, Kind: imp.Kind, Step: step})
		switch imp.Kind {
		case Thru:
			hasThru = true
		case Next, Fext:
			xtalk = addSteps(xtalk, step)
		}
	}
	if !hasThru {
		log.V(1).Infoln("No thru channel given, using an ideal channel.")
		inf.Channels = append([]ChannelResponse{{Name: "thru", Kind: Thru, Step: BuildStepResponse(cfg, nil)}},
			inf.Channels...)
	}
	if xtalk != nil {
		inf.Channels = append(inf.Channels, ChannelResponse{Name: "xtalk", Kind: Xtalk, Step: xtalk})
	}

	// Distortion
	axis := cfg.VoltageAxis()
	tx := identityCurve(cfg.Transmitter.SignalAmplitude)
	if cfg.Transmitter.AddDistortion && src.TXDistortion != nil {
		tx = *src.TXDistortion
	}
	rx := identityCurve(cfg.Receiver.SignalAmplitude)
	if cfg.Receiver.AddDistortion && src.RXDistortion != nil {
		rx = *src.RXDistortion
	}
	inf.Distortion = DistortionCurve{Input: axis, Output: make([]float64, len(axis))}
	for i, v := range axis {
		inf.Distortion.Output[i] = rx.Map(tx.Map(v))
	}

	// Jitter
	if cfg.Transmitter.Jitter.AddJitter || cfg.Receiver.Jitter.AddJitter {
		inf.Jitter = sigutil.Convolve(
			JitterKernel(cfg, cfg.Transmitter.Jitter), JitterKernel(cfg, cfg.Receiver.Jitter))
	}

	// Noise
	if cfg.Transmitter.Noise.AddNoise || cfg.Channel.Noise.AddNoise || cfg.Receiver.Noise.AddNoise {
		n := NoiseKernel(cfg, cfg.Transmitter.Noise)
		n = sigutil.Convolve(n, NoiseKernel(cfg, cfg.Channel.Noise))
		inf.Noise = sigutil.Convolve(n, NoiseKernel(cfg, cfg.Receiver.Noise))
	}

	// CTLE
	if cfg.Receiver.CTLE.AddEqualization {
		inf.CTLE = BuildCTLE(cfg.Receiver.CTLE)
	}
	return inf, nil
}

// addSteps returns the sum of two step responses. The shorter one holds its final value
// over the length of the longer one.
func addSteps(a, b []float64) []float64 {
	if len(a) < len(b) {
		a, b = b, a
	}
	sum := append([]float64(nil), a...)
	if len(b) == 0 {
		return sum
	}
	floats.Add(sum[:len(b)], b)
	final := b[len(b)-1]
	for i := len(b); i < len(sum); i++ {
		sum[i] += final
	}
	return sum
}

func identityCurve(v float64) DistortionCurve {
	return DistortionCurve{Input: []float64{-v, v}, Output: []float64{-v, v}}
}

// BuildStepResponse returns the response of a channel to a unit step with the transmitter
// rise time. A nil impulse response is an ideal channel delayed by the pre-cursor window.
func BuildStepResponse(cfg *Config, impulse []float64) []float64 {
	sps := cfg.General.SamplesPerSymb
	n := stepSymbols * sps
	riseIdx := sigutil.Clamp(sigutil.Round(cfg.Transmitter.TRise/cfg.SamplePeriod()), 0, n)
	ideal := make([]float64, n)
	copy(ideal, sigutil.Linspace(0, 1, riseIdx))
	for i := riseIdx; i < n; i++ {
		ideal[i] = 1
	}
	if len(impulse) == 0 {
		return append(make([]float64, cfg.Transmitter.PreCursorCount*sps), ideal...)
	}
	// Keep the rising part only; the falling edge of the convolution is dropped.
	return sigutil.Convolve(ideal, impulse)[:n]
}

// JitterKernel is the time-domain PDF of one jitter source: random, sinusoidal and
// duty-cycle distortion components convolved together. A disabled source is an impulse.
func JitterKernel(cfg *Config, j JitterConfig) []float64 {
	if !j.AddJitter {
		return []float64{1}
	}
	sps := cfg.General.SamplesPerSymb
	grid := sigutil.Linspace(-0.5, 0.5, sps+1) // UI
	kernel := []float64{1}
	if j.StdDeviation > 0 {
		kernel = sigutil.Convolve(kernel, gaussian(grid, j.StdDeviation))
	}
	if j.Amplitude > 0 {
		kernel = sigutil.Convolve(kernel, sineHistogram(j.Amplitude, grid))
	}
	if j.DCD > 0 {
		gap := sigutil.Clamp(sigutil.Round(j.DCD*float64(sps)-1), 0, sps)
		dcd := make([]float64, gap+2)
		dcd[0], dcd[gap+1] = 0.5, 0.5
		kernel = sigutil.Convolve(kernel, dcd)
	}
	if len(kernel) < minJitterKernel {
		pad := make([]float64, sigutil.Round(float64(sps)/2))
		kernel = append(append(pad, kernel...), pad...)
	}
	return kernel
}

// minJitterKernel is the length below which a jitter kernel is padded by half a symbol on
// both sides.
const minJitterKernel = 101

// NoiseKernel is the voltage PDF of one noise source on the voltage axis: random and
// sinusoidal components convolved together. A disabled source is an impulse.
func NoiseKernel(cfg *Config, n NoiseConfig) []float64 {
	if !n.AddNoise {
		return []float64{1}
	}
	axis := cfg.VoltageAxis()
	coding := 1.0
	if cfg.General.AddCoding {
		coding = math.Pow(10, cfg.General.CodingGain/10)
	}
	kernel := []float64{1}
	if n.StdDeviation > 0 {
		kernel = sigutil.Convolve(kernel, gaussian(axis, n.StdDeviation/coding))
	}
	if n.Amplitude > 0 {
		kernel = sigutil.Convolve(kernel, sineHistogram(n.Amplitude/coding, axis))
	}
	return kernel
}

// gaussian samples a zero-mean normal PDF on grid and normalizes it to unit mass.
func gaussian(grid []float64, sigma float64) []float64 {
	d := distuv.Normal{Mu: 0, Sigma: sigma}
	out := make([]float64, len(grid))
	for i, x := range grid {
		out[i] = d.Prob(x)
	}
	if floats.Sum(out) == 0 {
		// Narrower than one grid step.
		out[len(out)/2] = 1
	}
	return sigutil.Normalize(out)
}

// sineHistogram is the amplitude distribution of a sine of the given peak, binned on the
// centres of the evenly spaced grid.
func sineHistogram(amplitude float64, grid []float64) []float64 {
	const points = 10000
	sine := make([]float64, points-1) // the repeated end point is dropped
	for i := range sine {
		sine[i] = amplitude * math.Sin(2*math.Pi*float64(i)/float64(points-1))
	}
	step := grid[1] - grid[0]
	edges := make([]float64, len(grid)+1)
	for i, g := range grid {
		edges[i] = g - step/2
	}
	edges[len(grid)] = grid[len(grid)-1] + step/2
	return sigutil.Normalize(sigutil.Histogram(sine, edges))
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// ReadColumns reads a numeric CSV file. A first row that does not parse is taken as a header.
func ReadColumns(fn string) ([][]float64, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var cols [][]float64
	for row := 0; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		vals := make([]float64, len(rec))
		bad := false
		for i, s := range rec {
			if vals[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
				bad = true
				break
			}
		}
		if bad {
			if row == 0 {
				continue
			}
			return nil, fmt.Errorf("%s: row %d is not numeric", fn, row+1)
		}
		if cols == nil {
			cols = make([][]float64, len(vals))
		}
		if len(vals) < len(cols) {
			return nil, fmt.Errorf("%s: row %d has %d columns, want %d", fn, row+1, len(vals), len(cols))
		}
		for i := range cols {
			cols[i] = append(cols[i], vals[i])
		}
	}
	if len(cols) < 2 || len(cols[0]) < 2 {
		return nil, fmt.Errorf("%s: need two columns and two rows", fn)
	}
	return cols, nil
}

// ReadImpulseResponse reads a (time, value) CSV.
func ReadImpulseResponse(fn string, name string, kind ChannelKind) (ImpulseResponse, error) {
	cols, err := ReadColumns(fn)
	if err != nil {
		return ImpulseResponse{}, err
	}
	return ImpulseResponse{Name: name, Kind: kind, Time: cols[0], Values: cols[1]}, nil
}

// ReadMeasuredPulse reads a (time, amplitude) CSV.
func ReadMeasuredPulse(fn string) (*MeasuredPulse, error) {
	cols, err := ReadColumns(fn)
	if err != nil {
		return nil, err
	}
	return &MeasuredPulse{Time: cols[0], Amplitude: cols[1]}, nil
}

// ReadDistortion reads an (input, output) CSV.
func ReadDistortion(fn string) (*DistortionCurve, error) {
	cols, err := ReadColumns(fn)
	if err != nil {
		return nil, err
	}
	return &DistortionCurve{Input: cols[0], Output: cols[1]}, nil
}
