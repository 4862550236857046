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

// The distribution propagator: trajectories -> voltage x time histograms, followed by the
// crosstalk, distortion, jitter and noise stages.

import (
	"fmt"
	"math"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"statopt/sigutil"
)

// Stage names a distribution stage.
type Stage int

// Distribution stages, in propagation order.
const (
	StageInitial Stage = iota
	StageCrossTalk
	StageDistortion
	StageJitter
	StageNoise
	stageCount
)

var stageNames = [stageCount]string{"initial", "crossTalk", "distortion", "jitter", "noise"}

func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageDistributions holds one stage's per-transition distributions, each voltageBins x sps,
// and their unweighted mean.
type StageDistributions struct {
	Stage       Stage
	Transitions []*mat.Dense // same order as Enumeration.Transitions
	Combined    *mat.Dense
}

// Distributions is the output of Propagate: every stage that ran, in order.
type Distributions struct {
	Enumeration *Enumeration
	Stages      []*StageDistributions
}

// Final is the last stage that ran.
func (d *Distributions) Final() *StageDistributions { return d.Stages[len(d.Stages)-1] }

// Stage returns the given stage, or nil if it did not run.
func (d *Distributions) Stage(s Stage) *StageDistributions {
	for _, sd := range d.Stages {
		if sd.Stage == s {
			return sd
		}
	}
	return nil
}

// Propagate turns the thru trajectories into distributions and runs every enabled stage.
// interferers holds the trajectories of each crosstalk channel.
func Propagate(cfg *Config, inf *Influence, en *Enumeration, thru [][]float64, interferers [][][]float64) *Distributions {
	d := &Distributions{Enumeration: en}
	cur := histogramStage(cfg, en, thru)
	d.Stages = append(d.Stages, cur)

	if cfg.Channel.AddCrossTalk && len(interferers) > 0 {
		cur = crossTalkStage(cfg, en, cur, interferers)
		d.Stages = append(d.Stages, cur)
	}
	if cfg.Transmitter.AddDistortion || cfg.Receiver.AddDistortion {
		cur = distortionStage(cfg, inf, cur)
		d.Stages = append(d.Stages, cur)
	}
	if inf.Jitter != nil {
		cur = jitterStage(cfg, inf.Jitter, cur)
		d.Stages = append(d.Stages, cur)
	}
	if inf.Noise != nil {
		cur = noiseStage(inf.Noise, cur)
		d.Stages = append(d.Stages, cur)
	}
	log.V(1).Infof("Distribution stages: %d, final %v", len(d.Stages), cur.Stage)
	return d
}

func newStage(s Stage, transitions []*mat.Dense) *StageDistributions {
	r, c := transitions[0].Dims()
	combined := mat.NewDense(r, c, nil)
	for _, t := range transitions {
		combined.Add(combined, t)
	}
	combined.Scale(1/float64(len(transitions)), combined)
	return &StageDistributions{Stage: s, Transitions: transitions, Combined: combined}
}

// voltageBin returns the bin of v on the voltage axis. Bins are centred on the axis samples;
// values beyond the axis land in the end bins.
func voltageBin(cfg *Config, v float64) int {
	lo := -cfg.Receiver.SignalAmplitude
	i := int(math.Floor((v-lo)/cfg.VoltageIncrement() + 0.5))
	return sigutil.Clamp(i, 0, cfg.General.YAxisLength-1)
}

// histogram bins the member trajectories of one transition column by column. Each column sums
// to one.
func histogram(cfg *Config, trajectories [][]float64, members []int) *mat.Dense {
	sps := cfg.General.SamplesPerSymb
	h := mat.NewDense(cfg.General.YAxisLength, sps, nil)
	w := 1 / float64(len(members))
	for _, c := range members {
		for t, v := range trajectories[c] {
			b := voltageBin(cfg, v)
			h.Set(b, t, h.At(b, t)+w)
		}
	}
	return h
}

func histogramStage(cfg *Config, en *Enumeration, trajectories [][]float64) *StageDistributions {
	ts := make([]*mat.Dense, len(en.Transitions))
	for i, t := range en.Transitions {
		ts[i] = histogram(cfg, trajectories, t.Combinations)
	}
	return newStage(StageInitial, ts)
}

// disturbance is the distribution of one interfering channel over all of its transitions.
func disturbance(cfg *Config, en *Enumeration, trajectories [][]float64) *mat.Dense {
	var sum *mat.Dense
	for _, t := range en.Transitions {
		h := histogram(cfg, trajectories, t.Combinations)
		if sum == nil {
			sum = h
			continue
		}
		sum.Add(sum, h)
	}
	sum.Scale(1/float64(len(en.Transitions)), sum)
	if cfg.Channel.MakeAsynchronous {
		makeAsynchronous(sum)
	}
	return sum
}

// makeAsynchronous replaces every column of d with the normalized time average of d.
func makeAsynchronous(d *mat.Dense) {
	r, c := d.Dims()
	avg := make([]float64, r)
	for i := range avg {
		avg[i] = floats.Sum(d.RawRowView(i))
	}
	sigutil.Normalize(avg)
	for j := 0; j < c; j++ {
		d.SetCol(j, avg)
	}
}

// convolveColumns convolves every column of d with the matching column of kernels (or with
// kernel when kernels is nil), keeps the centred voltage window and renormalizes the column.
func convolveColumns(d *mat.Dense, kernel []float64, kernels *mat.Dense) *mat.Dense {
	r, c := d.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, d)
		k := kernel
		if kernels != nil {
			k = mat.Col(nil, j, kernels)
		}
		out.SetCol(j, sigutil.Normalize(sigutil.CenterCrop(col, k)))
	}
	return out
}

func crossTalkStage(cfg *Config, en *Enumeration, in *StageDistributions, interferers [][][]float64) *StageDistributions {
	ts := make([]*mat.Dense, len(in.Transitions))
	for i, t := range in.Transitions {
		ts[i] = mat.DenseCopyOf(t)
	}
	for _, tr := range interferers {
		dist := disturbance(cfg, en, tr)
		for i := range ts {
			ts[i] = convolveColumns(ts[i], nil, dist)
		}
	}
	return newStage(StageCrossTalk, ts)
}

// distortionStage moves the mass of every voltage bin to the bin its distorted voltage maps to,
// split between the two nearest bins by the fractional index.
func distortionStage(cfg *Config, inf *Influence, in *StageDistributions) *StageDistributions {
	axis := cfg.VoltageAxis()
	n := len(axis)
	index := make([]float64, n)
	for i := range index {
		index[i] = float64(i)
	}
	lo, hi := axis[0], axis[n-1]
	ts := make([]*mat.Dense, len(in.Transitions))
	for i, t := range in.Transitions {
		_, c := t.Dims()
		out := mat.NewDense(n, c, nil)
		for v := 0; v < n; v++ {
			mapped := math.Max(math.Min(inf.Distortion.Map(axis[v]), hi), lo)
			idx := sigutil.Interp(mapped, axis, index)
			floor := math.Floor(idx)
			upper := idx - floor
			f, ce := int(floor), int(math.Ceil(idx))
			src := t.RawRowView(v)
			floats.AddScaled(out.RawRowView(ce), upper, src)
			floats.AddScaled(out.RawRowView(f), 1-upper, src)
		}
		ts[i] = out
	}
	return newStage(StageDistortion, ts)
}

// jitterStage convolves every voltage row with the jitter kernel. The row is repeated over three
// symbol periods so the middle period sees its neighbours.
func jitterStage(cfg *Config, kernel []float64, in *StageDistributions) *StageDistributions {
	sps := cfg.General.SamplesPerSymb
	start := (2*sps + len(kernel) - 1) / 2
	ts := make([]*mat.Dense, len(in.Transitions))
	for i, t := range in.Transitions {
		r, c := t.Dims()
		out := mat.NewDense(r, c, nil)
		wide := make([]float64, 3*c)
		for v := 0; v < r; v++ {
			row := t.RawRowView(v)
			copy(wide, row)
			copy(wide[c:], row)
			copy(wide[2*c:], row)
			full := sigutil.Convolve(wide, kernel)
			copy(out.RawRowView(v), full[start:start+c])
		}
		col := make([]float64, r)
		for j := 0; j < c; j++ {
			mat.Col(col, j, out)
			out.SetCol(j, sigutil.Normalize(col))
		}
		ts[i] = out
	}
	return newStage(StageJitter, ts)
}

func noiseStage(kernel []float64, in *StageDistributions) *StageDistributions {
	ts := make([]*mat.Dense, len(in.Transitions))
	for i, t := range in.Transitions {
		ts[i] = convolveColumns(t, kernel, nil)
	}
	return newStage(StageNoise, ts)
}
