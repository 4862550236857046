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

// The pulse response generator: ideal pulse -> TX FIR -> channel -> RX gain -> CTLE ->
// RX FFE -> DFE approximation -> length normalization.

import (
	"fmt"
	"math"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"statopt/sigutil"
)

// PulseStage names a point in the signal chain.
type PulseStage int

// Pulse stages, in chain order.
const (
	PulseTX      PulseStage = iota // after the TX FIR, continuous time
	PulseChannel                   // after the channel, trimmed
	PulseGain
	PulseCTLE
	PulseFFE
	PulseDFE
	PulseFinal // length-normalized to the cursor window
	pulseStageCount
)

var pulseStageNames = [pulseStageCount]string{"tx", "channel", "gain", "ctle", "ffe", "dfe", "final"}

func (s PulseStage) String() string {
	if s < 0 || s >= pulseStageCount {
		return fmt.Sprintf("PulseStage(%d)", int(s))
	}
	return pulseStageNames[s]
}

// PulseWaveform is a sampled pulse response. It is never modified once built.
type PulseWaveform struct {
	Samples      []float64
	SamplePeriod float64
	Peak         int // index of the highest local maximum of |Samples|
}

func newWaveform(x []float64, ts float64) *PulseWaveform {
	return &PulseWaveform{Samples: x, SamplePeriod: ts, Peak: sigutil.FindPeak(x)}
}

// ChannelPulses holds one channel's pulse at every stage of the chain.
type ChannelPulses struct {
	Name   string
	Kind   ChannelKind
	Stages [pulseStageCount]*PulseWaveform
}

// Final is the length-normalized pulse the ISI enumerator splits.
func (c *ChannelPulses) Final() *PulseWaveform { return c.Stages[PulseFinal] }

// PulseResponses is the output of GeneratePulses.
type PulseResponses struct {
	Channels []*ChannelPulses // the thru channel first
	Ideal    []float64        // symbol-spaced ideal pulse
	TXTaps   []float64        // applied TX FIR, pre_k..main..post_k
	Gain     float64          // applied RX gain
	FFETaps  []float64        // applied RX FFE, pre_k..main..post_k; nil if disabled
	Failures []error
}

// Thru returns the victim channel's pulses.
func (p *PulseResponses) Thru() *ChannelPulses { return p.Channels[0] }

// Interferers returns the crosstalk channels' pulses.
func (p *PulseResponses) Interferers() []*ChannelPulses { return p.Channels[1:] }

// GeneratePulses runs every active channel through the signal chain. Numeric problems are
// reported in Failures and never stop the chain.
func GeneratePulses(cfg *Config, inf *Influence) *PulseResponses {
	sps := cfg.General.SamplesPerSymb
	ts := cfg.SamplePeriod()
	res := new(PulseResponses)

	res.Ideal = idealPulse(cfg)
	taps, err := txTaps(cfg)
	if err != nil {
		log.Warningf("TX equalization: %v", err)
		res.Failures = append(res.Failures, err)
	}
	res.TXTaps = taps
	tx := upsample(sigutil.Convolve(res.Ideal, taps), sps)

	// Channel
	for _, ch := range activeChannels(cfg, inf) {
		cp := &ChannelPulses{Name: ch.Name, Kind: ch.Kind}
		cp.Stages[PulseTX] = newWaveform(tx, ts)
		var out []float64
		if ch.Kind == Thru && cfg.Channel.OverrideResponse && inf.Override != nil {
			out = applyMeasuredPulse(cfg, tx, inf.Override)
		} else {
			out = applyStep(tx, ch.Step)
		}
		cp.Stages[PulseChannel] = newWaveform(trimPulse(cfg, out), ts)
		res.Channels = append(res.Channels, cp)
	}

	// RX gain
	res.Gain = rxGain(cfg, inf, res.Thru().Stages[PulseChannel].Samples)
	for _, cp := range res.Channels {
		out := append([]float64(nil), cp.Stages[PulseChannel].Samples...)
		floats.Scale(res.Gain, out)
		cp.Stages[PulseGain] = newWaveform(out, ts)
	}

	// CTLE
	for _, cp := range res.Channels {
		in := cp.Stages[PulseGain].Samples
		if inf.CTLE == nil {
			cp.Stages[PulseCTLE] = cp.Stages[PulseGain]
			continue
		}
		cp.Stages[PulseCTLE] = newWaveform(inf.CTLE.Simulate(in, ts), ts)
	}

	// RX FFE
	if cfg.Receiver.FFE.AddEqualization {
		res.FFETaps = ffeTaps(cfg, inf, res.Thru().Stages[PulseCTLE].Samples)
	}
	for _, cp := range res.Channels {
		if res.FFETaps == nil {
			cp.Stages[PulseFFE] = cp.Stages[PulseCTLE]
			continue
		}
		cp.Stages[PulseFFE] = newWaveform(applySymbolFIR(cp.Stages[PulseCTLE].Samples, res.FFETaps, sps), ts)
	}

	// DFE, then length normalization
	for _, cp := range res.Channels {
		if cfg.Receiver.DFE.AddEqualization {
			cp.Stages[PulseDFE] = newWaveform(applyDFE(cfg, cp.Stages[PulseFFE].Samples), ts)
		} else {
			cp.Stages[PulseDFE] = cp.Stages[PulseFFE]
		}
		cp.Stages[PulseFinal] = newWaveform(normalizeLength(cfg, cp.Name, cp.Stages[PulseDFE].Samples), ts)
	}

	res.Failures = append(res.Failures, checkPulse(cfg, res.Thru().Final().Samples)...)
	return res
}

// activeChannels selects the thru channel and, with crosstalk enabled, the aggregate crosstalk
// channel (approximate) or each NEXT/FEXT aggressor.
func activeChannels(cfg *Config, inf *Influence) []ChannelResponse {
	chs := []ChannelResponse{*inf.channel(Thru)}
	if !cfg.Channel.AddCrossTalk {
		return chs
	}
	for _, ch := range inf.Channels {
		switch {
		case ch.Kind == Thru:
		case cfg.Channel.Approximate && ch.Kind == Xtalk:
			chs = append(chs, ch)
		case !cfg.Channel.Approximate && (ch.Kind == Next || ch.Kind == Fext):
			chs = append(chs, ch)
		}
	}
	return chs
}

// idealPulse is a single symbol of the TX amplitude after pre-cursor zeros, followed by
// post-cursor zeros. A modeled source impedance halves the amplitude.
func idealPulse(cfg *Config) []float64 {
	t := &cfg.Transmitter
	p := make([]float64, cfg.CursorCount())
	p[t.PreCursorCount] = t.SignalAmplitude
	if t.IncludeSourceImpedance {
		p[t.PreCursorCount] /= 2
	}
	return p
}

// txTaps orders the TX FIR as pre_k..pre1, main, post1..post_k. The main tap takes whatever
// amplitude the other taps leave over.
func txTaps(cfg *Config) ([]float64, error) {
	eq := &cfg.Transmitter.EQ
	if !eq.AddEqualization {
		return []float64{1}, nil
	}
	main := 1.0
	for _, v := range eq.Pre {
		main -= math.Abs(v)
	}
	for _, v := range eq.Post {
		main -= math.Abs(v)
	}
	eq.Main.Value = main
	var err error
	if main <= 0 {
		err = fmt.Errorf("%w: main tap %.3f <= 0", ErrPreEmphasisBudget, main)
	}
	for _, v := range append(append([]float64(nil), eq.Pre...), eq.Post...) {
		if err == nil && math.Abs(v) >= math.Abs(main) {
			err = fmt.Errorf("%w: tap %.3f is not smaller than main tap %.3f", ErrPreEmphasisBudget, v, main)
		}
	}
	return firTaps(eq.Pre, main, eq.Post), err
}

func firTaps(pre []float64, main float64, post []float64) []float64 {
	taps := make([]float64, 0, len(pre)+len(post)+1)
	for i := len(pre) - 1; i >= 0; i-- {
		taps = append(taps, pre[i])
	}
	taps = append(taps, main)
	return append(taps, post...)
}

// upsample holds every symbol for all of its sps samples.
func upsample(symbols []float64, sps int) []float64 {
	out := make([]float64, len(symbols)*sps)
	for i, v := range symbols {
		for j := i * sps; j < (i+1)*sps; j++ {
			out[j] = v
		}
	}
	return out
}

// applyStep drives the channel step response with every edge of the input.
// Past the end of the step response, each edge holds the step's final value.
func applyStep(in, step []float64) []float64 {
	if len(in) < 2 || len(step) == 0 {
		return make([]float64, len(step))
	}
	n := len(step) + len(in) - 2
	out := make([]float64, n)
	final := step[len(step)-1]
	for i := 0; i < len(in)-1; i++ {
		d := in[i+1] - in[i]
		if d == 0 {
			continue
		}
		floats.AddScaled(out[i:i+len(step)], d, step)
		for j := i + len(step); j < n; j++ {
			out[j] += final * d
		}
	}
	return out
}

// applyMeasuredPulse replaces the channel with a measured pulse: the TX symbols around the TX
// peak are convolved with the measured pulse resampled on the simulation grid.
func applyMeasuredPulse(cfg *Config, in []float64, m *MeasuredPulse) []float64 {
	sps := cfg.General.SamplesPerSymb
	pre, post := cfg.Transmitter.PreCursorCount, cfg.Transmitter.PostCursorCount
	ts := cfg.SamplePeriod()

	grid := make([]float64, int(math.Ceil(m.Time[len(m.Time)-1]/ts)))
	for i := range grid {
		grid[i] = float64(i) * ts
	}
	pulse := make([]float64, pre*sps, pre*sps+len(grid)+post*sps)
	pulse = append(pulse, sigutil.InterpAll(grid, m.Time, m.Amplitude)...)
	pulse = append(pulse, make([]float64, post*sps)...)

	maxLoc := floats.MaxIdx(in)
	impulses := make([]float64, len(in))
	for i := maxLoc - pre*sps; i < maxLoc+post*sps; i += sps {
		if i >= 0 && i < len(in) {
			impulses[i] = in[i]
		}
	}
	return sigutil.Convolve(impulses, pulse)
}

// trimPulse keeps the content above 1% of the peak magnitude or the cursor window around the
// peak, whichever is longer.
func trimPulse(cfg *Config, x []float64) []float64 {
	if len(x) == 0 {
		return x
	}
	sps := float64(cfg.General.SamplesPerSymb)
	pol := cfg.General.SignalingMode.policy()
	pre, post := float64(cfg.Transmitter.PreCursorCount), float64(cfg.Transmitter.PostCursorCount)

	ax := sigutil.Abs(x)
	limit := 0.01 * floats.Max(ax)
	first, last := 0, len(x)-1
	for first < last && ax[first] < limit {
		first++
	}
	for last > first && ax[last] < limit {
		last--
	}
	peak := float64(sigutil.FindPeak(x))
	startC := sigutil.Round(peak-(pre+pol.trimPre)*sps) - 1
	endC := sigutil.Round(peak + (post+pol.trimPost)*sps)

	start := max(min(first, startC), 0)
	end := min(max(last+1, endC), len(x))
	return append([]float64(nil), x[start:end]...)
}

// cursorSum adds |x| at one sample per symbol over the cursor window around the peak.
// The window end is exclusive.
func cursorSum(cfg *Config, x []float64) float64 {
	sps := cfg.General.SamplesPerSymb
	pol := cfg.General.SignalingMode.policy()
	pre, post := float64(cfg.Transmitter.PreCursorCount), float64(cfg.Transmitter.PostCursorCount)
	peak := float64(sigutil.FindPeak(x))
	start := max(sigutil.Round(peak-(pre+pol.sumPre)*float64(sps)), 0)
	end := min(sigutil.Round(peak+(post+pol.sumPost)*float64(sps)), len(x))
	var sum float64
	for i := start; i < end; i += sps {
		sum += math.Abs(x[i])
	}
	return sum
}

// saturationLimit is the largest voltage the receiver front end can produce.
func saturationLimit(cfg *Config, inf *Influence) float64 {
	if s := inf.Distortion.Saturation(); s > 0 {
		return s
	}
	return cfg.Receiver.SignalAmplitude
}

// solveGain returns the gain that brings the cursor sum of x to the saturation limit,
// snapped to the knob's increment and bounds.
func solveGain(cfg *Config, inf *Influence, x []float64, knob Limited) float64 {
	sum := cursorSum(cfg, x)
	if sum == 0 {
		return knob.Value
	}
	return knob.snap(saturationLimit(cfg, inf) / sum)
}

func rxGain(cfg *Config, inf *Influence, thru []float64) float64 {
	r := &cfg.Receiver
	switch {
	case !r.AddGain:
		return 1
	case cfg.adaptive("receiver.preAmp.gain"):
		r.Gain.Value = solveGain(cfg, inf, thru, r.Gain)
		log.V(1).Infof("receiver.preAmp.gain solved: %.2f", r.Gain.Value)
	}
	return r.Gain.Value
}

func ffeTaps(cfg *Config, inf *Influence, thru []float64) []float64 {
	ffe := &cfg.Receiver.FFE
	if cfg.adaptive("receiver.FFE.taps.main") {
		ffe.Main.Value = solveGain(cfg, inf, thru, ffe.Main)
		log.V(1).Infof("receiver.FFE.taps.main solved: %.2f", ffe.Main.Value)
	}
	return firTaps(ffe.Pre, ffe.Main.Value, ffe.Post)
}

// applySymbolFIR sums copies of x delayed by one symbol per tap.
func applySymbolFIR(x, taps []float64, sps int) []float64 {
	out := make([]float64, len(x)+(len(taps)-1)*sps)
	for i, t := range taps {
		floats.AddScaled(out[i*sps:i*sps+len(x)], t, x)
	}
	return out
}

// applyDFE injects tap*supplyVoltage over each post-cursor symbol after the peak.
// It approximates decision feedback on the pulse; no decisions are simulated.
func applyDFE(cfg *Config, in []float64) []float64 {
	sps := cfg.General.SamplesPerSymb
	out := append([]float64(nil), in...)
	if len(out) < sps {
		return out
	}
	pol := cfg.General.SignalingMode.policy()
	peak := float64(sigutil.FindPeak(out))
	supply := cfg.Receiver.SignalAmplitude
	for i, tap := range cfg.Receiver.DFE.Post {
		p := float64(i + 1)
		start := sigutil.Clamp(sigutil.Round(peak+(p+pol.dfeOffset)*float64(sps)), 0, len(out)-sps)
		for j := start; j < start+sps; j++ {
			out[j] += tap * supply
		}
	}
	return out
}

// normalizeLength cuts the pulse to exactly cursorCount symbols around its peak, padding
// with zeros where the pulse is too short.
func normalizeLength(cfg *Config, name string, x []float64) []float64 {
	sps := cfg.General.SamplesPerSymb
	pol := cfg.General.SignalingMode.policy()
	pre := float64(cfg.Transmitter.PreCursorCount)

	// The average of the forward and reverse search lands in the middle of a plateau.
	rounded := make([]float64, len(x))
	for i, v := range x {
		rounded[i] = math.Round(v*1e4) / 1e4
	}
	p1 := sigutil.FindPeak(rounded)
	p2 := len(x) - 1 - sigutil.FindPeak(sigutil.Reverse(rounded))
	peak := float64(p1+p2) / 2

	start := sigutil.RoundHalfUp(peak - (pre+pol.windowPre)*float64(sps))
	end := start + cfg.CursorCount()*sps
	out := make([]float64, end-start)
	if start < 0 {
		log.Warningf("%s: having trouble finding the main cursor, padding %d samples", name, -start)
	}
	for i := range out {
		if j := start + i; j >= 0 && j < len(x) {
			out[i] = x[j]
		}
	}
	return out
}

// checkPulse flags saturation and, where the mode asks for it, a post-cursor larger than
// the main cursor. x is a length-normalized pulse.
func checkPulse(cfg *Config, x []float64) []error {
	var errs []error
	sps := cfg.General.SamplesPerSymb
	mainStart := cfg.Transmitter.PreCursorCount * sps

	main := sigutil.Abs(x[mainStart : mainStart+sps])
	phase := floats.MaxIdx(main)
	var sum float64
	for k := 0; k < cfg.CursorCount(); k++ {
		sum += math.Abs(x[k*sps+phase])
	}
	if supply := cfg.Receiver.SignalAmplitude; sum > supply*(1+1e-9) {
		err := fmt.Errorf("%w: cursor-window amplitude %.4g V exceeds supply %.4g V", ErrSignalSaturation, sum, supply)
		log.Warning(err)
		errs = append(errs, err)
	}

	if cfg.General.SignalingMode.policy().checkSecondCursor && cfg.Transmitter.PostCursorCount > 0 {
		second := floats.Max(sigutil.Abs(x[mainStart+sps : mainStart+2*sps]))
		if second > main[phase] {
			err := fmt.Errorf("%w: %.4g V > %.4g V", ErrDominantSecondCursor, second, main[phase])
			log.Warning(err)
			errs = append(errs, err)
		}
	}
	return errs
}
