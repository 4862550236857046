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

// The simulation configuration and its flat knob view.

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"statopt/sigutil"
)

// Limited is a knob value with the bounds and step an adaptation loop may use.
type Limited struct {
	Value     float64
	Min       float64
	Max       float64
	Increment float64
}

// snap rounds v to the nearest increment and clamps it to [Min, Max].
func (l Limited) snap(v float64) float64 {
	if l.Increment > 0 {
		v = math.Round(v/l.Increment) * l.Increment
	}
	return math.Max(math.Min(v, l.Max), l.Min)
}

// GeneralConfig holds the link-wide settings.
type GeneralConfig struct {
	SymbolRate     float64 // symbols/s
	SignalingMode  SignalingMode
	Modulation     int // PAM order
	SamplesPerSymb int
	YAxisLength    int // voltage bins, odd
	TargetBER      float64
	AddCoding      bool
	CodingGain     float64 // dB, divides the noise deviations
}

// JitterConfig describes one jitter source. All values are in UI.
type JitterConfig struct {
	AddJitter    bool
	StdDeviation float64
	Amplitude    float64 // sinusoidal, peak
	DCD          float64
}

// NoiseConfig describes one noise source referred to the receiver output, in volts.
type NoiseConfig struct {
	AddNoise     bool
	StdDeviation float64
	Amplitude    float64 // sinusoidal, peak
}

// TransmitterConfig holds the TX settings.
type TransmitterConfig struct {
	SignalAmplitude        float64
	IncludeSourceImpedance bool
	TRise                  float64 // seconds
	PreCursorCount         int
	PostCursorCount        int
	EQ                     EQConfig
	Jitter                 JitterConfig
	Noise                  NoiseConfig
	AddDistortion          bool
}

// EQConfig is a symbol-spaced FIR. Pre[0] is pre1, Post[0] is post1.
// The TX main tap is always derived; the RX FFE main tap is Main.
type EQConfig struct {
	AddEqualization bool
	Pre             []float64
	Post            []float64
	Main            Limited
}

// ChannelConfig holds the channel settings.
type ChannelConfig struct {
	AddCrossTalk     bool
	Approximate      bool // use the aggregate crosstalk channel instead of each NEXT/FEXT
	MakeAsynchronous bool
	OverrideResponse bool
	Noise            NoiseConfig
}

// CTLEConfig describes the CTLE zeros and two pole groups. Frequencies are in Hz.
type CTLEConfig struct {
	AddEqualization bool
	ZeroFreq        float64
	ZeroNumb        int
	Pole1Freq       float64
	Pole1Numb       int
	Pole2Freq       float64
	Pole2Numb       int
}

// ReceiverConfig holds the RX settings.
type ReceiverConfig struct {
	SignalAmplitude float64 // supply voltage; the voltage axis spans +/- this value
	AddGain         bool
	Gain            Limited
	CTLE            CTLEConfig
	FFE             EQConfig
	DFE             EQConfig // only Post is used
	Jitter          JitterConfig
	Noise           NoiseConfig
	AddDistortion   bool
}

// Config is the complete, typed input of one simulation pass.
type Config struct {
	General     GeneralConfig
	Transmitter TransmitterConfig
	Channel     ChannelConfig
	Receiver    ReceiverConfig
	// AdaptiveKnobs names knobs under closed-loop control. A listed receiver.preAmp.gain
	// or receiver.FFE.taps.main is solved from the saturation target instead of used as is.
	AdaptiveKnobs []string
}

// DefaultConfig returns an NRZ link with a pass-through-friendly setup.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			SymbolRate:     10e9,
			SignalingMode:  Standard,
			Modulation:     2,
			SamplesPerSymb: 32,
			YAxisLength:    701,
			TargetBER:      1e-12,
		},
		Transmitter: TransmitterConfig{
			SignalAmplitude: 1,
			PreCursorCount:  1,
			PostCursorCount: 3,
			EQ:              EQConfig{Main: Limited{Value: 1, Min: 0, Max: 1, Increment: 0.05}},
		},
		Channel: ChannelConfig{Approximate: true},
		Receiver: ReceiverConfig{
			SignalAmplitude: 1,
			Gain:            Limited{Value: 1, Min: 0.1, Max: 100, Increment: 0.1},
			CTLE: CTLEConfig{
				ZeroFreq: 1e9, ZeroNumb: 1,
				Pole1Freq: 5e9, Pole1Numb: 1,
				Pole2Freq: 10e9, Pole2Numb: 1,
			},
			FFE: EQConfig{Main: Limited{Value: 1, Min: -1, Max: 2, Increment: 0.05}},
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	n := *c
	n.Transmitter.EQ.Pre = slices.Clone(c.Transmitter.EQ.Pre)
	n.Transmitter.EQ.Post = slices.Clone(c.Transmitter.EQ.Post)
	n.Receiver.FFE.Pre = slices.Clone(c.Receiver.FFE.Pre)
	n.Receiver.FFE.Post = slices.Clone(c.Receiver.FFE.Post)
	n.Receiver.DFE.Post = slices.Clone(c.Receiver.DFE.Post)
	n.AdaptiveKnobs = slices.Clone(c.AdaptiveKnobs)
	return &n
}

// Validate checks the settings the pipeline relies on.
func (c *Config) Validate() error {
	g := &c.General
	switch {
	case g.SignalingMode < 0 || g.SignalingMode >= modeCount:
		return fmt.Errorf("invalid signaling mode %d", g.SignalingMode)
	case g.Modulation < 2:
		return fmt.Errorf("modulation = %d, want >= 2", g.Modulation)
	case g.SamplesPerSymb < 2:
		return fmt.Errorf("samplesPerSymb = %d, want >= 2", g.SamplesPerSymb)
	case g.YAxisLength < 3 || g.YAxisLength%2 == 0:
		return fmt.Errorf("yAxisLength = %d, want an odd number >= 3", g.YAxisLength)
	case g.SymbolRate <= 0:
		return fmt.Errorf("symbolRate = %g, want > 0", g.SymbolRate)
	case g.TargetBER <= 0 || g.TargetBER >= 0.5:
		return fmt.Errorf("targetBER = %g, want (0, 0.5)", g.TargetBER)
	}
	t := &c.Transmitter
	switch {
	case t.PreCursorCount < 0 || t.PostCursorCount < 0:
		return fmt.Errorf("cursor counts (%d, %d) must be >= 0", t.PreCursorCount, t.PostCursorCount)
	case g.SignalingMode.duobinary() && t.PostCursorCount < 1:
		return fmt.Errorf("%v signaling needs at least one post-cursor", g.SignalingMode)
	case t.SignalAmplitude <= 0:
		return fmt.Errorf("transmitter.signalAmplitude = %g, want > 0", t.SignalAmplitude)
	}
	r := &c.Receiver
	if r.SignalAmplitude <= 0 {
		return fmt.Errorf("receiver.signalAmplitude = %g, want > 0", r.SignalAmplitude)
	}
	if ctle := &r.CTLE; ctle.AddEqualization {
		if ctle.ZeroNumb < 0 || ctle.Pole1Numb < 0 || ctle.Pole2Numb < 0 {
			return fmt.Errorf("negative CTLE zero/pole count")
		}
		if ctle.ZeroNumb > ctle.Pole1Numb+ctle.Pole2Numb {
			return fmt.Errorf("CTLE has %d zeros and %d poles, the response must be proper",
				ctle.ZeroNumb, ctle.Pole1Numb+ctle.Pole2Numb)
		}
		if (ctle.ZeroNumb > 0 && ctle.ZeroFreq <= 0) || (ctle.Pole1Numb > 0 && ctle.Pole1Freq <= 0) ||
			(ctle.Pole2Numb > 0 && ctle.Pole2Freq <= 0) {
			return fmt.Errorf("CTLE frequencies must be > 0")
		}
	}
	return nil
}

// Modulation is the effective PAM order. Clock patterns are always binary.
func (c *Config) Modulation() int {
	if c.General.SignalingMode == Clock {
		return 2
	}
	return c.General.Modulation
}

// LevelCount is the number of received data levels.
func (c *Config) LevelCount() int {
	return c.General.SignalingMode.policy().levels(c.Modulation())
}

// SamplerCount is the number of decision thresholds (eyes).
func (c *Config) SamplerCount() int { return c.LevelCount() - 1 }

// CursorCount is pre + main + post.
func (c *Config) CursorCount() int {
	return c.Transmitter.PreCursorCount + c.Transmitter.PostCursorCount + 1
}

// SymbolPeriod is one UI in seconds.
func (c *Config) SymbolPeriod() float64 { return 1 / c.General.SymbolRate }

// SamplePeriod is the simulation time step.
func (c *Config) SamplePeriod() float64 {
	return 1 / (c.General.SymbolRate * float64(c.General.SamplesPerSymb))
}

// VoltageAxis spans [-V, V] over YAxisLength bins; 0 V is the centre bin.
func (c *Config) VoltageAxis() []float64 {
	v := c.Receiver.SignalAmplitude
	return sigutil.Linspace(-v, v, c.General.YAxisLength)
}

// VoltageIncrement is the bin width of the voltage axis.
func (c *Config) VoltageIncrement() float64 {
	return 2 * c.Receiver.SignalAmplitude / float64(c.General.YAxisLength-1)
}

// TimeAxis holds one symbol of sample times centred on 0.
func (c *Config) TimeAxis() []float64 {
	sps := c.General.SamplesPerSymb
	ts := c.SamplePeriod()
	x := make([]float64, sps)
	for i := range x {
		x[i] = float64(i-sps/2) * ts
	}
	return x
}

func (c *Config) adaptive(name string) bool {
	return slices.Contains(c.AdaptiveKnobs, name)
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// Knobs is a flat map of named knob values, e.g. "transmitter.EQ.taps.pre1" or
// "receiver.CTLE.zeroFreq". Booleans are 0 or 1.
type Knobs map[string]float64

type knob struct {
	get func(c *Config) float64
	set func(c *Config, v float64)
}

func floatKnob(p func(c *Config) *float64) knob {
	return knob{
		get: func(c *Config) float64 { return *p(c) },
		set: func(c *Config, v float64) { *p(c) = v },
	}
}

func intKnob(p func(c *Config) *int) knob {
	return knob{
		get: func(c *Config) float64 { return float64(*p(c)) },
		set: func(c *Config, v float64) { *p(c) = int(math.Round(v)) },
	}
}

func boolKnob(p func(c *Config) *bool) knob {
	return knob{
		get: func(c *Config) float64 {
			if *p(c) {
				return 1
			}
			return 0
		},
		set: func(c *Config, v float64) { *p(c) = v != 0 },
	}
}

func addLimited(t map[string]knob, name string, p func(c *Config) *Limited) {
	t[name] = floatKnob(func(c *Config) *float64 { return &p(c).Value })
	t[name+".minValue"] = floatKnob(func(c *Config) *float64 { return &p(c).Min })
	t[name+".maxValue"] = floatKnob(func(c *Config) *float64 { return &p(c).Max })
	t[name+".increment"] = floatKnob(func(c *Config) *float64 { return &p(c).Increment })
}

func addJitter(t map[string]knob, prefix string, p func(c *Config) *JitterConfig) {
	t[prefix+".addJitter"] = boolKnob(func(c *Config) *bool { return &p(c).AddJitter })
	t[prefix+".stdDeviation"] = floatKnob(func(c *Config) *float64 { return &p(c).StdDeviation })
	t[prefix+".amplitude"] = floatKnob(func(c *Config) *float64 { return &p(c).Amplitude })
	t[prefix+".DCD"] = floatKnob(func(c *Config) *float64 { return &p(c).DCD })
}

func addNoise(t map[string]knob, prefix string, p func(c *Config) *NoiseConfig) {
	t[prefix+".addNoise"] = boolKnob(func(c *Config) *bool { return &p(c).AddNoise })
	t[prefix+".stdDeviation"] = floatKnob(func(c *Config) *float64 { return &p(c).StdDeviation })
	t[prefix+".amplitude"] = floatKnob(func(c *Config) *float64 { return &p(c).Amplitude })
}

// knobTable lists every scalar knob. Tap knobs are resolved by tapGroups.
var knobTable = func() map[string]knob {
	t := map[string]knob{
		"general.symbolRate": floatKnob(func(c *Config) *float64 { return &c.General.SymbolRate }),
		"general.signalingMode": {
			get: func(c *Config) float64 { return float64(c.General.SignalingMode) },
			set: func(c *Config, v float64) { c.General.SignalingMode = SignalingMode(math.Round(v)) },
		},
		"general.modulation":     intKnob(func(c *Config) *int { return &c.General.Modulation }),
		"general.samplesPerSymb": intKnob(func(c *Config) *int { return &c.General.SamplesPerSymb }),
		"general.yAxisLength":    intKnob(func(c *Config) *int { return &c.General.YAxisLength }),
		"general.targetBER":      floatKnob(func(c *Config) *float64 { return &c.General.TargetBER }),
		"general.codingGain.addCoding": boolKnob(func(c *Config) *bool {
			return &c.General.AddCoding
		}),
		"general.codingGain.gain": floatKnob(func(c *Config) *float64 { return &c.General.CodingGain }),

		"transmitter.signalAmplitude": floatKnob(func(c *Config) *float64 {
			return &c.Transmitter.SignalAmplitude
		}),
		"transmitter.includeSourceImpedance": boolKnob(func(c *Config) *bool {
			return &c.Transmitter.IncludeSourceImpedance
		}),
		"transmitter.tRise":           floatKnob(func(c *Config) *float64 { return &c.Transmitter.TRise }),
		"transmitter.preCursorCount":  intKnob(func(c *Config) *int { return &c.Transmitter.PreCursorCount }),
		"transmitter.postCursorCount": intKnob(func(c *Config) *int { return &c.Transmitter.PostCursorCount }),
		"transmitter.EQ.addEqualization": boolKnob(func(c *Config) *bool {
			return &c.Transmitter.EQ.AddEqualization
		}),
		"transmitter.distortion.addDistortion": boolKnob(func(c *Config) *bool {
			return &c.Transmitter.AddDistortion
		}),

		"channel.addCrossTalk":     boolKnob(func(c *Config) *bool { return &c.Channel.AddCrossTalk }),
		"channel.approximate":      boolKnob(func(c *Config) *bool { return &c.Channel.Approximate }),
		"channel.makeAsynchronous": boolKnob(func(c *Config) *bool { return &c.Channel.MakeAsynchronous }),
		"channel.overrideResponse": boolKnob(func(c *Config) *bool { return &c.Channel.OverrideResponse }),

		"receiver.signalAmplitude": floatKnob(func(c *Config) *float64 { return &c.Receiver.SignalAmplitude }),
		"receiver.preAmp.addGain":  boolKnob(func(c *Config) *bool { return &c.Receiver.AddGain }),
		"receiver.CTLE.addEqualization": boolKnob(func(c *Config) *bool {
			return &c.Receiver.CTLE.AddEqualization
		}),
		"receiver.CTLE.zeroFreq":  floatKnob(func(c *Config) *float64 { return &c.Receiver.CTLE.ZeroFreq }),
		"receiver.CTLE.zeroNumb":  intKnob(func(c *Config) *int { return &c.Receiver.CTLE.ZeroNumb }),
		"receiver.CTLE.pole1Freq": floatKnob(func(c *Config) *float64 { return &c.Receiver.CTLE.Pole1Freq }),
		"receiver.CTLE.pole1Numb": intKnob(func(c *Config) *int { return &c.Receiver.CTLE.Pole1Numb }),
		"receiver.CTLE.pole2Freq": floatKnob(func(c *Config) *float64 { return &c.Receiver.CTLE.Pole2Freq }),
		"receiver.CTLE.pole2Numb": intKnob(func(c *Config) *int { return &c.Receiver.CTLE.Pole2Numb }),
		"receiver.FFE.addEqualization": boolKnob(func(c *Config) *bool {
			return &c.Receiver.FFE.AddEqualization
		}),
		"receiver.DFE.addEqualization": boolKnob(func(c *Config) *bool {
			return &c.Receiver.DFE.AddEqualization
		}),
		"receiver.distortion.addDistortion": boolKnob(func(c *Config) *bool {
			return &c.Receiver.AddDistortion
		}),
	}
	addLimited(t, "receiver.preAmp.gain", func(c *Config) *Limited { return &c.Receiver.Gain })
	// The TX main tap is recomputed every pass; the knob only records the last value.
	addLimited(t, "transmitter.EQ.taps.main", func(c *Config) *Limited { return &c.Transmitter.EQ.Main })
	addLimited(t, "receiver.FFE.taps.main", func(c *Config) *Limited { return &c.Receiver.FFE.Main })
	addJitter(t, "transmitter.jitter", func(c *Config) *JitterConfig { return &c.Transmitter.Jitter })
	addJitter(t, "receiver.jitter", func(c *Config) *JitterConfig { return &c.Receiver.Jitter })
	addNoise(t, "transmitter.noise", func(c *Config) *NoiseConfig { return &c.Transmitter.Noise })
	addNoise(t, "channel.noise", func(c *Config) *NoiseConfig { return &c.Channel.Noise })
	addNoise(t, "receiver.noise", func(c *Config) *NoiseConfig { return &c.Receiver.Noise })
	return t
}()

// tapGroups maps a knob prefix to its pre/post tap lists.
var tapGroups = map[string]func(c *Config) *EQConfig{
	"transmitter.EQ.taps.": func(c *Config) *EQConfig { return &c.Transmitter.EQ },
	"receiver.FFE.taps.":   func(c *Config) *EQConfig { return &c.Receiver.FFE },
	"receiver.DFE.taps.":   func(c *Config) *EQConfig { return &c.Receiver.DFE },
}

// tapRef resolves "<group>.taps.preN" / "postN" to the tap slice, its 0-based index and the
// cursor count that bounds the index.
func tapRef(c *Config, name string) (taps *[]float64, i, limit int, ok bool) {
	for prefix, eq := range tapGroups {
		rest, found := strings.CutPrefix(name, prefix)
		if !found {
			continue
		}
		var num string
		switch {
		case strings.HasPrefix(rest, "post"):
			taps, num, limit = &eq(c).Post, rest[len("post"):], c.Transmitter.PostCursorCount
		case strings.HasPrefix(rest, "pre"):
			taps, num, limit = &eq(c).Pre, rest[len("pre"):], c.Transmitter.PreCursorCount
		default:
			return nil, 0, 0, false
		}
		n, err := strconv.Atoi(num)
		if err != nil || n < 1 {
			return nil, 0, 0, false
		}
		return taps, n - 1, limit, true
	}
	return nil, 0, 0, false
}

// normalizeKnob drops a trailing ".value", so "x.gain.value" and "x.gain" name the same knob.
func normalizeKnob(name string) string {
	return strings.TrimSuffix(name, ".value")
}

// SetKnob assigns one knob. A tap knob may only add taps up to the configured cursor count.
func (c *Config) SetKnob(name string, v float64) error {
	name = normalizeKnob(name)
	if k, ok := knobTable[name]; ok {
		k.set(c, v)
		return nil
	}
	if taps, i, limit, ok := tapRef(c, name); ok {
		if i >= max(len(*taps), limit) {
			return fmt.Errorf("knob %q: tap %d is beyond the %d configured cursors", name, i+1, limit)
		}
		for len(*taps) <= i {
			*taps = append(*taps, 0)
		}
		(*taps)[i] = v
		return nil
	}
	return fmt.Errorf("unknown knob %q", name)
}

// Knob reads one knob.
func (c *Config) Knob(name string) (float64, error) {
	name = normalizeKnob(name)
	if k, ok := knobTable[name]; ok {
		return k.get(c), nil
	}
	if taps, i, _, ok := tapRef(c, name); ok {
		if i < len(*taps) {
			return (*taps)[i], nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unknown knob %q", name)
}

// ApplyKnobs assigns every knob of k. Scalar knobs go first so that tap knobs see the cursor
// counts of the same set; within each group knobs are applied in name order so that errors
// are reported deterministically.
func (c *Config) ApplyKnobs(k Knobs) error {
	var scalars, taps []string
	for n := range k {
		if _, ok := knobTable[normalizeKnob(n)]; ok {
			scalars = append(scalars, n)
		} else {
			taps = append(taps, n)
		}
	}
	slices.Sort(scalars)
	slices.Sort(taps)
	for _, n := range append(scalars, taps...) {
		if err := c.SetKnob(n, k[n]); err != nil {
			return err
		}
	}
	return nil
}

// Knobs exports every scalar knob and every configured tap.
func (c *Config) Knobs() Knobs {
	k := make(Knobs, len(knobTable)+16)
	for n, kn := range knobTable {
		k[n] = kn.get(c)
	}
	for prefix, eq := range tapGroups {
		e := eq(c)
		for i, v := range e.Pre {
			k[fmt.Sprintf("%spre%d", prefix, i+1)] = v
		}
		for i, v := range e.Post {
			k[fmt.Sprintf("%spost%d", prefix, i+1)] = v
		}
	}
	return k
}
