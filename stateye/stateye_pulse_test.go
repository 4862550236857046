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

import (
	"errors"
	"math"
	"slices"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// symbolPulse builds a pulse of sps-sample symbols, one value per symbol.
func symbolPulse(sps int, symbols ...float64) []float64 {
	var x []float64
	for _, v := range symbols {
		for i := 0; i < sps; i++ {
			x = append(x, v)
		}
	}
	return x
}

// The cursor window stops short of the symbol after the last post-cursor.
func TestCursorSum(t *testing.T) {
	cfg := testConfig()
	x := make([]float64, 48)
	x[7], x[23], x[39] = 0.1, 1.0, 0.3
	x[22], x[24] = 0.5, 0.5
	if got := cursorSum(cfg, x); math.Abs(got-1.1) > 1e-12 {
		t.Errorf("got %g, want 1.1", got)
	}

	// Raising the post-cursor count brings the next symbol into the window.
	cfg.Transmitter.PostCursorCount = 2
	if got := cursorSum(cfg, x); math.Abs(got-1.4) > 1e-12 {
		t.Errorf("two post-cursors: got %g, want 1.4", got)
	}
}

func TestUpsample(t *testing.T) {
	got := upsample([]float64{0, 0.5, -0.25}, 4)
	want := []float64{0, 0, 0, 0, 0.5, 0.5, 0.5, 0.5, -0.25, -0.25, -0.25, -0.25}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// Each DFE tap adds tap*supply over one symbol, starting half a symbol after the
// post-cursor's nominal position.
func TestApplyDFE(t *testing.T) {
	cfg := testConfig()
	cfg.Receiver.SignalAmplitude = 0.8
	cfg.Receiver.DFE = EQConfig{AddEqualization: true, Post: []float64{0.1, -0.05}}
	in := make([]float64, 64)
	in[24] = 1

	got := applyDFE(cfg, in)
	want := make([]float64, 64)
	want[24] = 1
	for j := 32; j < 48; j++ {
		want[j] = 0.1 * 0.8
	}
	for j := 48; j < 64; j++ {
		want[j] = -0.05 * 0.8
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("sample %d = %g, want %g", i, got[i], want[i])
		}
	}
	if floats.Sum(in) != 1 {
		t.Errorf("the input pulse was modified")
	}

	// A tap past the end of the pulse is pinned to the last symbol.
	cfg.Receiver.DFE.Post = []float64{0, 0, 0.2}
	got = applyDFE(cfg, in)
	for j := 48; j < 64; j++ {
		if math.Abs(got[j]-0.2*0.8) > 1e-12 {
			t.Fatalf("sample %d = %g, want %g", j, got[j], 0.2*0.8)
		}
	}
}

func TestCheckPulse(t *testing.T) {
	tests := []struct {
		name string
		mode SignalingMode
		x    []float64
		want []error
	}{
		{"clean", HalfDuobinary, symbolPulse(16, 0, 0.4, 0.2), nil},
		{"second cursor dominates", HalfDuobinary, symbolPulse(16, 0, 0.2, 0.4), []error{ErrDominantSecondCursor}},
		{"second cursor ignored", Standard, symbolPulse(16, 0, 0.2, 0.4), nil},
		{"saturation", Standard, symbolPulse(16, 0.3, 0.5, 0.3), []error{ErrSignalSaturation}},
		{"both", HalfDuobinary, symbolPulse(16, 0.2, 0.4, 0.5), []error{ErrSignalSaturation, ErrDominantSecondCursor}},
	}
	for _, tc := range tests {
		cfg := testConfig()
		cfg.General.SignalingMode = tc.mode
		got := checkPulse(cfg, tc.x)
		if len(got) != len(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if !errors.Is(got[i], tc.want[i]) {
				t.Errorf("%s: error %d is %v, want %v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

// A measured pulse replaces the thru channel: the main cursor of the final pulse follows its
// triangular shape instead of the flat ideal channel.
func TestMeasuredPulse(t *testing.T) {
	cfg := testConfig()
	cfg.Channel.OverrideResponse = true
	ts := cfg.SamplePeriod()
	src := &InfluenceSources{
		Override: &MeasuredPulse{Time: []float64{0, 16 * ts, 32 * ts}, Amplitude: []float64{0, 1, 0}},
	}
	p := runPass(t, cfg, src)

	if !p.Result.Successful {
		t.Fatalf("unsuccessful: %v", p.Failures)
	}
	final := p.Pulses.Thru().Final().Samples
	main := final[16:32]
	if got := floats.Max(main); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("main cursor peak %g, want 0.5", got)
	}
	if got := floats.MaxIdx(main); got != 8 {
		t.Errorf("main cursor peaks at %d, want 8", got)
	}
	if got := floats.Min(main); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("main cursor minimum %g, want 0.25", got)
	}
	if p.BER.EyeX != 8 {
		t.Errorf("eye centre at column %d, want 8", p.BER.EyeX)
	}

	// Without the override switch the measured pulse is ignored.
	cfg.Channel.OverrideResponse = false
	p = runPass(t, cfg, src)
	for i, v := range p.Pulses.Thru().Final().Samples[16:32] {
		if math.Abs(v-0.5) > 1e-12 {
			t.Fatalf("ideal main cursor [%d] = %g, want 0.5", i, v)
		}
	}
}
