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
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMakeAsynchronous(t *testing.T) {
	d := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		0, 0,
	})
	makeAsynchronous(d)
	want := mat.NewDense(3, 2, []float64{
		0.5, 0.5,
		0.5, 0.5,
		0, 0,
	})
	if !mat.EqualApprox(d, want, 1e-12) {
		t.Errorf("got %v, want %v", mat.Formatted(d), mat.Formatted(want))
	}
}

// An asynchronous aggressor has the same distribution at every sampling instant.
func TestAsynchronousDisturbance(t *testing.T) {
	cfg := testConfig()
	sps := cfg.General.SamplesPerSymb
	pulse := make([]float64, 3*sps)
	for i := 0; i < sps; i++ {
		pulse[sps+i] = 0.02 * float64(i)
		pulse[2*sps+i] = 0.1
	}
	en := Enumerate(EnumerationKey{Mode: Standard, Modulation: 2, Pre: 1, Post: 1})
	tr := Trajectories(SplitPulse(pulse, sps, 1, 1), en)

	sync := disturbance(cfg, en, tr)
	if mat.Equal(sync.ColView(0), sync.ColView(sps-1)) {
		t.Fatalf("synchronous disturbance is constant over time")
	}

	cfg.Channel.MakeAsynchronous = true
	async := disturbance(cfg, en, tr)
	for j := 0; j < sps; j++ {
		if !mat.EqualApprox(async.ColView(j), async.ColView(0), 1e-12) {
			t.Fatalf("column %d differs from column 0", j)
		}
		if s := mat.Sum(async.ColView(j)); math.Abs(s-1) > 1e-12 {
			t.Fatalf("column %d sums to %g", j, s)
		}
	}
}

// A distorted voltage between two bins splits its mass by the fractional bin index.
func TestDistortionSplit(t *testing.T) {
	cfg := testConfig()
	cfg.General.YAxisLength = 5 // -1, -0.5, 0, 0.5, 1 V
	inf := &Influence{Distortion: DistortionCurve{
		Input:  cfg.VoltageAxis(),
		Output: []float64{-1, -0.5, 0.25, 0.625, 1},
	}}
	in := mat.NewDense(5, 2, []float64{
		0, 0,
		0, 0,
		1, 0, // 0 V maps to bin 2.5
		0, 1, // 0.5 V maps to bin 3.25
		0, 0,
	})
	out := distortionStage(cfg, inf, newStage(StageInitial, []*mat.Dense{in}))

	want := mat.NewDense(5, 2, []float64{
		0, 0,
		0, 0,
		0.5, 0,
		0.5, 0.75,
		0, 0.25,
	})
	if got := out.Transitions[0]; !mat.EqualApprox(got, want, 1e-12) {
		t.Errorf("got %v, want %v", mat.Formatted(got), mat.Formatted(want))
	}
	if out.Stage != StageDistortion {
		t.Errorf("stage %v, want %v", out.Stage, StageDistortion)
	}
}
