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

package sigutil

import (
	"math"
	"testing"
)

const (
	testPole = 2 * math.Pi * 1e9
	testDt   = 1e-11
)

func ones(n int) []float64 {
	u := make([]float64, n)
	for i := range u {
		u[i] = 1
	}
	return u
}

// A constant input is reproduced exactly by the first-order hold.
func TestLagStep(t *testing.T) {
	y := Lag(testPole).Simulate(ones(500), testDt)
	for k, got := range y {
		want := 1 - math.Exp(-testPole*float64(k)*testDt)
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("y[%d]: got %g, want %g", k, got, want)
		}
	}
}

// Every section has unity DC gain, so the step response settles at 1.
func TestDCGain(t *testing.T) {
	tests := []struct {
		name string
		ss   *StateSpace
		y0   float64
	}{
		{"gain", Gain(2), 2},
		{"lag", Lag(testPole), 0},
		{"lead-lag", LeadLag(testPole/4, testPole), 4},
		{"series", Series(LeadLag(testPole/4, testPole), Lag(2*testPole)), 0},
	}
	for _, tc := range tests {
		y := tc.ss.Simulate(ones(3000), testDt)
		final := 1.0
		if tc.ss.Order() == 0 {
			final = tc.y0
		}
		if math.Abs(y[0]-tc.y0) > 1e-9 {
			t.Errorf("%s: y[0] = %g, want %g", tc.name, y[0], tc.y0)
		}
		if got := y[len(y)-1]; math.Abs(got-final) > 1e-6 {
			t.Errorf("%s: final value %g, want %g", tc.name, got, final)
		}
	}
}

func TestSeriesOrder(t *testing.T) {
	ss := Series(Series(Gain(1), Lag(testPole)), LeadLag(testPole, 2*testPole))
	if got := ss.Order(); got != 2 {
		t.Errorf("got order %d, want 2", got)
	}
}
