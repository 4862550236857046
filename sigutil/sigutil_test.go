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

func almostEqual(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func TestConvolve(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want []float64
	}{
		{"box", []float64{1, 2}, []float64{1, 1, 1}, []float64{1, 3, 3, 2}},
		{"impulse", []float64{0, 1, 0}, []float64{0.2, 0.8}, []float64{0, 0.2, 0.8, 0}},
		{"empty", nil, []float64{1}, nil},
	}
	for _, tc := range tests {
		got := Convolve(tc.a, tc.b)
		if !almostEqual(got, tc.want, 1e-12) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

// An odd kernel keeps the input centred.
func TestCenterCrop(t *testing.T) {
	got := CenterCrop([]float64{0, 1, 0}, []float64{0.25, 0.5, 0.25})
	want := []float64{0.25, 0.5, 0.25}
	if !almostEqual(got, want, 1e-12) {
		t.Errorf("got %v, want %v", got, want)
	}
	got = CenterCrop([]float64{0, 0, 1, 0, 0}, []float64{1})
	want = []float64{0, 0, 1, 0, 0}
	if !almostEqual(got, want, 0) {
		t.Errorf("identity kernel: got %v, want %v", got, want)
	}
}

func TestInterp(t *testing.T) {
	xp := []float64{0, 1, 2}
	fp := []float64{0, 10, 20}
	tests := []struct {
		x, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.5, 5},
		{1, 10},
		{1.75, 17.5},
		{2, 20},
		{3, 20},
	}
	for _, tc := range tests {
		if got := Interp(tc.x, xp, fp); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Interp(%g): got %g, want %g", tc.x, got, tc.want)
		}
	}
}

// The last bin is closed; values outside the edges are dropped.
func TestHistogram(t *testing.T) {
	edges := []float64{0, 1, 2, 3}
	values := []float64{0, 0.5, 1, 2.5, 3, 3.5, -1}
	got := Histogram(values, edges)
	want := []float64{2, 1, 2}
	if !almostEqual(got, want, 0) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float64{1, 3})
	if !almostEqual(got, []float64{0.25, 0.75}, 1e-15) {
		t.Errorf("got %v, want [0.25 0.75]", got)
	}
	zero := Normalize([]float64{0, 0})
	if !almostEqual(zero, []float64{0, 0}, 0) {
		t.Errorf("all-zero: got %v, want [0 0]", zero)
	}
}

func TestLinspace(t *testing.T) {
	got := Linspace(0, 1, 5)
	if !almostEqual(got, []float64{0, 0.25, 0.5, 0.75, 1}, 1e-15) {
		t.Errorf("got %v", got)
	}
	if got := Linspace(0, 1, 0); got != nil {
		t.Errorf("n=0: got %v, want nil", got)
	}
}

func TestRounding(t *testing.T) {
	tests := []struct {
		x             float64
		round, halfUp int
	}{
		{2.5, 3, 3},
		{-0.5, -1, 0},
		{-1.5, -2, -1},
		{1.49, 1, 1},
	}
	for _, tc := range tests {
		if got := Round(tc.x); got != tc.round {
			t.Errorf("Round(%g): got %d, want %d", tc.x, got, tc.round)
		}
		if got := RoundHalfUp(tc.x); got != tc.halfUp {
			t.Errorf("RoundHalfUp(%g): got %d, want %d", tc.x, got, tc.halfUp)
		}
	}
}
