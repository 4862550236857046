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

// Package sigutil holds the sampled-signal primitives used by every simulation stage:
// convolution, interpolation, histograms, peak search and LTI simulation.
// All stages go through this package so that the peak and rounding policies stay identical
// across the pulse chain, the BER extractor and the eye metrology.
package sigutil

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Convolve returns the full discrete convolution of a and b (length len(a)+len(b)-1).
// Zero entries of a are skipped; most distributions are sparse.
func Convolve(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := make([]float64, len(a)+len(b)-1)
	for i, av := range a {
		if av == 0 {
			continue
		}
		floats.AddScaled(out[i:i+len(b)], av, b)
	}
	return out
}

// CenterCrop convolves a with kernel and keeps len(a) samples aligned on the kernel centre.
// An odd-length kernel keeps a in place; an even one shifts it by half a sample to the left.
func CenterCrop(a, kernel []float64) []float64 {
	full := Convolve(a, kernel)
	if full == nil {
		return make([]float64, len(a))
	}
	start := (len(kernel) - 1) / 2
	out := make([]float64, len(a))
	copy(out, full[start:start+len(a)])
	return out
}

// Interp linearly interpolates a single point on the increasing xp,
// clamped to fp[0] and fp[len-1] outside the range.
func Interp(x float64, xp, fp []float64) float64 {
	n := len(xp)
	if n == 0 {
		return 0
	}
	if x <= xp[0] {
		return fp[0]
	}
	if x >= xp[n-1] {
		return fp[n-1]
	}
	j := sort.SearchFloat64s(xp, x)
	if xp[j] == x {
		return fp[j]
	}
	x0, x1 := xp[j-1], xp[j]
	return fp[j-1] + (fp[j]-fp[j-1])*(x-x0)/(x1-x0)
}

// InterpAll interpolates every point of x.
func InterpAll(x, xp, fp []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = Interp(v, xp, fp)
	}
	return out
}

// Histogram counts values into the bins given by the increasing edges. Bins are half open
// except the last one, which includes its right edge. Values outside the edges are dropped.
func Histogram(values, edges []float64) []float64 {
	if len(edges) < 2 {
		return nil
	}
	counts := make([]float64, len(edges)-1)
	last := len(edges) - 1
	for _, v := range values {
		if v < edges[0] || v > edges[last] {
			continue
		}
		i := sort.SearchFloat64s(edges, v)
		switch {
		case i == last:
			i = last - 1
		case edges[i] != v:
			i--
		}
		if i < 0 {
			i = 0
		}
		counts[i]++
	}
	return counts
}

// Normalize scales x in place to sum to one. An all-zero x is left untouched.
func Normalize(x []float64) []float64 {
	if s := floats.Sum(x); s != 0 {
		floats.Scale(1/s, x)
	}
	return x
}

// Linspace returns n evenly spaced samples over [lo, hi].
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}

// Round rounds half away from zero, the same way index windows are placed everywhere.
func Round(x float64) int {
	return int(math.Round(x))
}

// RoundHalfUp rounds x.5 towards +inf. Window edges use it so a window centred on a
// half-sample peak is placed symmetrically.
func RoundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// Abs returns |x| element-wise.
func Abs(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Abs(v)
	}
	return out
}

// Reverse returns x in reverse order.
func Reverse(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[len(x)-1-i] = v
	}
	return out
}

// Clamp limits i to [lo, hi].
func Clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}
