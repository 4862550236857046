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

// Peak search.

import (
	"math"
	"sort"
)

// LocalMaxima returns the indices of all local maxima of x. A flat peak (plateau) reports its
// middle sample, rounded down. The first and last samples are never peaks.
func LocalMaxima(x []float64) []int {
	peaks := make([]int, 0, 8)
	iMax := len(x) - 1
	for i := 1; i < iMax; i++ {
		if x[i-1] >= x[i] {
			continue
		}
		ahead := i + 1
		for ahead < iMax && x[ahead] == x[i] {
			ahead++
		}
		if x[ahead] < x[i] {
			peaks = append(peaks, (i+ahead-1)/2)
			i = ahead - 1
		}
	}
	return peaks
}

// FindPeaks returns the local maxima of x that are at least distance samples apart.
// Higher peaks win; among equal heights the later peak wins. The result is sorted by index.
func FindPeaks(x []float64, distance int) []int {
	peaks := LocalMaxima(x)
	if distance <= 1 || len(peaks) < 2 {
		return peaks
	}
	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[peaks[order[a]]] < x[peaks[order[b]]] })

	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for i := len(order) - 1; i >= 0; i-- {
		j := order[i]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < len(peaks) && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}
	out := peaks[:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// FindPeak returns the index of the highest local maximum of |x|, or 0 if |x| has none.
func FindPeak(x []float64) int {
	ax := Abs(x)
	best, height := 0, math.Inf(-1)
	for _, p := range LocalMaxima(ax) {
		if ax[p] > height {
			best, height = p, ax[p]
		}
	}
	return best
}

// SpacedPeaks widens the minimum spacing, starting at 2 in steps of 2, until FindPeaks returns
// no more than want peaks. ok is false when the final count is not exactly want.
func SpacedPeaks(x []float64, want int) (peaks []int, spacing int, ok bool) {
	spacing = 2
	peaks = FindPeaks(x, spacing)
	for len(peaks) > want && spacing < len(x) {
		spacing += 2
		peaks = FindPeaks(x, spacing)
	}
	return peaks, spacing, len(peaks) == want
}
