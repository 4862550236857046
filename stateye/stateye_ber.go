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
	"fmt"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"statopt/sigutil"
)

// BERResult holds the BER surfaces, the eye centres and the bathtub curves of one pass.
// A failed extraction leaves everything but the surfaces empty.
type BERResult struct {
	Levels   []*mat.Dense // final distribution bucketed by data level
	Samplers []*mat.Dense // one surface per decision threshold
	Combined *mat.Dense   // elementwise minimum over Samplers

	EyeX int   // time index of every eye centre
	EyeY []int // voltage index of each eye centre, ascending

	Vertical   []float64   // Combined[:, EyeX]
	Horizontal [][]float64 // Combined[EyeY[i], :]
}

// Found reports whether the eye centres were located.
func (b *BERResult) Found() bool { return b != nil && len(b.EyeY) > 0 }

// ExtractBER computes the BER surfaces of the final distributions and locates the eyes.
// Any failure, including a panic on degenerate data, is returned as ErrEyeGeometry together
// with a result that has no eyes.
func ExtractBER(cfg *Config, en *Enumeration, final *StageDistributions) (res *BERResult, err error) {
	res = new(BERResult)
	defer func() {
		if r := recover(); r != nil {
			res = &BERResult{Combined: res.Combined}
			err = fmt.Errorf("%w: %v", ErrEyeGeometry, r)
		}
		if err != nil {
			log.Warningf("BER generation failed: %v", err)
		}
	}()

	res.Levels = levelBuckets(en, final)
	res.Samplers = samplerSurfaces(cfg, res.Levels)
	res.Combined = mat.DenseCopyOf(res.Samplers[0])
	r, c := res.Combined.Dims()
	for _, s := range res.Samplers[1:] {
		for i := 0; i < r; i++ {
			row, srow := res.Combined.RawRowView(i), s.RawRowView(i)
			for j := range row {
				row[j] = min(row[j], srow[j])
			}
		}
	}

	// Horizontal centre: the mean of every column with the smallest total BER.
	sums := make([]float64, c)
	for j := range sums {
		sums[j] = mat.Sum(res.Combined.ColView(j))
	}
	lowest := floats.Min(sums)
	var idx, n int
	for j, s := range sums {
		if s == lowest {
			idx += j
			n++
		}
	}
	x := sigutil.Round(float64(idx) / float64(n))

	// Vertical centres: the valleys of the BER column at x.
	col := mat.Col(nil, x, res.Combined)
	neg := make([]float64, len(col))
	floats.ScaleTo(neg, -1, col)
	y, spacing, ok := sigutil.SpacedPeaks(neg, cfg.SamplerCount())
	if !ok {
		return &BERResult{Levels: res.Levels, Samplers: res.Samplers, Combined: res.Combined},
			fmt.Errorf("%w: found %d eyes, want %d", ErrEyeGeometry, len(y), cfg.SamplerCount())
	}
	res.EyeX, res.EyeY = x, y
	log.V(1).Infof("Eye centres: x=%d y=%v (spacing %d)", x, y, spacing)

	res.Vertical = col
	for _, yi := range y {
		res.Horizontal = append(res.Horizontal, mat.Row(nil, yi, res.Combined))
	}
	return res, nil
}

// levelBuckets sums the per-transition distributions into one distribution per data level
// the enumeration produces. Each transition carries 1/len(transitions) of the total mass.
func levelBuckets(en *Enumeration, final *StageDistributions) []*mat.Dense {
	r, c := final.Transitions[0].Dims()
	present := en.Levels()
	levels := make([]*mat.Dense, present[len(present)-1]+1)
	for i := range levels {
		levels[i] = mat.NewDense(r, c, nil)
	}
	w := 1 / float64(len(en.Transitions))
	var scaled mat.Dense
	for i, t := range en.Transitions {
		scaled.Scale(w, final.Transitions[i])
		levels[t.Level].Add(levels[t.Level], &scaled)
	}
	return levels
}

// samplerSurfaces returns, for each sampler s, the probability that a symbol lands on the
// wrong side of a threshold at voltage bin v: levels 0..s above v, or levels s+1.. at or
// below v.
func samplerSurfaces(cfg *Config, levels []*mat.Dense) []*mat.Dense {
	r, c := levels[0].Dims()

	// cum[l] holds the mass of level l at or below each voltage bin.
	cum := make([]*mat.Dense, len(levels))
	for l, p := range levels {
		m := mat.NewDense(r, c, nil)
		for j := 0; j < c; j++ {
			var acc float64
			for i := 0; i < r; i++ {
				acc += p.At(i, j)
				m.Set(i, j, acc)
			}
		}
		cum[l] = m
	}

	surfaces := make([]*mat.Dense, cfg.SamplerCount())
	for s := range surfaces {
		e := mat.NewDense(r, c, nil)
		for l := range levels {
			for i := 0; i < r; i++ {
				row := e.RawRowView(i)
				below := cum[l].RawRowView(i)
				total := cum[l].RawRowView(r - 1)
				for j := range row {
					if l <= s {
						row[j] += total[j] - below[j]
					} else {
						row[j] += below[j]
					}
				}
			}
		}
		surfaces[s] = e
	}
	return surfaces
}
