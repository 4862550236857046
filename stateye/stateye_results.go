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

// Eye metrology and the result record.

import (
	"errors"
	"fmt"
	"math"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
	structpb "google.golang.org/protobuf/types/known/structpb"
	"statopt/sigutil"
)

// Numeric failures of a pass. None of them stops the pass; they are collected in
// Pass.Failures and make the result unsuccessful.
var (
	ErrSignalSaturation     = errors.New("signal saturation")
	ErrPreEmphasisBudget    = errors.New("pre-emphasis budget violated")
	ErrExcessivePhaseOffset = errors.New("excessive phase offset")
	ErrDominantSecondCursor = errors.New("second cursor dominates main cursor")
	ErrEyeGeometry          = errors.New("eye geometry not found")
)

// noEyeCOM is the COM of a pass without a usable eye.
const noEyeCOM = -1000

// maxPhase is the largest eye-centre phase offset accepted, in degrees.
const maxPhase = 45

// EyeDimensions is the size of one eye at the reported BER.
type EyeDimensions struct {
	Height  float64 // V
	Width   float64 // s
	WidthUI float64
	Area    float64 // V*s
}

// EyeLocation is the position of the eye centres.
type EyeLocation struct {
	Levels []float64 // voltage of each eye centre
	Time   float64   // s, relative to the symbol centre
	Phase  float64   // degrees
}

// Result is the record the adaptation driver ranks candidates by.
type Result struct {
	Successful    bool
	BER           float64
	DataLevels    []float64
	EyeDimensions []EyeDimensions
	EyeLocation   EyeLocation
	COM           float64
}

// Struct converts the result to a google.protobuf.Struct with the record's field names.
func (r *Result) Struct() (*structpb.Struct, error) {
	dims := make([]any, len(r.EyeDimensions))
	for i, d := range r.EyeDimensions {
		dims[i] = map[string]any{
			"height":  d.Height,
			"width":   d.Width,
			"widthUI": d.WidthUI,
			"area":    d.Area,
		}
	}
	return structpb.NewStruct(map[string]any{
		"successful":    r.Successful,
		"BER":           r.BER,
		"dataLevels":    floatList(r.DataLevels),
		"eyeDimensions": dims,
		"eyeLocation": map[string]any{
			"levels": floatList(r.EyeLocation.Levels),
			"time":   r.EyeLocation.Time,
			"phase":  r.EyeLocation.Phase,
		},
		"com": r.COM,
	})
}

func floatList(x []float64) []any {
	out := make([]any, len(x))
	for i, v := range x {
		out[i] = v
	}
	return out
}

// ResultFromStruct is the inverse of Result.Struct.
func ResultFromStruct(s *structpb.Struct) *Result {
	f := s.GetFields()
	r := &Result{
		Successful: f["successful"].GetBoolValue(),
		BER:        f["BER"].GetNumberValue(),
		DataLevels: numbers(f["dataLevels"]),
		COM:        f["com"].GetNumberValue(),
	}
	for _, v := range f["eyeDimensions"].GetListValue().GetValues() {
		d := v.GetStructValue().GetFields()
		r.EyeDimensions = append(r.EyeDimensions, EyeDimensions{
			Height:  d["height"].GetNumberValue(),
			Width:   d["width"].GetNumberValue(),
			WidthUI: d["widthUI"].GetNumberValue(),
			Area:    d["area"].GetNumberValue(),
		})
	}
	loc := f["eyeLocation"].GetStructValue().GetFields()
	r.EyeLocation = EyeLocation{
		Levels: numbers(loc["levels"]),
		Time:   loc["time"].GetNumberValue(),
		Phase:  loc["phase"].GetNumberValue(),
	}
	return r
}

func numbers(v *structpb.Value) []float64 {
	var out []float64
	for _, e := range v.GetListValue().GetValues() {
		out = append(out, e.GetNumberValue())
	}
	return out
}

// degenerateResult is reported for every unsuccessful pass: every eye closed, every level at
// the centre of the voltage axis.
func degenerateResult(cfg *Config) *Result {
	centre := cfg.VoltageAxis()[cfg.General.YAxisLength/2]
	r := &Result{
		BER:           cfg.General.TargetBER,
		DataLevels:    make([]float64, cfg.LevelCount()),
		EyeDimensions: make([]EyeDimensions, cfg.SamplerCount()),
		EyeLocation:   EyeLocation{Levels: make([]float64, cfg.SamplerCount())},
		COM:           noEyeCOM,
	}
	for i := range r.DataLevels {
		r.DataLevels[i] = centre
	}
	return r
}

// levelPeaks locates want data levels in one distribution column. The column is padded
// with an empty bin at each end so that a level clamped into the first or last voltage bin
// still counts as a peak.
func levelPeaks(col []float64, want int) ([]int, bool) {
	padded := make([]float64, len(col)+2)
	copy(padded[1:], col)
	locs, _, ok := sigutil.SpacedPeaks(padded, want)
	for i := range locs {
		locs[i]--
	}
	return locs, ok
}

// Measure derives the result record from the final distributions and the BER extraction.
// failed carries the failures found upstream; the returned slice adds the ones found here.
func Measure(cfg *Config, final *StageDistributions, ber *BERResult, failed []error) (*Result, []error) {
	var errs []error
	if len(failed) > 0 || !ber.Found() {
		return degenerateResult(cfg), nil
	}
	axis := cfg.VoltageAxis()
	yInc := cfg.VoltageIncrement()
	ts := cfg.SamplePeriod()
	target := cfg.General.TargetBER
	r := &Result{Successful: true}

	// Data levels
	col := mat.Col(nil, ber.EyeX, final.Combined)
	locs, ok := levelPeaks(col, cfg.LevelCount())
	if !ok {
		err := fmt.Errorf("%w: found %d data levels, want %d", ErrEyeGeometry, len(locs), cfg.LevelCount())
		log.Warningf("Cannot find data levels: %v", err)
		return degenerateResult(cfg), append(errs, err)
	}
	for _, l := range locs {
		r.DataLevels = append(r.DataLevels, axis[l])
	}

	// Eye sizes
	r.BER = target
	for _, y := range ber.EyeY {
		r.BER = math.Max(r.BER, ber.Vertical[y])
	}
	for i, y := range ber.EyeY {
		v, h := ber.Vertical, ber.Horizontal[i]
		top, bottom, right, left := y, y, ber.EyeX, ber.EyeX
		for v[top] < r.BER && top < len(v)-1 {
			top++
		}
		for v[bottom] < r.BER && bottom > 0 {
			bottom--
		}
		for h[right] < r.BER && right < len(h)-1 {
			right++
		}
		for h[left] < r.BER && left > 0 {
			left--
		}
		if (top == len(v)-1 && v[top] < r.BER) || (bottom == 0 && v[bottom] < r.BER) {
			err := fmt.Errorf("%w: eye %d reaches the voltage axis bound", ErrEyeGeometry, i)
			log.Warningf("Cannot determine eye limits: %v", err)
			errs = append(errs, err)
		}
		d := EyeDimensions{
			Height: float64(top-bottom) * yInc,
			Width:  float64(right-left) * ts,
		}
		d.WidthUI = d.Width / cfg.SymbolPeriod()
		d.Area = d.Height * d.Width
		r.EyeDimensions = append(r.EyeDimensions, d)
	}

	// Position
	for _, y := range ber.EyeY {
		r.EyeLocation.Levels = append(r.EyeLocation.Levels, axis[y])
	}
	r.EyeLocation.Time = cfg.TimeAxis()[ber.EyeX]
	r.EyeLocation.Phase = math.Round(r.EyeLocation.Time/cfg.SymbolPeriod()*360*10) / 10
	if math.Abs(r.EyeLocation.Phase) > maxPhase {
		err := fmt.Errorf("%w: %.1f degrees", ErrExcessivePhaseOffset, r.EyeLocation.Phase)
		log.Warning(err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return degenerateResult(cfg), errs
	}

	// COM
	r.COM = math.Inf(1)
	for i, d := range r.EyeDimensions {
		spacing := r.DataLevels[i+1] - r.DataLevels[i]
		com := 20 * math.Log10(spacing/math.Max(spacing-d.Height, yInc))
		r.COM = math.Min(r.COM, com)
	}
	return r, nil
}
