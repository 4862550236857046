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
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

func testResult() *Result {
	return &Result{
		Successful: true,
		BER:        1e-12,
		DataLevels: []float64{-0.5, 0.5},
		EyeDimensions: []EyeDimensions{
			{Height: 0.8, Width: 90e-12, WidthUI: 0.9, Area: 0.8 * 90e-12},
		},
		EyeLocation: EyeLocation{Levels: []float64{0}, Time: 0, Phase: 0},
		COM:         14,
	}
}

func TestResultStruct(t *testing.T) {
	r := testResult()
	s, err := r.Struct()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"successful", "BER", "dataLevels", "eyeDimensions", "eyeLocation", "com"} {
		if _, ok := s.GetFields()[name]; !ok {
			t.Errorf("field %q missing", name)
		}
	}
	if got := ResultFromStruct(s); !reflect.DeepEqual(got, r) {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestTallyResults(t *testing.T) {
	ok := &CaseResult{Name: "ok", Pass: &Pass{Result: testResult()}}
	failed := &CaseResult{Name: "failed", Pass: &Pass{
		Result:   degenerateResult(testConfig()),
		Failures: []error{ErrSignalSaturation},
	}}
	notRun := &CaseResult{Name: "notRun", Err: errors.New("bad config")}

	tests := []struct {
		name      string
		results   []*CaseResult
		run, pass int
		verdict   bool
	}{
		{"all pass", []*CaseResult{ok}, 1, 1, true},
		{"one failed", []*CaseResult{ok, failed}, 2, 1, false},
		{"one not run", []*CaseResult{ok, notRun}, 1, 1, false},
		{"empty", nil, 0, 0, false},
	}
	for _, tc := range tests {
		got := TallyResults(tc.results)
		if got.NumCasesRun != tc.run || got.NumCasesPassed != tc.pass || got.Pass != tc.verdict {
			t.Errorf("%s: got run %d, passed %d, pass %v; want %d, %d, %v", tc.name,
				got.NumCasesRun, got.NumCasesPassed, got.Pass, tc.run, tc.pass, tc.verdict)
		}
		if len(got.Cases) != len(tc.results) {
			t.Errorf("%s: got %d case tallies, want %d", tc.name, len(got.Cases), len(tc.results))
		}
	}
	if got := TallyResults([]*CaseResult{failed}).Cases[0].COM; got != noEyeCOM {
		t.Errorf("failed case COM = %g, want %d", got, noEyeCOM)
	}
}

func TestWriteCsv(t *testing.T) {
	recs := []*Record{
		{
			Name:        "ok",
			Result:      testResult(),
			VoltageAxis: []float64{-1, 0, 1},
			Vertical:    []float64{0.5, 0, 0.5},
			TimeAxis:    []float64{-1e-11, 0},
			Horizontal:  [][]float64{{1e-3, 0}},
		},
		{Name: "notRun", Failures: []string{"bad config"}},
	}
	var buf bytes.Buffer
	if err := WriteCsv(recs, &buf); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// header, case, 3 vertical, 2 horizontal, 1 corner, case
	if len(rows) != 9 {
		t.Fatalf("got %d rows, want 9", len(rows))
	}
	if rows[0][0] != "Case" || rows[1][1] != "PASS" || rows[8][1] != "FAIL" {
		t.Errorf("unexpected rows %v, %v, %v", rows[0], rows[1], rows[8])
	}
	var curves []string
	for _, r := range rows[2:7] {
		curves = append(curves, r[3])
	}
	if want := "vertical vertical vertical horizontal horizontal"; strings.Join(curves, " ") != want {
		t.Errorf("curves %v, want %s", curves, want)
	}
	if rows[3][6] != "-Inf" || rows[5][6] != "-3.000000" {
		t.Errorf("log10 BER: got %q and %q", rows[3][6], rows[5][6])
	}
	if corner := rows[7]; corner[7] != "eye corners" || corner[8] != "-0.450000" || corner[11] != "0.400000" {
		t.Errorf("corner row %v", corner)
	}
}

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

// Every artifact is one JSON line with an increasing sequence number and the run ID.
func TestArtifactStream(t *testing.T) {
	out := new(bufCloser)
	a := NewArtifactStream(out, "stateye", "test", "stateye -spec x")
	a.RunStart(&structpb.Struct{})
	a.Measurement("ok", testResult())
	a.Diagnosis("ok", nil)
	a.Diagnosis("failed", []error{ErrSignalSaturation, ErrEyeGeometry})
	a.RunEnd(&TestResult{NumCasesRun: 2, NumCasesPassed: 1})
	if err := a.Close(); err != nil || !out.closed {
		t.Errorf("Close: %v, closed %v", err, out.closed)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d artifacts, want 6", len(lines))
	}
	for i, l := range lines {
		s := new(structpb.Struct)
		if err := protojson.Unmarshal([]byte(l), s); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		f := s.GetFields()
		if got := f["sequenceNumber"].GetNumberValue(); got != float64(i+1) {
			t.Errorf("line %d: sequence number %g", i, got)
		}
		if got := f["testRunId"].GetStringValue(); got != a.RunID() {
			t.Errorf("line %d: run ID %q, want %q", i, got, a.RunID())
		}
		if f["timestamp"].GetStringValue() == "" {
			t.Errorf("line %d: no timestamp", i)
		}
	}
	for i, want := range []string{"schemaVersion", "testRunStart", "measurement", "PASS", "FAIL", "testRunEnd"} {
		if !strings.Contains(lines[i], fmt.Sprintf("%q", want)) {
			t.Errorf("line %d does not mention %q: %s", i, want, lines[i])
		}
	}
	if !strings.Contains(lines[4], ErrEyeGeometry.Error()) {
		t.Errorf("diagnosis does not carry every failure: %s", lines[4])
	}
}

// A level in the first or last voltage bin is still found.
func TestLevelPeaks(t *testing.T) {
	col := make([]float64, 11)
	col[0], col[5], col[10] = 0.3, 0.4, 0.3
	col[1], col[4], col[6], col[9] = 0.1, 0.1, 0.1, 0.1
	locs, ok := levelPeaks(col, 3)
	if !ok || !slices.Equal(locs, []int{0, 5, 10}) {
		t.Errorf("got %v (ok=%v), want [0 5 10]", locs, ok)
	}
	if _, ok := levelPeaks(col, 4); ok {
		t.Errorf("found 4 levels in %v", col)
	}
}

// measureInput is an NRZ eye on testConfig: levels at -0.5 and 0.5 V, zero BER in between.
func measureInput(cfg *Config, x int) (*StageDistributions, *BERResult) {
	n, sps := cfg.General.YAxisLength, cfg.General.SamplesPerSymb
	combined := mat.NewDense(n, sps, nil)
	for j := 0; j < sps; j++ {
		combined.Set(50, j, 0.5)
		combined.Set(150, j, 0.5)
	}
	v := make([]float64, n)
	for i := range v {
		if i < 50 || i >= 150 {
			v[i] = 0.5
		}
	}
	h := make([]float64, sps)
	h[0] = 0.5
	return &StageDistributions{Combined: combined},
		&BERResult{EyeX: x, EyeY: []int{99}, Vertical: v, Horizontal: [][]float64{h}}
}

func TestMeasure(t *testing.T) {
	tests := []struct {
		name  string
		x     int
		edit  func(b *BERResult)
		phase float64
		want  error
	}{
		{"centred", 8, nil, 0, nil},
		{"phase at the limit", 6, nil, -45, nil},
		{"phase beyond the limit", 5, nil, 0, ErrExcessivePhaseOffset},
		{"sampling at the edge", 0, nil, 0, ErrExcessivePhaseOffset},
		{"eye open to the axis bound", 8, func(b *BERResult) {
			for i := range b.Vertical {
				b.Vertical[i] = 0
			}
		}, 0, ErrEyeGeometry},
	}
	for _, tc := range tests {
		cfg := testConfig()
		final, ber := measureInput(cfg, tc.x)
		if tc.edit != nil {
			tc.edit(ber)
		}
		r, errs := Measure(cfg, final, ber, nil)

		if tc.want != nil {
			if len(errs) != 1 || !errors.Is(errs[0], tc.want) {
				t.Errorf("%s: got errors %v, want %v", tc.name, errs, tc.want)
			}
			if !reflect.DeepEqual(r, degenerateResult(cfg)) {
				t.Errorf("%s: got %+v, want the degenerate result", tc.name, r)
			}
			continue
		}
		if len(errs) > 0 {
			t.Errorf("%s: unexpected errors %v", tc.name, errs)
			continue
		}
		if r.EyeLocation.Phase != tc.phase {
			t.Errorf("%s: phase %g, want %g", tc.name, r.EyeLocation.Phase, tc.phase)
		}
		if math.Abs(r.DataLevels[0]+0.5) > 1e-9 || math.Abs(r.DataLevels[1]-0.5) > 1e-9 {
			t.Errorf("%s: data levels %v, want [-0.5 0.5]", tc.name, r.DataLevels)
		}
		if d := r.EyeDimensions[0]; math.Abs(d.Height-1.01) > 1e-9 {
			t.Errorf("%s: height %g, want 1.01", tc.name, d.Height)
		}
		// The eye is taller than the level spacing, so the opening is one voltage bin.
		if math.Abs(r.COM-40) > 1e-6 {
			t.Errorf("%s: COM %g, want 40", tc.name, r.COM)
		}
	}

	// Upstream failures skip the measurement.
	cfg := testConfig()
	final, ber := measureInput(cfg, 8)
	r, errs := Measure(cfg, final, ber, []error{ErrSignalSaturation})
	if len(errs) != 0 || r.COM != noEyeCOM {
		t.Errorf("after an upstream failure: got %+v, %v; want the degenerate result", r, errs)
	}
}
