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
	"os"
	"path/filepath"
	"slices"
	"testing"

	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const testSpecJSON = `{
  "general": {"signalingMode": "1+D", "samplesPerSymb": 16, "yAxisLength": 201},
  "transmitter": {"signalAmplitude": 0.5, "postCursorCount": 2, "EQ": {"taps": {"post1": -0.1}}},
  "receiver": {"preAmp": {"addGain": true, "gain": {"value": 2, "maxValue": 10}}},
  "adaption": {"knobs": ["receiver.preAmp.gain.value"]},
  "cases": [
    {"name": "noisy", "knobs": {"receiver": {"noise": {"addNoise": true, "stdDeviation": 0.01}}}},
    {"name": "quiet"}
  ]
}`

func parseStruct(t *testing.T, js string) *structpb.Struct {
	t.Helper()
	s := new(structpb.Struct)
	if err := protojson.Unmarshal([]byte(js), s); err != nil {
		t.Fatalf("protojson.Unmarshal: %v", err)
	}
	return s
}

func TestSpecFromStruct(t *testing.T) {
	spec, err := SpecFromStruct(parseStruct(t, testSpecJSON))
	if err != nil {
		t.Fatal(err)
	}
	cfg := spec.Config
	if cfg.General.SignalingMode != Duobinary {
		t.Errorf("signaling mode %v, want %v", cfg.General.SignalingMode, Duobinary)
	}
	if !slices.Equal(cfg.Transmitter.EQ.Post, []float64{-0.1}) {
		t.Errorf("TX post taps %v, want [-0.1]", cfg.Transmitter.EQ.Post)
	}
	if !cfg.Receiver.AddGain || cfg.Receiver.Gain.Value != 2 || cfg.Receiver.Gain.Max != 10 {
		t.Errorf("gain %+v (enabled %v), want value 2, max 10", cfg.Receiver.Gain, cfg.Receiver.AddGain)
	}
	if !slices.Equal(cfg.AdaptiveKnobs, []string{"receiver.preAmp.gain"}) {
		t.Errorf("adaptive knobs %v", cfg.AdaptiveKnobs)
	}
	if len(spec.Cases) != 2 || spec.Cases[0].Name != "noisy" || spec.Cases[1].Name != "quiet" {
		t.Fatalf("cases %+v", spec.Cases)
	}
	if got := spec.Cases[0].Knobs["receiver.noise.stdDeviation"]; got != 0.01 {
		t.Errorf("case knob = %g, want 0.01", got)
	}

	cfgs, err := spec.Configs()
	if err != nil {
		t.Fatal(err)
	}
	if !cfgs[0].Receiver.Noise.AddNoise || cfgs[1].Receiver.Noise.AddNoise {
		t.Errorf("case knobs leaked: noisy=%v quiet=%v", cfgs[0].Receiver.Noise.AddNoise, cfgs[1].Receiver.Noise.AddNoise)
	}
	if spec.Config.Receiver.Noise.AddNoise {
		t.Errorf("case knobs modified the base config")
	}
}

func TestSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		js   string
	}{
		{"unknown knob", `{"general": {"bogus": 1}}`},
		{"bad mode", `{"general": {"signalingMode": "nrz"}}`},
		{"string knob", `{"transmitter": {"signalAmplitude": "big"}}`},
		{"invalid config", `{"general": {"yAxisLength": 200}}`},
	}
	for _, tc := range tests {
		if _, err := SpecFromStruct(parseStruct(t, tc.js)); err == nil {
			t.Errorf("%s: got nil error", tc.name)
		}
	}
	spec, err := SpecFromStruct(parseStruct(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Cases) != 1 || spec.Cases[0].Name != "default" {
		t.Errorf("a spec without cases has cases %+v", spec.Cases)
	}
}

func TestReadSpec(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "spec.json")
	if err := os.WriteFile(fn, []byte(testSpecJSON), 0600); err != nil {
		t.Fatal(err)
	}
	spec, err := ReadSpec(fn, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Cases) != 2 {
		t.Errorf("got %d cases, want 2", len(spec.Cases))
	}
	if _, err := ReadSpec(filepath.Join(dir, "missing.pbtxt"), false); err == nil {
		t.Errorf("missing file: got nil error")
	}
}

// Cases run in parallel keep their order; results survive a write/read cycle.
func TestRunCases(t *testing.T) {
	spec := &Spec{
		Config: testConfig(),
		Cases: []*Case{
			{Name: "ideal", Knobs: Knobs{}},
			{Name: "saturated", Knobs: Knobs{"transmitter.signalAmplitude": 1.5}},
			{Name: "broken", Knobs: Knobs{"general.yAxisLength": 200}},
		},
	}
	sim := NewSimulator()
	if _, err := sim.RunCases(spec, nil, true); err == nil {
		t.Errorf("a case with an invalid config: got nil error")
	}
	spec.Cases = spec.Cases[:2]
	results, err := sim.RunCases(spec, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Name != "ideal" || results[1].Name != "saturated" {
		t.Fatalf("results out of order: %v, %v", results[0].Name, results[1].Name)
	}
	if !results[0].Pass.Result.Successful || results[1].Pass.Result.Successful {
		t.Errorf("successful: ideal=%v saturated=%v, want true, false",
			results[0].Pass.Result.Successful, results[1].Pass.Result.Successful)
	}
	if got := sim.Cache().Len(); got != 1 {
		t.Errorf("got %d cached enumerations, want 1", got)
	}

	for _, isJSON := range []bool{false, true} {
		fn := filepath.Join(t.TempDir(), "result")
		if err := WriteResults(fn, results, isJSON); err != nil {
			t.Fatalf("WriteResults(json=%v): %v", isJSON, err)
		}
		recs, err := ReadResults(fn, isJSON)
		if err != nil {
			t.Fatalf("ReadResults(json=%v): %v", isJSON, err)
		}
		// Records are sorted by name.
		if len(recs) != 2 || recs[0].Name != "ideal" || recs[1].Name != "saturated" {
			t.Fatalf("json=%v: records %v", isJSON, recs)
		}
		ideal := recs[0]
		if !ideal.Result.Successful || ideal.Result.BER != results[0].Pass.Result.BER {
			t.Errorf("json=%v: ideal result %+v", isJSON, ideal.Result)
		}
		if len(ideal.Vertical) != 201 || len(ideal.Horizontal) != 1 || len(ideal.TimeAxis) != 16 {
			t.Errorf("json=%v: bathtubs %d, %d, %d", isJSON, len(ideal.Vertical), len(ideal.Horizontal), len(ideal.TimeAxis))
		}
		if sat := recs[1]; sat.Result.Successful || len(sat.Failures) == 0 {
			t.Errorf("json=%v: saturated record %+v", isJSON, sat)
		}
	}
}
