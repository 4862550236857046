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

// Package stateye computes statistical BER eye diagrams of a high-speed serial link. Instead of
// simulating bit streams, a pass enumerates every ISI state of the equalized pulse response,
// propagates the resulting probability mass through crosstalk, distortion, jitter and noise,
// and measures the eye on the resulting BER surface.
package stateye

// This file includes the main exported functions:
// ReadSpec() ingests the simulation spec.
// Simulator.Run() runs one pass; Simulator.RunCases() runs every case of a spec in parallel.
// WriteResults() dumps out the result records.

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// Pass is everything one pipeline invocation produced. Nothing in it is shared with another
// pass except Enumeration.
type Pass struct {
	Config        *Config // the configuration as run, with solved knobs
	Pulses        *PulseResponses
	Enumeration   *Enumeration
	Segments      []CursorSegment
	Trajectories  [][]float64
	Distributions *Distributions
	BER           *BERResult
	Result        *Result
	Failures      []error
}

// Simulator runs passes. The enumeration cache is its only state, so one Simulator may run
// passes from several goroutines.
type Simulator struct {
	cache *EnumerationCache
	// Artifacts receives one record per pass when set.
	Artifacts *ArtifactStream
}

// NewSimulator returns a Simulator with an empty enumeration cache.
func NewSimulator() *Simulator {
	return &Simulator{cache: NewEnumerationCache()}
}

// Cache returns the simulator's enumeration cache.
func (s *Simulator) Cache() *EnumerationCache { return s.cache }

// Run executes one pass: pulse generation, ISI enumeration, distribution propagation, BER
// extraction and eye metrology. Only configuration errors are returned; numeric failures are
// reported in Pass.Failures and an unsuccessful Result.
func (s *Simulator) Run(cfg *Config, inf *Influence) (*Pass, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inf == nil || inf.channel(Thru) == nil {
		return nil, fmt.Errorf("no thru channel")
	}
	cfg = cfg.Clone()
	p := &Pass{Config: cfg}
	sps := cfg.General.SamplesPerSymb
	pre, post := cfg.Transmitter.PreCursorCount, cfg.Transmitter.PostCursorCount

	p.Pulses = GeneratePulses(cfg, inf)
	p.Failures = append(p.Failures, p.Pulses.Failures...)

	p.Enumeration = s.cache.Get(EnumerationKey{
		Mode:       cfg.General.SignalingMode,
		Modulation: cfg.Modulation(),
		Pre:        pre,
		Post:       post,
	})
	p.Segments = SplitPulse(p.Pulses.Thru().Final().Samples, sps, pre, post)
	p.Trajectories = Trajectories(p.Segments, p.Enumeration)
	var interferers [][][]float64
	for _, cp := range p.Pulses.Interferers() {
		segs := SplitPulse(cp.Final().Samples, sps, pre, post)
		interferers = append(interferers, Trajectories(segs, p.Enumeration))
	}

	p.Distributions = Propagate(cfg, inf, p.Enumeration, p.Trajectories, interferers)

	ber, err := ExtractBER(cfg, p.Enumeration, p.Distributions.Final())
	p.BER = ber
	if err != nil {
		p.Failures = append(p.Failures, err)
	}

	var errs []error
	p.Result, errs = Measure(cfg, p.Distributions.Final(), p.BER, p.Failures)
	p.Failures = append(p.Failures, errs...)
	p.Result.Successful = len(p.Failures) == 0
	return p, nil
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// Case is one named set of knob overrides applied on top of the spec's configuration.
type Case struct {
	Name  string
	Knobs Knobs
}

// Spec is a parsed simulation spec.
type Spec struct {
	Config *Config
	Cases  []*Case // never empty; a spec without cases has one case without overrides
	Raw    *structpb.Struct
}

// ReadSpec reads in a spec from a google.protobuf.Struct pbtxt or JSON file.
func ReadSpec(fn string, isJSON bool) (*Spec, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if isJSON {
		opt := protojson.UnmarshalOptions{
			AllowPartial:   false,
			DiscardUnknown: true,
		}
		if err := opt.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
	} else {
		opt := prototext.UnmarshalOptions{
			AllowPartial:   false,
			DiscardUnknown: true,
		}
		if err := opt.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
	}
	return SpecFromStruct(s)
}

// SpecFromStruct parses a spec. Nested objects are flattened into dotted knob names; the
// reserved top-level "cases" list holds {name, knobs} objects and "adaption.knobs" lists the
// knobs under closed-loop control.
func SpecFromStruct(s *structpb.Struct) (*Spec, error) {
	spec := &Spec{Config: DefaultConfig(), Raw: s}
	fields := proto.Clone(s).(*structpb.Struct).GetFields()

	for _, v := range fields["cases"].GetListValue().GetValues() {
		cf := v.GetStructValue().GetFields()
		c := &Case{Name: cf["name"].GetStringValue(), Knobs: make(Knobs)}
		if err := flatten("", cf["knobs"].GetStructValue(), c.Knobs); err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
		if c.Name == "" {
			c.Name = fmt.Sprintf("case%d", len(spec.Cases))
		}
		spec.Cases = append(spec.Cases, c)
	}
	delete(fields, "cases")

	if ad, ok := fields["adaption"]; ok {
		for _, k := range ad.GetStructValue().GetFields()["knobs"].GetListValue().GetValues() {
			spec.Config.AdaptiveKnobs = append(spec.Config.AdaptiveKnobs, normalizeKnob(k.GetStringValue()))
		}
		delete(fields, "adaption")
	}

	knobs := make(Knobs)
	if err := flatten("", &structpb.Struct{Fields: fields}, knobs); err != nil {
		return nil, err
	}
	if err := spec.Config.ApplyKnobs(knobs); err != nil {
		return nil, err
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, err
	}
	if len(spec.Cases) == 0 {
		spec.Cases = []*Case{{Name: "default", Knobs: Knobs{}}}
	}
	return spec, nil
}

// flatten adds every leaf of s to k under its dotted path. The signaling mode may be given by
// name.
func flatten(prefix string, s *structpb.Struct, k Knobs) error {
	for name, v := range s.GetFields() {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch x := v.GetKind().(type) {
		case *structpb.Value_StructValue:
			if err := flatten(path, x.StructValue, k); err != nil {
				return err
			}
		case *structpb.Value_NumberValue:
			k[path] = x.NumberValue
		case *structpb.Value_BoolValue:
			k[path] = 0
			if x.BoolValue {
				k[path] = 1
			}
		case *structpb.Value_StringValue:
			if !strings.HasSuffix(path, "signalingMode") {
				return fmt.Errorf("knob %q: string values are only accepted for the signaling mode", path)
			}
			m, err := ParseSignalingMode(x.StringValue)
			if err != nil {
				return err
			}
			k[path] = float64(m)
		default:
			return fmt.Errorf("knob %q: unsupported value %v", path, v)
		}
	}
	return nil
}

// Configs returns the configuration of every case.
func (s *Spec) Configs() ([]*Config, error) {
	cfgs := make([]*Config, len(s.Cases))
	for i, c := range s.Cases {
		cfg := s.Config.Clone()
		if err := cfg.ApplyKnobs(c.Knobs); err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
		cfgs[i] = cfg
	}
	return cfgs, nil
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name string
	Pass *Pass // nil if the case could not run
	Err  error // configuration error that kept the case from running
}

// RunCases runs every case of spec against the same raw influence sources. With parallel set,
// cases run in their own goroutines; results keep the order of spec.Cases.
func (s *Simulator) RunCases(spec *Spec, src *InfluenceSources, parallel bool) ([]*CaseResult, error) {
	cfgs, err := spec.Configs()
	if err != nil {
		return nil, err
	}
	if s.Artifacts != nil {
		s.Artifacts.RunStart(spec.Raw)
	}

	results := make([]*CaseResult, len(spec.Cases))
	run := func(i int) {
		cr := &CaseResult{Name: spec.Cases[i].Name}
		results[i] = cr
		inf, err := BuildInfluence(cfgs[i], src)
		if err != nil {
			cr.Err = err
			return
		}
		if cr.Pass, cr.Err = s.Run(cfgs[i], inf); cr.Err != nil {
			return
		}
		log.Infof("Case %s: successful=%v BER=%.3g COM=%.2f dB", cr.Name, cr.Pass.Result.Successful,
			cr.Pass.Result.BER, cr.Pass.Result.COM)
		if s.Artifacts != nil {
			s.Artifacts.Measurement(cr.Name, cr.Pass.Result)
			s.Artifacts.Diagnosis(cr.Name, cr.Pass.Failures)
		}
	}

	if parallel {
		var wg sync.WaitGroup
		for i := range spec.Cases {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range spec.Cases {
			run(i)
		}
	}

	if s.Artifacts != nil {
		s.Artifacts.RunEnd(TallyResults(results))
	}
	return results, nil
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// Record is the persisted form of a case result: the result record, the failures and the
// bathtub curves.
type Record struct {
	Name        string
	Result      *Result
	Failures    []string
	VoltageAxis []float64
	Vertical    []float64 // BER along VoltageAxis at the eye centre time
	TimeAxis    []float64
	Horizontal  [][]float64 // BER along TimeAxis at each eye centre voltage
}

// Record returns the persisted form of cr. A case that did not run yields a record without a
// result.
func (cr *CaseResult) Record() *Record {
	r := &Record{Name: cr.Name}
	if cr.Err != nil {
		r.Failures = []string{cr.Err.Error()}
	}
	p := cr.Pass
	if p == nil {
		return r
	}
	r.Result = p.Result
	for _, err := range p.Failures {
		r.Failures = append(r.Failures, err.Error())
	}
	if p.BER.Found() {
		r.VoltageAxis = p.Config.VoltageAxis()
		r.TimeAxis = p.Config.TimeAxis()
		r.Vertical = p.BER.Vertical
		r.Horizontal = p.BER.Horizontal
	}
	return r
}

// Struct converts the record to a google.protobuf.Struct.
func (r *Record) Struct() (*structpb.Struct, error) {
	m := map[string]any{"name": r.Name}
	failures := make([]any, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = f
	}
	m["failures"] = failures
	if r.Result != nil {
		res, err := r.Result.Struct()
		if err != nil {
			return nil, err
		}
		m["result"] = res.AsMap()
	}
	if r.Vertical != nil {
		horizontal := make([]any, len(r.Horizontal))
		for i, h := range r.Horizontal {
			horizontal[i] = floatList(h)
		}
		m["bathtub"] = map[string]any{
			"voltageAxis": floatList(r.VoltageAxis),
			"vertical":    floatList(r.Vertical),
			"timeAxis":    floatList(r.TimeAxis),
			"horizontal":  horizontal,
		}
	}
	return structpb.NewStruct(m)
}

// RecordFromStruct is the inverse of Record.Struct.
func RecordFromStruct(s *structpb.Struct) *Record {
	f := s.GetFields()
	r := &Record{Name: f["name"].GetStringValue()}
	for _, v := range f["failures"].GetListValue().GetValues() {
		r.Failures = append(r.Failures, v.GetStringValue())
	}
	if res := f["result"].GetStructValue(); res != nil {
		r.Result = ResultFromStruct(res)
	}
	if tub := f["bathtub"].GetStructValue(); tub != nil {
		tf := tub.GetFields()
		r.VoltageAxis = numbers(tf["voltageAxis"])
		r.Vertical = numbers(tf["vertical"])
		r.TimeAxis = numbers(tf["timeAxis"])
		for _, h := range tf["horizontal"].GetListValue().GetValues() {
			r.Horizontal = append(r.Horizontal, numbers(h))
		}
	}
	return r
}

// WriteResults writes out the records of every case, sorted by name, as a textproto or JSON
// google.protobuf.Struct.
func WriteResults(outfn string, results []*CaseResult, isJSON bool) error {
	recs := make([]any, 0, len(results))
	sorted := append([]*CaseResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, cr := range sorted {
		s, err := cr.Record().Struct()
		if err != nil {
			return err
		}
		recs = append(recs, s.AsMap())
	}
	out, err := structpb.NewStruct(map[string]any{"cases": recs})
	if err != nil {
		return err
	}
	var data []byte
	if isJSON {
		opt := protojson.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		data, err = opt.Marshal(out)
	} else {
		opt := prototext.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		data, err = opt.Marshal(out)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(outfn, data, 0600)
}
