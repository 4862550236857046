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

// A JSON-lines artifact stream in the spirit of the OCP test output: a run start, a measurement
// and a diagnosis per pass, and a run end. Every line carries a sequence number so that a
// reader can tell whether an artifact was lost.

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
	timestamppb "google.golang.org/protobuf/types/known/timestamppb"
)

// ArtifactStream writes artifacts to one pipe shared by all passes.
type ArtifactStream struct {
	pipe    io.WriteCloser
	lock    sync.Mutex
	seqNum  atomic.Int32
	runID   string
	name    string
	version string
	cmdline string
}

// NewArtifactStream starts a stream on w. The run gets a fresh random ID.
func NewArtifactStream(w io.WriteCloser, name, version, cmdline string) *ArtifactStream {
	a := &ArtifactStream{
		pipe:    w,
		runID:   uuid.NewString(),
		name:    name,
		version: version,
		cmdline: cmdline,
	}
	a.output(map[string]any{"schemaVersion": map[string]any{"major": 2, "minor": 0}})
	return a
}

// RunID identifies the run in every artifact.
func (a *ArtifactStream) RunID() string { return a.runID }

// RunStart records the run parameters.
func (a *ArtifactStream) RunStart(params *structpb.Struct) {
	start := map[string]any{
		"name":        a.name,
		"version":     a.version,
		"commandLine": a.cmdline,
	}
	if params != nil {
		start["parameters"] = params.AsMap()
	}
	a.output(map[string]any{"testRunArtifact": map[string]any{"testRunStart": start}})
}

// Measurement records the result of one case.
func (a *ArtifactStream) Measurement(name string, r *Result) {
	s, err := r.Struct()
	if err != nil {
		log.Errorf("Result.Struct() failed: %v", err)
		return
	}
	a.output(map[string]any{"testStepArtifact": map[string]any{
		"testStepId":  name,
		"measurement": map[string]any{"name": "eye", "value": s.AsMap()},
	}})
}

// Diagnosis records the verdict of one case and the reason for a failure.
func (a *ArtifactStream) Diagnosis(name string, failures []error) {
	diag := map[string]any{"verdict": "eye-pass", "type": "PASS"}
	if len(failures) > 0 {
		diag = map[string]any{
			"verdict": "eye-fail",
			"type":    "FAIL",
			"message": errors.Join(failures...).Error(),
		}
	}
	a.output(map[string]any{"testStepArtifact": map[string]any{
		"testStepId": name,
		"diagnosis":  diag,
	}})
}

// RunEnd records the tally of the run.
func (a *ArtifactStream) RunEnd(t *TestResult) {
	result := "PASS"
	if !t.Pass {
		result = "FAIL"
	}
	a.output(map[string]any{"testRunArtifact": map[string]any{"testRunEnd": map[string]any{
		"status":         "COMPLETE",
		"result":         result,
		"numCasesRun":    t.NumCasesRun,
		"numCasesPassed": t.NumCasesPassed,
	}}})
}

// Close closes the pipe.
func (a *ArtifactStream) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.pipe.Close()
}

// output streams one artifact to the pipe.
func (a *ArtifactStream) output(artifact map[string]any) {
	artifact["sequenceNumber"] = int(a.seqNum.Add(1))
	artifact["timestamp"] = timestamppb.Now().AsTime().Format(time.RFC3339Nano)
	artifact["testRunId"] = a.runID
	s, err := structpb.NewStruct(artifact)
	if err != nil {
		log.Errorf("structpb.NewStruct(%v) failed: %v", artifact, err)
		return
	}
	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		log.Errorf("protojson.Marshal(%v) failed: %v", s, err)
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.pipe.Write(data)
	io.WriteString(a.pipe, "\n")
}
