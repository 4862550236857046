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

// Converts a result file to a csv for ease of analysis.
// This converter is intentionally coded in a straightforward way. The user is expected to tweak
// this code to their need.

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// ReadResults ingests a result file written by WriteResults.
func ReadResults(resfn string, isJSON bool) ([]*Record, error) {
	data, err := os.ReadFile(resfn)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if isJSON {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, s)
	} else {
		err = prototext.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, s)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resfn, err)
	}
	var recs []*Record
	for _, v := range s.GetFields()["cases"].GetListValue().GetValues() {
		recs = append(recs, RecordFromStruct(v.GetStructValue()))
	}
	return recs, nil
}

// ConvertToCsv writes the records to csvfn.
func ConvertToCsv(recs []*Record, csvfn string) error {
	f, err := os.Create(csvfn)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteCsv(recs, f)
}

// WriteCsv writes one row per bathtub point and one "eye corners" row per eye.
func WriteCsv(recs []*Record, out io.Writer) error {
	w := csv.NewWriter(out)
	const (
		eCase = iota
		eStatus
		eEye
		eCurve
		eTime
		eVoltage
		eLog10BER
		eCorner
		eLeft
		eRight
		eBottom
		eTop
		eCOM
		eSize
	)
	hdr := make([]string, eSize)
	hdr[eCase] = "Case"
	hdr[eStatus] = "Status"
	hdr[eEye] = "Eye"
	hdr[eCurve] = "Curve"
	hdr[eTime] = "Time[s]"
	hdr[eVoltage] = "Voltage[V]"
	hdr[eLog10BER] = "Log10BER"
	hdr[eCorner] = "Corner"
	hdr[eLeft] = "Left[UI]"
	hdr[eRight] = "Right[UI]"
	hdr[eBottom] = "Bottom[V]"
	hdr[eTop] = "Top[V]"
	hdr[eCOM] = "COM[dB]"
	w.Write(hdr)

	for _, rec := range recs {
		status := "FAIL"
		if rec.Result != nil && rec.Result.Successful {
			status = "PASS"
		}
		rc := make([]string, eSize)
		rc[eCase] = rec.Name
		rc[eStatus] = status
		if rec.Result != nil {
			rc[eCOM] = fmt.Sprintf("%f", rec.Result.COM)
		}
		w.Write(rc)

		if len(rec.Vertical) == len(rec.VoltageAxis) {
			for i, v := range rec.VoltageAxis {
				r := make([]string, eSize)
				r[eCase] = rec.Name
				r[eCurve] = "vertical"
				r[eVoltage] = fmt.Sprintf("%g", v)
				r[eLog10BER] = log10BER(rec.Vertical[i])
				w.Write(r)
			}
		}
		for eye, h := range rec.Horizontal {
			if len(h) != len(rec.TimeAxis) {
				continue
			}
			for i, t := range rec.TimeAxis {
				r := make([]string, eSize)
				r[eCase] = rec.Name
				r[eEye] = fmt.Sprintf("%d", eye)
				r[eCurve] = "horizontal"
				r[eTime] = fmt.Sprintf("%g", t)
				r[eLog10BER] = log10BER(h[i])
				w.Write(r)
			}
		}

		// Eye corners, relative to each eye centre.
		if rec.Result == nil || !rec.Result.Successful {
			continue
		}
		for eye, d := range rec.Result.EyeDimensions {
			r := make([]string, eSize)
			r[eCase] = rec.Name
			r[eEye] = fmt.Sprintf("%d", eye)
			r[eCorner] = "eye corners"
			r[eLeft] = fmt.Sprintf("%f", -d.WidthUI/2)
			r[eRight] = fmt.Sprintf("%f", d.WidthUI/2)
			if eye < len(rec.Result.EyeLocation.Levels) {
				c := rec.Result.EyeLocation.Levels[eye]
				r[eBottom] = fmt.Sprintf("%f", c-d.Height/2)
				r[eTop] = fmt.Sprintf("%f", c+d.Height/2)
			}
			w.Write(r)
		}
	}
	w.Flush()
	return w.Error()
}

// log10BER formats a BER on a log scale; a zero BER prints as "-Inf".
func log10BER(ber float64) string {
	if ber <= 0 {
		return "-Inf"
	}
	return fmt.Sprintf("%f", math.Log10(ber))
}
