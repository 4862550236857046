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

// Misc. result analysis functions.

import (
	"fmt"
)

// CaseTally contains pass-fail info of one case.
type CaseTally struct {
	Name       string
	Successful bool
	COM        float64
	Message    string
}

// TestResult contains pass-fail info at the top-level of a run.
type TestResult struct {
	NumCasesRun    int
	NumCasesPassed int
	Cases          []*CaseTally
	Pass           bool
}

// TallyResults tallies pass-fail info. The run passes only if every case ran and was
// successful.
func TallyResults(results []*CaseResult) *TestResult {
	res := new(TestResult)
	res.Cases = make([]*CaseTally, 0, len(results))
	res.Pass = len(results) > 0
	for _, cr := range results {
		ct := &CaseTally{Name: cr.Name, COM: noEyeCOM}
		switch {
		case cr.Err != nil:
			ct.Message = fmt.Sprintf("%s: not run: %v", cr.Name, cr.Err)
		case cr.Pass.Result.Successful:
			res.NumCasesRun++
			res.NumCasesPassed++
			ct.Successful = true
			ct.COM = cr.Pass.Result.COM
			ct.Message = fmt.Sprintf("%s: BER %.3g, COM %.2f dB", cr.Name, cr.Pass.Result.BER, ct.COM)
		default:
			res.NumCasesRun++
			ct.Message = fmt.Sprintf("%s: %d failures (Failed)", cr.Name, len(cr.Pass.Failures))
		}
		if !ct.Successful {
			res.Pass = false
		}
		res.Cases = append(res.Cases, ct)
	}
	return res
}
