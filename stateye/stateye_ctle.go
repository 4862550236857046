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
	"math"
	"math/cmplx"

	log "github.com/golang/glog"
	"statopt/sigutil"
)

// ctlePoles lists the pole frequencies in rad/s, first group first.
func ctlePoles(c CTLEConfig) []float64 {
	poles := make([]float64, 0, c.Pole1Numb+c.Pole2Numb)
	for i := 0; i < c.Pole1Numb; i++ {
		poles = append(poles, 2*math.Pi*c.Pole1Freq)
	}
	for i := 0; i < c.Pole2Numb; i++ {
		poles = append(poles, 2*math.Pi*c.Pole2Freq)
	}
	return poles
}

// BuildCTLE returns the CTLE as a cascade of first-order sections with unity DC gain.
// Every zero is paired with a pole, first-group poles first.
func BuildCTLE(c CTLEConfig) *sigutil.StateSpace {
	poles := ctlePoles(c)
	wz := 2 * math.Pi * c.ZeroFreq
	ss := sigutil.Gain(1)
	for i, p := range poles {
		if i < c.ZeroNumb {
			ss = sigutil.Series(ss, sigutil.LeadLag(wz, p))
		} else {
			ss = sigutil.Series(ss, sigutil.Lag(p))
		}
	}
	log.V(1).Infof("CTLE: %d zeros at %g Hz, %d poles, order %d", c.ZeroNumb, c.ZeroFreq, len(poles), ss.Order())
	return ss
}

// CTLEResponse returns the CTLE magnitude response in dB at each frequency (Hz).
func CTLEResponse(c CTLEConfig, freqs []float64) []float64 {
	poles := ctlePoles(c)
	wz := 2 * math.Pi * c.ZeroFreq
	out := make([]float64, len(freqs))
	for i, f := range freqs {
		s := complex(0, 2*math.Pi*f)
		h := complex(1, 0)
		for k, p := range poles {
			if k < c.ZeroNumb {
				h *= complex(p/wz, 0) * (s + complex(wz, 0)) / (s + complex(p, 0))
			} else {
				h *= complex(p, 0) / (s + complex(p, 0))
			}
		}
		out[i] = 20 * math.Log10(cmplx.Abs(h))
	}
	return out
}
