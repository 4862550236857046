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

// Signaling modes and the per-mode policy table.

import (
	"fmt"
	"strings"
)

// SignalingMode selects the line coding of the link.
type SignalingMode int

// Signaling modes
const (
	Standard      SignalingMode = iota // plain PAM-M
	Duobinary                          // "1+D"
	HalfDuobinary                      // "1+0.5D"
	Clock                              // alternating 1010 pattern
	modeCount
)

var modeNames = [modeCount]string{"standard", "1+D", "1+0.5D", "clock"}

func (m SignalingMode) String() string {
	if m < 0 || m >= modeCount {
		return fmt.Sprintf("SignalingMode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseSignalingMode accepts the names printed by String, case-insensitively.
func ParseSignalingMode(s string) (SignalingMode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return SignalingMode(i), nil
		}
	}
	return Standard, fmt.Errorf("unknown signaling mode %q", s)
}

// modePolicy gathers every mode-dependent constant and rule of the pipeline.
// Window offsets are in symbols, relative to the pulse peak.
type modePolicy struct {
	// levels returns the number of received data levels for modulation order m.
	levels func(m int) int
	// alternating enumerates inverted-every-other-position vectors instead of every digit vector.
	alternating bool
	// twoDigitKey classifies transitions on (post, main) only.
	twoDigitKey bool
	// level maps a transition key to its received data level.
	level func(k TransitionKey) int
	// checkSecondCursor flags a post-cursor that is larger than the main cursor.
	checkSecondCursor bool

	// Length normalization: [peak-(pre+windowPre)*sps, peak+(post+windowPost)*sps).
	windowPre, windowPost float64
	// Channel trim: [peak-(pre+trimPre)*sps-1, peak+(post+trimPost)*sps).
	trimPre, trimPost float64
	// Cursor sum for gain solving: [peak-(pre+sumPre)*sps, peak+(post+sumPost)*sps) step sps.
	sumPre, sumPost float64
	// DFE tap p is injected over [peak+(p+dfeOffset)*sps, +sps).
	dfeOffset float64
}

var modePolicies = [modeCount]modePolicy{
	Standard: {
		levels:    func(m int) int { return m },
		level:     func(k TransitionKey) int { return k.Main },
		windowPre: 0.5, windowPost: 0.5,
		trimPre: 0.5, trimPost: 1.5,
		dfeOffset: -0.5,
	},
	Duobinary: {
		levels:      func(m int) int { return 2*m - 1 },
		twoDigitKey: true,
		level:       func(k TransitionKey) int { return k.Post + k.Main },
		windowPre:   1, windowPost: 0,
		trimPre: 1, trimPost: 2,
		sumPre: 0.5, sumPost: -0.5,
		dfeOffset: -1,
	},
	HalfDuobinary: {
		levels:            func(m int) int { return 3*m - 2 },
		twoDigitKey:       true,
		level:             func(k TransitionKey) int { return k.Post + 2*k.Main },
		checkSecondCursor: true,
		windowPre:         2.0 / 3, windowPost: 1.0 / 3,
		trimPre: 1, trimPost: 2,
		sumPre: 1.0 / 6, sumPost: -1.0 / 6,
		dfeOffset: -1,
	},
	Clock: {
		levels:      func(int) int { return 2 },
		alternating: true,
		level:       func(k TransitionKey) int { return k.Main },
		windowPre:   0.5, windowPost: 0.5,
		trimPre: 0.5, trimPost: 1.5,
		dfeOffset: -0.5,
	},
}

func (m SignalingMode) policy() *modePolicy {
	return &modePolicies[m]
}

// duobinary reports whether the mode targets a duobinary-shaped pulse.
func (m SignalingMode) duobinary() bool {
	return m == Duobinary || m == HalfDuobinary
}
