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

// ISI enumeration: cursor-level combinations, transitions and trajectories.

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
)

// TransitionKey identifies the edge a combination belongs to by its cursor digits.
// A cursor that is absent, or ignored by the mode, is -1.
type TransitionKey struct {
	Post int
	Main int
	Pre  int
}

func (k TransitionKey) String() string {
	s := fmt.Sprintf("post%d_main%d", k.Post, k.Main)
	if k.Pre >= 0 {
		s += fmt.Sprintf("_pre%d", k.Pre)
	}
	return s
}

// Combination is one vector of cursor digits, ordered pre_k..pre1, main, post1..post_k.
type Combination struct {
	Digits []int
	Polar  []float64 // Digits mapped onto [-1, 1]
}

// Transition groups the combinations that share a key.
type Transition struct {
	Key          TransitionKey
	Level        int   // received data level
	Combinations []int // indices into Enumeration.Combinations
}

// EnumerationKey is everything an enumeration depends on.
type EnumerationKey struct {
	Mode       SignalingMode
	Modulation int
	Pre        int
	Post       int
}

// Enumeration is the complete set of cursor combinations for one key, classified into
// transitions. It is shared between passes and never modified.
type Enumeration struct {
	Key          EnumerationKey
	Combinations []Combination
	Transitions  []Transition
}

// Enumerate builds the enumeration for key.
func Enumerate(key EnumerationKey) *Enumeration {
	pol := key.Mode.policy()
	n := key.Pre + key.Post + 1
	m := key.Modulation
	en := &Enumeration{Key: key}

	var vectors [][]int
	if pol.alternating {
		for v := 0; v < m; v++ {
			d := make([]int, n)
			for i := range d {
				d[i] = v
				if i%2 == 1 {
					d[i] = m - 1 - v
				}
			}
			vectors = append(vectors, d)
		}
	} else {
		total := 1
		for i := 0; i < n; i++ {
			total *= m
		}
		vectors = make([][]int, total)
		for c := range vectors {
			d := make([]int, n)
			for i, rest := n-1, c; i >= 0; i-- {
				d[i] = rest % m
				rest /= m
			}
			vectors[c] = d
		}
	}

	byKey := make(map[TransitionKey]int)
	for c, d := range vectors {
		polar := make([]float64, n)
		for i, v := range d {
			polar[i] = -1 + 2*float64(v)/float64(m-1)
		}
		en.Combinations = append(en.Combinations, Combination{Digits: d, Polar: polar})

		k := transitionKey(pol, d, key.Pre)
		t, ok := byKey[k]
		if !ok {
			t = len(en.Transitions)
			byKey[k] = t
			en.Transitions = append(en.Transitions, Transition{Key: k, Level: pol.level(k)})
		}
		en.Transitions[t].Combinations = append(en.Transitions[t].Combinations, c)
	}
	sort.Slice(en.Transitions, func(i, j int) bool {
		a, b := en.Transitions[i], en.Transitions[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Key.Main != b.Key.Main {
			return a.Key.Main < b.Key.Main
		}
		if a.Key.Post != b.Key.Post {
			return a.Key.Post < b.Key.Post
		}
		return a.Key.Pre < b.Key.Pre
	})
	return en
}

func transitionKey(pol *modePolicy, d []int, pre int) TransitionKey {
	k := TransitionKey{Post: -1, Main: d[pre], Pre: -1}
	if pre+1 < len(d) {
		k.Post = d[pre+1]
	}
	if pre > 0 && !pol.twoDigitKey {
		k.Pre = d[pre-1]
	}
	return k
}

// Levels returns the distinct data levels of the enumeration, ascending.
func (en *Enumeration) Levels() []int {
	var levels []int
	for _, t := range en.Transitions {
		if len(levels) == 0 || levels[len(levels)-1] != t.Level {
			levels = append(levels, t.Level)
		}
	}
	return levels
}

// EnumerationCache keeps enumerations across passes. It is safe for concurrent use.
type EnumerationCache struct {
	mu      sync.Mutex
	entries map[EnumerationKey]*Enumeration
}

// NewEnumerationCache returns an empty cache.
func NewEnumerationCache() *EnumerationCache {
	return &EnumerationCache{entries: make(map[EnumerationKey]*Enumeration)}
}

// Get returns the enumeration for key, building it on first use.
func (c *EnumerationCache) Get(key EnumerationKey) *Enumeration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if en, ok := c.entries[key]; ok {
		return en
	}
	en := Enumerate(key)
	log.V(1).Infof("Enumerated %v: %d combinations, %d transitions", key, len(en.Combinations), len(en.Transitions))
	c.entries[key] = en
	return en
}

// Len is the number of cached enumerations.
func (c *EnumerationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CursorSegment is one symbol period of a pulse.
type CursorSegment struct {
	Name    string // "pre2", "main", "post1", ...
	Samples []float64
}

// SplitPulse cuts a length-normalized pulse into pre_k..pre1, main, post1..post_k segments.
// Segments share the pulse's backing array.
func SplitPulse(pulse []float64, sps, pre, post int) []CursorSegment {
	segs := make([]CursorSegment, 0, pre+post+1)
	for i := 0; i < pre+post+1; i++ {
		var name string
		switch {
		case i < pre:
			name = fmt.Sprintf("pre%d", pre-i)
		case i == pre:
			name = "main"
		default:
			name = fmt.Sprintf("post%d", i-pre)
		}
		segs = append(segs, CursorSegment{Name: name, Samples: pulse[i*sps : (i+1)*sps]})
	}
	return segs
}

// Trajectories returns, for every combination of en, the superposition of the segments
// weighted by the combination's polar levels.
func Trajectories(segs []CursorSegment, en *Enumeration) [][]float64 {
	out := make([][]float64, len(en.Combinations))
	for c, comb := range en.Combinations {
		tr := make([]float64, len(segs[0].Samples))
		for i, s := range segs {
			floats.AddScaled(tr, comb.Polar[i], s.Samples)
		}
		out[c] = tr
	}
	return out
}
