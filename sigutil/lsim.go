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

package sigutil

// Single-input single-output continuous-time LTI systems.

import (
	"gonum.org/v1/gonum/mat"
)

// StateSpace is a SISO system dx/dt = Ax + Bu, y = Cx + Du.
// A zero-order system (A == nil) is a pure gain D.
type StateSpace struct {
	A *mat.Dense // n x n
	B *mat.Dense // n x 1
	C *mat.Dense // 1 x n
	D float64
}

// Gain returns the zero-order system y = k*u.
func Gain(k float64) *StateSpace {
	return &StateSpace{D: k}
}

// Lag returns p/(s+p), a real pole at -p with unity DC gain.
func Lag(p float64) *StateSpace {
	return &StateSpace{
		A: mat.NewDense(1, 1, []float64{-p}),
		B: mat.NewDense(1, 1, []float64{1}),
		C: mat.NewDense(1, 1, []float64{p}),
	}
}

// LeadLag returns (p/z)(s+z)/(s+p), a real zero at -z and a real pole at -p with unity DC gain.
func LeadLag(z, p float64) *StateSpace {
	g := p / z
	return &StateSpace{
		A: mat.NewDense(1, 1, []float64{-p}),
		B: mat.NewDense(1, 1, []float64{1}),
		C: mat.NewDense(1, 1, []float64{g * (z - p)}),
		D: g,
	}
}

// Order is the number of states.
func (ss *StateSpace) Order() int {
	if ss.A == nil {
		return 0
	}
	r, _ := ss.A.Dims()
	return r
}

// Series returns the cascade first -> second.
func Series(first, second *StateSpace) *StateSpace {
	n1, n2 := first.Order(), second.Order()
	n := n1 + n2
	out := &StateSpace{D: first.D * second.D}
	if n == 0 {
		return out
	}
	out.A = mat.NewDense(n, n, nil)
	out.B = mat.NewDense(n, 1, nil)
	out.C = mat.NewDense(1, n, nil)
	if n1 > 0 {
		out.A.Slice(0, n1, 0, n1).(*mat.Dense).Copy(first.A)
		out.B.Slice(0, n1, 0, 1).(*mat.Dense).Copy(first.B)
		out.C.Slice(0, 1, 0, n1).(*mat.Dense).Scale(second.D, first.C)
	}
	if n2 > 0 {
		out.A.Slice(n1, n, n1, n).(*mat.Dense).Copy(second.A)
		out.B.Slice(n1, n, 0, 1).(*mat.Dense).Scale(first.D, second.B)
		out.C.Slice(0, 1, n1, n).(*mat.Dense).Copy(second.C)
		if n1 > 0 {
			out.A.Slice(n1, n, 0, n1).(*mat.Dense).Mul(second.B, first.C)
		}
	}
	return out
}

// Simulate returns the response to u sampled every dt seconds from a zero initial state.
// The input is held linear between samples (first-order hold), the discretisation is exact
// for that input through the matrix exponential of the augmented system.
func (ss *StateSpace) Simulate(u []float64, dt float64) []float64 {
	y := make([]float64, len(u))
	n := ss.Order()
	if n == 0 {
		for i, v := range u {
			y[i] = ss.D * v
		}
		return y
	}

	// M = [[A*dt, B*dt, 0], [0, 0, 1], [0, 0, 0]]
	m := mat.NewDense(n+2, n+2, nil)
	m.Slice(0, n, 0, n).(*mat.Dense).Scale(dt, ss.A)
	m.Slice(0, n, n, n+1).(*mat.Dense).Scale(dt, ss.B)
	m.Set(n, n+1, 1)
	var e mat.Dense
	e.Exp(m)

	ad := e.Slice(0, n, 0, n)
	f1 := mat.Col(nil, n, &e)[:n]
	f2 := mat.Col(nil, n+1, &e)[:n]
	g0 := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		g0.SetVec(i, f1[i]-f2[i])
	}
	g1 := mat.NewVecDense(n, f2)
	c := mat.NewVecDense(n, mat.Row(nil, 0, ss.C))

	x := mat.NewVecDense(n, nil)
	var next mat.VecDense
	for k := range u {
		y[k] = mat.Dot(c, x) + ss.D*u[k]
		if k == len(u)-1 {
			break
		}
		next.MulVec(ad, x)
		next.AddScaledVec(&next, u[k], g0)
		next.AddScaledVec(&next, u[k+1], g1)
		x.CopyVec(&next)
	}
	return y
}
