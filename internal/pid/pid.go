// Copyright 2026 Precision Mold Systems GmbH
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

// Package pid implements a plain proportional-integral-derivative loop with
// output clamping and integral anti-windup. All controller state lives in the
// Loop struct; callers pass the current setpoint and reading each update.
package pid

import "time"

// Loop is one closed control loop.
type Loop struct {
	kp, ki, kd float64

	outMin, outMax float64

	integral float64
	lastErr  float64
	primed   bool
}

// NewLoop creates a loop with the given gains and output bounds.
func NewLoop(kp, ki, kd, outMin, outMax float64) *Loop {
	return &Loop{
		kp:     kp,
		ki:     ki,
		kd:     kd,
		outMin: outMin,
		outMax: outMax,
	}
}

// Update advances the loop by dt and returns the clamped output.
func (l *Loop) Update(setpoint, measured float64, dt time.Duration) float64 {
	dtSec := dt.Seconds()
	if dtSec <= 0 {
		return l.clamp(l.kp * (setpoint - measured))
	}

	err := setpoint - measured

	// Conditional integration: freeze the integrator while the output is
	// saturated and the error would push it further into the rail.
	candidate := l.integral + err*dtSec
	unclamped := l.kp*err + l.ki*candidate + l.derivative(err, dtSec)
	if unclamped > l.outMax && err > 0 || unclamped < l.outMin && err < 0 {
		candidate = l.integral
	}
	l.integral = candidate

	out := l.kp*err + l.ki*l.integral + l.derivative(err, dtSec)
	l.lastErr = err
	l.primed = true

	return l.clamp(out)
}

func (l *Loop) derivative(err, dtSec float64) float64 {
	if !l.primed {
		return 0
	}
	return l.kd * (err - l.lastErr) / dtSec
}

func (l *Loop) clamp(v float64) float64 {
	if v > l.outMax {
		return l.outMax
	}
	if v < l.outMin {
		return l.outMin
	}
	return v
}

// Reset clears integrator and derivative state, e.g. on phase entry or fault.
func (l *Loop) Reset() {
	l.integral = 0
	l.lastErr = 0
	l.primed = false
}
