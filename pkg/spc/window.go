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

// Package spc maintains per-metric control charts over the last N completed
// cycles: rolling statistics, control limits, capability indices and the
// classic run rules. Instability is advisory; it never halts production by
// itself.
package spc

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/precisionmold/imc-core/pkg/config"
)

// Tracked metric names.
const (
	MetricPeakPressure    = "peak_pressure"
	MetricPredictedWeight = "predicted_weight"
	MetricCycleTime       = "cycle_time"
	MetricMeltTemp        = "melt_temp"
)

// RuleViolations counts how often each chart rule has fired over the window's
// lifetime.
type RuleViolations struct {
	BeyondLimits   int `json:"beyondLimits"`   // point outside [LCL, UCL]
	SameSideRun    int `json:"sameSideRun"`    // >=9 consecutive on one side of the mean
	MonotonicRun   int `json:"monotonicRun"`   // >=6 consecutive strictly monotonic
	AlternatingRun int `json:"alternatingRun"` // >=14 consecutive alternating
}

// Window is the fixed-capacity circular buffer for one metric plus its
// derived statistics. The engine is its only writer.
type Window struct {
	Metric string `json:"metric"`

	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	UCL    float64 `json:"ucl"`
	LCL    float64 `json:"lcl"`
	Cp     float64 `json:"cp"`
	Cpk    float64 `json:"cpk"`

	// Valid flips once the buffer has filled at least once. Before that the
	// statistics above are provisional.
	Valid      bool           `json:"valid"`
	Stable     bool           `json:"stable"`
	Violations RuleViolations `json:"violations"`

	limits    config.MetricLimits
	hasLimits bool

	values   []float64
	capacity int
	next     int
	filled   bool
}

func newWindow(metric string, capacity int, limits config.MetricLimits, hasLimits bool) *Window {
	return &Window{
		Metric:    metric,
		Stable:    true,
		limits:    limits,
		hasLimits: hasLimits,
		values:    make([]float64, 0, capacity),
		capacity:  capacity,
	}
}

// insert adds a sample, evicting the oldest once at capacity, and recomputes
// all derived state.
func (w *Window) insert(value float64) {
	if len(w.values) < w.capacity {
		w.values = append(w.values, value)
		if len(w.values) == w.capacity {
			w.filled = true
		}
	} else {
		w.values[w.next] = value
		w.next = (w.next + 1) % w.capacity
	}
	w.recompute()
}

// ordered returns the window contents oldest first.
func (w *Window) ordered() []float64 {
	if len(w.values) < w.capacity {
		return w.values
	}
	out := make([]float64, 0, w.capacity)
	out = append(out, w.values[w.next:]...)
	out = append(out, w.values[:w.next]...)
	return out
}

// Values returns a copy of the chronological window contents.
func (w *Window) Values() []float64 {
	return append([]float64(nil), w.ordered()...)
}

func (w *Window) recompute() {
	w.Valid = w.filled

	w.Mean = stat.Mean(w.values, nil)
	if len(w.values) > 1 {
		w.StdDev = stat.StdDev(w.values, nil)
	} else {
		w.StdDev = 0
	}

	w.UCL = w.Mean + 3*w.StdDev
	w.LCL = w.Mean - 3*w.StdDev

	if w.hasLimits && w.StdDev > 0 {
		w.Cp = (w.limits.USL - w.limits.LSL) / (6 * w.StdDev)
		w.Cpk = math.Min(
			(w.limits.USL-w.Mean)/(3*w.StdDev),
			(w.Mean-w.limits.LSL)/(3*w.StdDev),
		)
	} else {
		w.Cp = 0
		w.Cpk = 0
	}

	w.evaluateRules()
}

// evaluateRules applies the four run rules in order; any firing rule sets the
// instability flag.
func (w *Window) evaluateRules() {
	points := w.ordered()
	w.Stable = true
	if len(points) < 2 {
		return
	}

	if w.ruleBeyondLimits(points) {
		w.Violations.BeyondLimits++
		w.Stable = false
	}
	if w.ruleSameSideRun(points, 9) {
		w.Violations.SameSideRun++
		w.Stable = false
	}
	if w.ruleMonotonicRun(points, 6) {
		w.Violations.MonotonicRun++
		w.Stable = false
	}
	if w.ruleAlternatingRun(points, 14) {
		w.Violations.AlternatingRun++
		w.Stable = false
	}
}

func (w *Window) ruleBeyondLimits(points []float64) bool {
	for _, v := range points {
		if v > w.UCL || v < w.LCL {
			return true
		}
	}
	return false
}

func (w *Window) ruleSameSideRun(points []float64, runLen int) bool {
	run := 0
	side := 0
	for _, v := range points {
		var s int
		switch {
		case v > w.Mean:
			s = 1
		case v < w.Mean:
			s = -1
		default:
			run, side = 0, 0
			continue
		}
		if s == side {
			run++
		} else {
			side = s
			run = 1
		}
		if run >= runLen {
			return true
		}
	}
	return false
}

func (w *Window) ruleMonotonicRun(points []float64, runLen int) bool {
	run := 1
	dir := 0
	for i := 1; i < len(points); i++ {
		var d int
		switch {
		case points[i] > points[i-1]:
			d = 1
		case points[i] < points[i-1]:
			d = -1
		default:
			run, dir = 1, 0
			continue
		}
		if d == dir {
			run++
		} else {
			dir = d
			run = 2
		}
		if run >= runLen {
			return true
		}
	}
	return false
}

func (w *Window) ruleAlternatingRun(points []float64, runLen int) bool {
	run := 1
	lastDir := 0
	for i := 1; i < len(points); i++ {
		var d int
		switch {
		case points[i] > points[i-1]:
			d = 1
		case points[i] < points[i-1]:
			d = -1
		default:
			run, lastDir = 1, 0
			continue
		}
		if lastDir != 0 && d == -lastDir {
			run++
		} else {
			run = 2
		}
		lastDir = d
		if run >= runLen {
			return true
		}
	}
	return false
}
