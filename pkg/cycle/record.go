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

// Package cycle holds the per-cycle record built up tick by tick while a shot
// runs, and the bounded history of finalized records. The process state
// machine is the only writer of the live record; everything downstream sees
// finalized, immutable records.
package cycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/precisionmold/imc-core/pkg/models"
)

// traceDecimation keeps the position/velocity trace at a manageable size:
// one point per N control ticks.
const traceDecimation = 10

// PhaseSpan is one entry of the cycle's phase timeline.
type PhaseSpan struct {
	Phase     models.Phase  `json:"phase"`
	EnteredAt time.Time     `json:"enteredAt"`
	Duration  time.Duration `json:"duration"`
}

// TracePoint is one decimated sample of the actuator motion trace.
type TracePoint struct {
	Offset   time.Duration `json:"offset"` // since cycle start
	Position float64       `json:"position"`
	Velocity float64       `json:"velocity"`
}

// Record aggregates everything measured during one cycle. It is mutated
// incrementally while the cycle runs and immutable after Finalize.
type Record struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	CycleTime time.Duration `json:"cycleTime"`

	Timeline []PhaseSpan `json:"timeline"`

	// Cavity pressure aggregation across the whole cycle.
	PeakCavityPressure [models.NumCavities]float64 `json:"peakCavityPressure"`
	PeakPressure       float64                     `json:"peakPressure"` // worst cross-cavity average
	AvgPressure        float64                     `json:"avgPressure"`  // running mean of cross-cavity average
	BalancePct         float64                     `json:"balancePct"`   // worst cavity imbalance seen

	// PressureIntegral is the bar*s integral of the average cavity pressure
	// over the pack/hold phase. It drives the weight prediction.
	PressureIntegral float64 `json:"pressureIntegral"`

	AvgMeltTemp   float64 `json:"avgMeltTemp"`
	AvgMoldTemp   float64 `json:"avgMoldTemp"`
	MaxClampForce float64 `json:"maxClampForce"`

	Trace []TracePoint `json:"trace,omitempty"`

	Finalized bool `json:"finalized"`

	prevAvgPressure float64
	pressureSamples int
	tempSamples     int
	tickCount       int
}

// NewRecord opens a record at the moment the machine leaves idle.
func NewRecord(now time.Time) *Record {
	return &Record{
		ID:        uuid.NewString(),
		StartedAt: now,
	}
}

// EnterPhase closes the previous timeline span and opens a new one.
func (r *Record) EnterPhase(phase models.Phase, now time.Time) {
	if r.Finalized {
		return
	}
	if n := len(r.Timeline); n > 0 {
		r.Timeline[n-1].Duration = now.Sub(r.Timeline[n-1].EnteredAt)
	}
	r.Timeline = append(r.Timeline, PhaseSpan{Phase: phase, EnteredAt: now})
}

// ObserveTick folds one sensor snapshot into the running aggregates.
// inPackHold gates the pressure-time integral.
func (r *Record) ObserveTick(snap *models.SensorSnapshot, dt time.Duration, inPackHold bool) {
	if r.Finalized {
		return
	}
	r.tickCount++

	avg := snap.AvgCavityPressure()
	for i, p := range snap.CavityPressure {
		if p > r.PeakCavityPressure[i] {
			r.PeakCavityPressure[i] = p
		}
	}
	if avg > r.PeakPressure {
		r.PeakPressure = avg
	}
	r.pressureSamples++
	r.AvgPressure += (avg - r.AvgPressure) / float64(r.pressureSamples)

	if bal := Balance(snap); bal > r.BalancePct {
		r.BalancePct = bal
	}

	if inPackHold {
		// Trapezoidal integration over the cross-cavity average.
		r.PressureIntegral += (avg + r.prevAvgPressure) / 2 * dt.Seconds()
	}
	r.prevAvgPressure = avg

	r.tempSamples++
	r.AvgMeltTemp += (snap.MeltTemp() - r.AvgMeltTemp) / float64(r.tempSamples)
	r.AvgMoldTemp += (snap.MoldTemp - r.AvgMoldTemp) / float64(r.tempSamples)

	if snap.ClampForce > r.MaxClampForce {
		r.MaxClampForce = snap.ClampForce
	}

	if r.tickCount%traceDecimation == 0 {
		r.Trace = append(r.Trace, TracePoint{
			Offset:   snap.Timestamp.Sub(r.StartedAt),
			Position: snap.Position,
			Velocity: snap.Velocity,
		})
	}
}

// Finalize closes the record when the machine returns to idle.
func (r *Record) Finalize(now time.Time) {
	if r.Finalized {
		return
	}
	if n := len(r.Timeline); n > 0 {
		r.Timeline[n-1].Duration = now.Sub(r.Timeline[n-1].EnteredAt)
	}
	r.EndedAt = now
	r.CycleTime = now.Sub(r.StartedAt)
	r.Finalized = true
}

// Balance returns the largest fractional deviation of any single cavity from
// the cross-cavity average, as a percentage. Zero pressure reads as balanced.
func Balance(snap *models.SensorSnapshot) float64 {
	avg := snap.AvgCavityPressure()
	if avg <= 0 {
		return 0
	}
	var worst float64
	for _, p := range snap.CavityPressure {
		dev := p - avg
		if dev < 0 {
			dev = -dev
		}
		if frac := dev / avg; frac > worst {
			worst = frac
		}
	}
	return worst * 100
}
