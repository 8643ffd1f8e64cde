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

package machine

import (
	"context"
	"math"
	"time"

	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/safety"
)

// Tick advances the machine by one control period. The safety state has
// already been evaluated for this tick; if any flag is set the machine drops
// into fault and only the safe command set leaves this function.
//
// The returned record is non-nil exactly once per cycle: on the tick that
// returns the machine to idle, carrying the finalized record.
func (m *Machine) Tick(ctx context.Context, snap *models.SensorSnapshot, safe models.SafetyState, now time.Time, dt time.Duration) (models.ActuatorCommands, *cycle.Record) {
	if safe.Any() {
		if m.fsm.Current() != StateFault {
			m.event(ctx, EventSafetyFault, now)
		}
		return safety.SafeCommands(safe), nil
	}

	phase := m.fsm.Current()
	if m.live != nil {
		m.live.ObserveTick(snap, dt, phase == StatePackHold)
	}

	var cmds models.ActuatorCommands
	var finished *cycle.Record

	switch phase {
	case StateIdle:
		if m.startPermitted(now) {
			// Snapshot the recipe for the whole cycle; mid-cycle parameter
			// changes wait in the store until the next idle.
			m.active = m.params.Active()
			m.setLive(cycle.NewRecord(now))
			m.event(ctx, EventStartCycle, now)
			cmds.Clamp = 100
		}

	case StateClampClose:
		cmds.Clamp = 100
		if now.Sub(m.phaseEnteredAt) >= m.clampSettleTime() {
			m.event(ctx, EventClampSettled, now)
		}

	case StateInjection:
		cmds.Clamp = 100
		cmds.InjectionValve = m.injectionDuty(snap, dt)
		if snap.Position >= m.active.TransferPosition || m.finalStageExhausted(snap) {
			m.event(ctx, EventTransfer, now)
		}

	case StatePackHold:
		cmds.Clamp = 100
		m.packElapsed += dt
		cmds.PackValve = m.packDuty(snap, dt)

		if m.gateSealDetected(snap) {
			m.event(ctx, EventGateSealed, now)
		} else if m.packElapsed >= m.active.PackHoldTimeout() {
			m.event(ctx, EventPackTimeout, now)
		}

	case StateCooling:
		cmds.Clamp = 100
		if now.Sub(m.phaseEnteredAt) >= m.active.CoolingTime.D() {
			m.event(ctx, EventCoolingDone, now)
		}

	case StateEjection:
		if now.Sub(m.phaseEnteredAt) >= m.ejectionTime() {
			m.event(ctx, EventEjected, now)
		}

	case StateClampOpen:
		if now.Sub(m.phaseEnteredAt) >= m.clampOpenTime() {
			m.event(ctx, EventClampOpened, now)
		}

	case StatePlasticizing:
		cmds.BackPressure = m.active.BackPressureDuty
		m.shotRecovered += math.Abs(snap.Velocity) * dt.Seconds()
		if m.shotRecovered >= m.active.ShotVolume {
			rec := m.live
			m.setLive(nil)
			m.event(ctx, EventShotReady, now)
			if rec != nil {
				rec.Finalize(now)
				finished = rec
			}
		}

	case StateFault:
		// Flags are clear, or we would have left through the guard above.
		// Stay safe until an explicit reset request arrives.
		if m.consumeResetRequest() {
			m.event(ctx, EventFaultReset, now)
		}
		return models.Zeroed(), nil
	}

	return cmds, finished
}

// injectionDuty closes the velocity loop around the active stage's target.
// Pressure protection takes precedence: above the recipe ceiling the duty is
// forced to zero regardless of velocity error.
func (m *Machine) injectionDuty(snap *models.SensorSnapshot, dt time.Duration) float64 {
	stages := m.active.VelocityStages

	for m.stageIdx+1 < len(stages) && snap.Position >= stages[m.stageIdx].TriggerPosition {
		m.stageIdx++
		m.log.Debugf("Velocity stage advanced to %d (target %.1f mm/s)",
			m.stageIdx, stages[m.stageIdx].TargetVelocity)
	}

	if snap.AvgCavityPressure() > m.active.PressureCeiling {
		m.velocityLoop.Reset()
		return 0
	}
	return m.velocityLoop.Update(stages[m.stageIdx].TargetVelocity, snap.Velocity, dt)
}

// finalStageExhausted is the transfer fallback for when the configured
// transfer position was never reached.
func (m *Machine) finalStageExhausted(snap *models.SensorSnapshot) bool {
	stages := m.active.VelocityStages
	last := len(stages) - 1
	return m.stageIdx == last && snap.Position >= stages[last].TriggerPosition
}

// packTarget selects the active pack stage by elapsed phase time, falling
// back to the hold pressure once the profile is exhausted.
func (m *Machine) packTarget() float64 {
	var cumulative time.Duration
	for _, stage := range m.active.PackStages {
		cumulative += stage.Duration.D()
		if m.packElapsed < cumulative {
			return stage.TargetPressure
		}
	}
	return m.active.HoldPressure
}

// packDuty closes the pressure loop around the active pack target, with the
// same ceiling override as injection.
func (m *Machine) packDuty(snap *models.SensorSnapshot, dt time.Duration) float64 {
	avg := snap.AvgCavityPressure()
	if avg > m.active.PressureCeiling {
		m.pressureLoop.Reset()
		return 0
	}
	return m.pressureLoop.Update(m.packTarget(), avg, dt)
}

// gateSealDetected compares this tick's average cavity pressure against the
// previous tick's. A fractional drop at or above the threshold means the gate
// has frozen: applied pressure no longer reaches the cavities.
func (m *Machine) gateSealDetected(snap *models.SensorSnapshot) bool {
	avg := snap.AvgCavityPressure()
	defer func() {
		m.prevPackAvg = avg
		m.packPrimed = true
	}()

	if !m.packPrimed || m.prevPackAvg <= 0 {
		return false
	}
	drop := (m.prevPackAvg - avg) / m.prevPackAvg
	if drop >= m.gateSealThreshold {
		m.log.Infof("Gate seal detected: avg pressure dropped %.1f%% in one tick", drop*100)
		return true
	}
	return false
}
