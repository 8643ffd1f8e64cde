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

// Package safety implements the interlock monitor. It runs first on every
// control tick and has override authority over everything else: any tripped
// flag forces the process machine into fault and zeroes all actuator duties
// within the same tick.
package safety

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/models"
)

// ErrConditionsStillActive is returned by Reset while any live interlock
// condition still holds. Flags cannot be force-cleared.
var ErrConditionsStillActive = errors.New("safety conditions still active, reset refused")

// Monitor evaluates the interlock conditions and latches violations.
type Monitor struct {
	limits config.MachineLimits
	log    *zap.SugaredLogger

	mu sync.RWMutex

	// Hardware/operator inputs, set asynchronously.
	estopInput bool
	gateInput  bool

	// sensorFault mirrors the stale-beyond-bound escalation for this tick.
	sensorFault bool

	latched models.SafetyState
}

// NewMonitor creates a monitor against the given absolute machine limits.
func NewMonitor(limits config.MachineLimits) *Monitor {
	return &Monitor{
		limits: limits,
		log:    logger.For(logger.ComponentSafety),
	}
}

// SetEmergencyStop latches or releases the hardware emergency input. Releasing
// the input does not clear the latched flag; only Reset does.
func (m *Monitor) SetEmergencyStop(asserted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estopInput = asserted
	if asserted {
		m.log.Errorf("Emergency stop asserted")
	}
}

// SetGateOpen reports the safety gate switch state.
func (m *Monitor) SetGateOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateInput = open
}

// ReportSensorFault flags a stale-beyond-bound sensor snapshot for this tick.
func (m *Monitor) ReportSensorFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensorFault = true
}

// Evaluate runs once per control tick, before any other consumer of the
// snapshot. It returns the latched state after folding in this tick's live
// conditions.
func (m *Monitor) Evaluate(snap *models.SensorSnapshot) models.SafetyState {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveConditions(snap)
	wasTripped := m.latched.Any()

	m.latched.EmergencyStop = m.latched.EmergencyStop || live.EmergencyStop
	m.latched.GateOpen = m.latched.GateOpen || live.GateOpen
	m.latched.OverTemperature = m.latched.OverTemperature || live.OverTemperature
	m.latched.OverPressure = m.latched.OverPressure || live.OverPressure
	m.latched.OverForce = m.latched.OverForce || live.OverForce
	m.latched.SensorFault = m.latched.SensorFault || live.SensorFault

	if !wasTripped && m.latched.Any() {
		m.latched.TrippedAt = time.Now()
		m.log.Errorf("Safety violation latched: estop=%t gate=%t overTemp=%t overPressure=%t overForce=%t sensor=%t",
			m.latched.EmergencyStop, m.latched.GateOpen, m.latched.OverTemperature,
			m.latched.OverPressure, m.latched.OverForce, m.latched.SensorFault)
	}

	// The sensor-fault report is per tick; the latch carries it onward.
	m.sensorFault = false

	return m.latched
}

// State returns the latched flags without re-evaluating.
func (m *Monitor) State() models.SafetyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latched
}

// Reset clears the latched flags, but only once every live condition has
// cleared on its own. While the emergency input is still asserted or the gate
// still open, Reset is a refused no-op.
func (m *Monitor) Reset(snap *models.SensorSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if live := m.liveConditions(snap); live.Any() {
		m.log.Warnf("Fault reset refused, conditions still active")
		return ErrConditionsStillActive
	}

	m.latched = models.SafetyState{}
	m.log.Infof("Safety flags cleared by explicit reset")
	return nil
}

// liveConditions computes this tick's raw conditions. Callers hold the lock.
func (m *Monitor) liveConditions(snap *models.SensorSnapshot) models.SafetyState {
	live := models.SafetyState{
		EmergencyStop: m.estopInput,
		GateOpen:      m.gateInput,
		SensorFault:   m.sensorFault,
	}
	if snap == nil {
		return live
	}

	for zone := models.ThermalZone(0); zone < models.NumThermalZones; zone++ {
		if snap.ZoneTemp(zone) > m.limits.MaxZoneTemp[zone] {
			live.OverTemperature = true
			break
		}
	}
	for _, p := range snap.CavityPressure {
		if p > m.limits.MaxPressure {
			live.OverPressure = true
			break
		}
	}
	if snap.ClampForce > m.limits.MaxClampForce {
		live.OverForce = true
	}
	return live
}

// SafeCommands is the only actuator output permitted while any flag is set:
// everything zeroed, with the relief valve asserted on pressure faults.
func SafeCommands(state models.SafetyState) models.ActuatorCommands {
	cmds := models.Zeroed()
	cmds.ReliefValve = state.OverPressure
	return cmds
}
