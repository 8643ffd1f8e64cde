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

package sensors

import (
	"sync"
	"time"

	"github.com/precisionmold/imc-core/pkg/models"
)

// Plant dynamics, tuned so a default recipe produces plausible traces. These
// are not calibrated against any physical machine.
const (
	simAmbientTemp    = 25.0  // degC
	simHeatGain       = 0.9   // degC/s at 100% duty
	simCoolCoeff      = 0.002 // 1/s toward ambient
	simVelocityGain   = 1.5   // mm/s per % injection duty
	simPressureGain   = 9.0   // bar per % valve duty
	simPressureLag    = 0.08  // first-order pressure response, 1/tick-fraction
	simClampForceGain = 6.0   // kN per % clamp duty
	simRecoveryRate   = 40.0  // mm/s screw retraction while plasticizing
)

// simCavityImbalance models slightly unequal runner resistance per cavity.
var simCavityImbalance = [models.NumCavities]float64{1.0, 0.992, 1.008, 0.997}

// ScriptFunc mutates the snapshot after the plant dynamics have run, keyed by
// elapsed simulation time. Tests and demos use it to inject disturbances.
type ScriptFunc func(elapsed time.Duration, snap *models.SensorSnapshot)

// SimProvider is a self-contained first-order plant. It implements both
// sensors.Provider and the actuator output interface, closing the loop
// without hardware: commands written on one tick shape the snapshot read on
// the next.
type SimProvider struct {
	mu       sync.Mutex
	cmds     models.ActuatorCommands
	script   ScriptFunc
	started  time.Time
	lastStep time.Time

	zoneTemp [models.NumThermalZones]float64
	pressure [models.NumCavities]float64
	position float64
	velocity float64
	clamp    float64
}

// NewSimProvider creates a plant at ambient temperature with the screw home.
func NewSimProvider() *SimProvider {
	s := &SimProvider{started: time.Now()}
	for i := range s.zoneTemp {
		s.zoneTemp[i] = simAmbientTemp
	}
	return s
}

// SetScript installs a disturbance hook.
func (s *SimProvider) SetScript(fn ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = fn
}

// Write records the latest actuator commands. Satisfies actuators.Output.
func (s *SimProvider) Write(cmds models.ActuatorCommands) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = cmds
}

// Read advances the plant by the wall-clock time since the previous read and
// returns the resulting snapshot.
func (s *SimProvider) Read() (models.SensorSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.lastStep.IsZero() {
		s.lastStep = now
	}
	dt := now.Sub(s.lastStep).Seconds()
	s.lastStep = now

	s.step(dt)

	snap := models.SensorSnapshot{
		CavityPressure: s.pressure,
		NozzleTemp:     s.zoneTemp[models.ZoneNozzle],
		MoldTemp:       s.zoneTemp[models.ZoneMold],
		AmbientTemp:    simAmbientTemp,
		Position:       s.position,
		Velocity:       s.velocity,
		ClampForce:     s.clamp,
		Valid:          true,
		Timestamp:      now,
	}
	for i := 0; i < models.NumBarrelZones; i++ {
		snap.BarrelTemp[i] = s.zoneTemp[i]
	}

	if s.script != nil {
		s.script(now.Sub(s.started), &snap)
	}
	return snap, nil
}

func (s *SimProvider) step(dt float64) {
	for zone := range s.zoneTemp {
		duty := s.cmds.HeaterDuty[zone]
		s.zoneTemp[zone] += (duty/100.0*simHeatGain - (s.zoneTemp[zone]-simAmbientTemp)*simCoolCoeff) * dt
	}

	switch {
	case s.cmds.InjectionValve > 0:
		s.velocity = s.cmds.InjectionValve / 100.0 * simVelocityGain * 100.0
		s.position += s.velocity * dt
	case s.cmds.BackPressure > 0:
		// Plasticizing: the screw retracts as melt accumulates ahead of it.
		s.velocity = -simRecoveryRate
		s.position += s.velocity * dt
		if s.position < 0 {
			s.position = 0
		}
	default:
		s.velocity = 0
	}

	// Cavity pressure follows the dominant valve duty with a first-order lag.
	drive := s.cmds.InjectionValve
	if s.cmds.PackValve > drive {
		drive = s.cmds.PackValve
	}
	if s.cmds.ReliefValve {
		drive = 0
	}
	for i := range s.pressure {
		target := drive / 100.0 * simPressureGain * 100.0 * simCavityImbalance[i]
		s.pressure[i] += (target - s.pressure[i]) * simPressureLag
	}

	s.clamp += (s.cmds.Clamp/100.0*simClampForceGain*100.0 - s.clamp) * simPressureLag
}
