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

// Package temperature regulates the thermal zones. One independent PID loop
// per zone, always active regardless of the process phase. Zone readiness
// gates the idle-to-clamp-close transition.
package temperature

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/internal/pid"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/models"
)

// Regulator drives all heater zones.
type Regulator struct {
	loops  [models.NumThermalZones]*pid.Loop
	limits config.MachineLimits

	tolerance float64
	readyHold time.Duration

	withinSince time.Time
	withinBand  bool

	log *zap.SugaredLogger
}

// NewRegulator creates the per-zone loops from the shared temperature gains.
func NewRegulator(gains config.PIDGains, limits config.MachineLimits, tolerance float64, readyHold time.Duration) *Regulator {
	r := &Regulator{
		limits:    limits,
		tolerance: tolerance,
		readyHold: readyHold,
		log:       logger.For(logger.ComponentTemperature),
	}
	for zone := range r.loops {
		r.loops[zone] = pid.NewLoop(gains.Kp, gains.Ki, gains.Kd, 0, 100)
	}
	return r
}

// Compute runs every thermal tick. It returns the per-zone heater duties and
// tracks the sustained-readiness window. A zone above its absolute ceiling
// gets zero duty immediately; the safety monitor raises the over-temperature
// flag from the same snapshot.
func (r *Regulator) Compute(setpoints [models.NumThermalZones]float64, snap *models.SensorSnapshot, dt time.Duration) [models.NumThermalZones]float64 {
	var duties [models.NumThermalZones]float64
	allWithin := true

	for zone := models.ThermalZone(0); zone < models.NumThermalZones; zone++ {
		reading := snap.ZoneTemp(zone)

		if reading > r.limits.MaxZoneTemp[zone] {
			duties[zone] = 0
			r.loops[zone].Reset()
			allWithin = false
			continue
		}

		duties[zone] = r.loops[zone].Update(setpoints[zone], reading, dt)

		if math.Abs(reading-setpoints[zone]) > r.tolerance {
			allWithin = false
		}
	}

	now := snap.Timestamp
	if allWithin {
		if !r.withinBand {
			r.withinBand = true
			r.withinSince = now
			r.log.Debugf("All zones entered tolerance band")
		}
	} else if r.withinBand {
		r.withinBand = false
		r.log.Debugf("Zone left tolerance band, readiness window restarted")
	}

	return duties
}

// AllZonesReady reports whether every zone has sat inside its tolerance band
// for the sustained readiness interval.
func (r *Regulator) AllZonesReady(now time.Time) bool {
	return r.withinBand && now.Sub(r.withinSince) >= r.readyHold
}

// Reset clears all loop state, e.g. after a fault.
func (r *Regulator) Reset() {
	for _, loop := range r.loops {
		loop.Reset()
	}
	r.withinBand = false
}
