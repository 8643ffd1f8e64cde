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

package models

import "time"

const (
	// NumCavities is the number of instrumented mold cavities.
	NumCavities = 4
	// NumBarrelZones is the number of barrel heating zones.
	NumBarrelZones = 3
)

// ThermalZone identifies one independently regulated heating zone.
type ThermalZone int

const (
	ZoneBarrel1 ThermalZone = iota
	ZoneBarrel2
	ZoneBarrel3
	ZoneNozzle
	ZoneMold

	// NumThermalZones is the total heater channel count.
	NumThermalZones
)

// String returns the zone name used in logs and metrics labels.
func (z ThermalZone) String() string {
	switch z {
	case ZoneBarrel1:
		return "barrel_1"
	case ZoneBarrel2:
		return "barrel_2"
	case ZoneBarrel3:
		return "barrel_3"
	case ZoneNozzle:
		return "nozzle"
	case ZoneMold:
		return "mold"
	default:
		return "unknown"
	}
}

// SensorSnapshot is one consistent set of typed readings. Valid is false when
// the digitization layer could not produce a coherent sample this tick.
type SensorSnapshot struct {
	CavityPressure [NumCavities]float64    `json:"cavityPressure"` // bar
	BarrelTemp     [NumBarrelZones]float64 `json:"barrelTemp"`     // degC
	NozzleTemp     float64                 `json:"nozzleTemp"`     // degC
	MoldTemp       float64                 `json:"moldTemp"`       // degC
	AmbientTemp    float64                 `json:"ambientTemp"`    // degC
	Position       float64                 `json:"position"`       // mm, screw position
	Velocity       float64                 `json:"velocity"`       // mm/s
	ClampForce     float64                 `json:"clampForce"`     // kN
	Valid          bool                    `json:"valid"`
	Timestamp      time.Time               `json:"timestamp"`
}

// ZoneTemp returns the reading for the given thermal zone.
func (s *SensorSnapshot) ZoneTemp(zone ThermalZone) float64 {
	switch zone {
	case ZoneBarrel1, ZoneBarrel2, ZoneBarrel3:
		return s.BarrelTemp[int(zone)]
	case ZoneNozzle:
		return s.NozzleTemp
	case ZoneMold:
		return s.MoldTemp
	default:
		return 0
	}
}

// AvgCavityPressure returns the cross-cavity average pressure.
func (s *SensorSnapshot) AvgCavityPressure() float64 {
	var sum float64
	for _, p := range s.CavityPressure {
		sum += p
	}
	return sum / NumCavities
}

// MeltTemp approximates the melt temperature as the nozzle reading.
func (s *SensorSnapshot) MeltTemp() float64 {
	return s.NozzleTemp
}

// ActuatorCommands is the per-channel duty output of one control tick.
// All duties are percentages in [0,100].
type ActuatorCommands struct {
	InjectionValve float64                  `json:"injectionValve"`
	PackValve      float64                  `json:"packValve"`
	BackPressure   float64                  `json:"backPressure"`
	Clamp          float64                  `json:"clamp"`
	HeaterDuty     [NumThermalZones]float64 `json:"heaterDuty"`
	// ReliefValve is asserted to vent hydraulic pressure on a pressure fault.
	ReliefValve bool `json:"reliefValve"`
}

// Zeroed returns commands with every duty at zero, heater duties included.
func Zeroed() ActuatorCommands {
	return ActuatorCommands{}
}

// SafetyState is the set of independent interlock flags. Flags latch: once
// tripped they stay set until the underlying condition clears AND an explicit
// reset is performed.
type SafetyState struct {
	EmergencyStop   bool `json:"emergencyStop"`
	GateOpen        bool `json:"gateOpen"`
	OverTemperature bool `json:"overTemperature"`
	OverPressure    bool `json:"overPressure"`
	OverForce       bool `json:"overForce"`
	// SensorFault is the escalation of a stale-beyond-bound sensor snapshot.
	SensorFault bool      `json:"sensorFault"`
	TrippedAt   time.Time `json:"trippedAt,omitempty"`
}

// Any reports whether at least one interlock flag is set.
func (s SafetyState) Any() bool {
	return s.EmergencyStop || s.GateOpen || s.OverTemperature || s.OverPressure ||
		s.OverForce || s.SensorFault
}

// QualityClass is the ordered classification of a finished part.
type QualityClass string

const (
	QualityExcellent  QualityClass = "excellent"
	QualityGood       QualityClass = "good"
	QualityAcceptable QualityClass = "acceptable"
	QualityPoor       QualityClass = "poor"
	QualityReject     QualityClass = "reject"
)

// QualityPrediction is the per-cycle output of the quality predictor.
type QualityPrediction struct {
	PredictedWeight  float64      `json:"predictedWeight"` // g
	DimensionalIndex float64      `json:"dimensionalIndex"`
	StrengthIndex    float64      `json:"strengthIndex"`
	Score            float64      `json:"score"`
	Class            QualityClass `json:"class"`
	Reject           bool         `json:"reject"`
	// RejectReason is empty unless Reject is true.
	RejectReason string `json:"rejectReason,omitempty"`
}

// MaterialProperties describes the polymer currently processed. Values come
// from the material database and feed the quality predictor.
type MaterialProperties struct {
	Name              string  `yaml:"name" json:"name"`
	MeltDensity       float64 `yaml:"meltDensity" json:"meltDensity"`             // g/cm3
	ReferenceMeltTemp float64 `yaml:"referenceMeltTemp" json:"referenceMeltTemp"` // degC
	ShrinkageFactor   float64 `yaml:"shrinkageFactor" json:"shrinkageFactor"`
}
