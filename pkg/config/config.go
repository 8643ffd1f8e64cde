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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/models"
)

// ErrInvalidParameters is wrapped by every parameter validation failure.
var ErrInvalidParameters = errors.New("invalid process parameters")

// Duration wraps time.Duration so YAML and JSON configs can use values like
// "500ms" or "12s".
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a quoted string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// VelocityStage is one step of the injection velocity profile. The stage is
// active until the screw position reaches TriggerPosition.
type VelocityStage struct {
	TargetVelocity  float64 `yaml:"targetVelocity" json:"targetVelocity"`   // mm/s
	TriggerPosition float64 `yaml:"triggerPosition" json:"triggerPosition"` // mm
}

// PackStage is one step of the pack pressure profile, selected by elapsed
// phase time.
type PackStage struct {
	TargetPressure float64  `yaml:"targetPressure" json:"targetPressure"` // bar
	Duration       Duration `yaml:"duration" json:"duration"`
}

// ProcessParameters is the full recipe for one part. It is only ever mutated
// between cycles, through the ParameterStore.
type ProcessParameters struct {
	VelocityStages   []VelocityStage `yaml:"velocityStages" json:"velocityStages"`
	TransferPosition float64         `yaml:"transferPosition" json:"transferPosition"` // mm, V/P switchover

	PackStages   []PackStage `yaml:"packStages" json:"packStages"`
	HoldPressure float64     `yaml:"holdPressure" json:"holdPressure"` // bar
	HoldTime     Duration    `yaml:"holdTime" json:"holdTime"`

	ZoneSetpoints [models.NumThermalZones]float64 `yaml:"zoneSetpoints" json:"zoneSetpoints"` // degC

	CoolingTime Duration `yaml:"coolingTime" json:"coolingTime"`

	// ShotVolume is the screw stroke accumulated during plasticizing, in mm.
	ShotVolume       float64 `yaml:"shotVolume" json:"shotVolume"`
	BackPressureDuty float64 `yaml:"backPressureDuty" json:"backPressureDuty"` // %

	TargetWeight    float64 `yaml:"targetWeight" json:"targetWeight"`       // g
	WeightTolerance float64 `yaml:"weightTolerance" json:"weightTolerance"` // g

	// PressureCeiling is the hard per-recipe pressure bound. The injection
	// controller forces zero duty above it regardless of velocity error.
	PressureCeiling float64 `yaml:"pressureCeiling" json:"pressureCeiling"` // bar
}

// MachineLimits are absolute machine-safe bounds, independent of any recipe.
// Crossing one of these is a safety fault, not a quality problem.
type MachineLimits struct {
	MaxPressure   float64                         `yaml:"maxPressure" json:"maxPressure"`     // bar
	MaxClampForce float64                         `yaml:"maxClampForce" json:"maxClampForce"` // kN
	MaxZoneTemp   [models.NumThermalZones]float64 `yaml:"maxZoneTemp" json:"maxZoneTemp"`     // degC
}

// MetricLimits are the engineering tolerance bounds for one SPC metric.
// They express what the part drawing allows, not what the process does.
type MetricLimits struct {
	USL float64 `yaml:"usl" json:"usl"`
	LSL float64 `yaml:"lsl" json:"lsl"`
}

// SPCConfig configures the statistical process control engine.
type SPCConfig struct {
	WindowSize int `yaml:"windowSize" json:"windowSize"`
	// EscalateAfter, when non-zero, halts cycle starts once a metric has been
	// unstable for the given duration. Zero keeps instability advisory-only.
	EscalateAfter Duration                `yaml:"escalateAfter" json:"escalateAfter"`
	Metrics       map[string]MetricLimits `yaml:"metrics" json:"metrics"`
}

// OptimizerSettings configures the asynchronous optimizer link.
type OptimizerSettings struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	Broker              string   `yaml:"broker" json:"broker"`
	ConfidenceThreshold float64  `yaml:"confidenceThreshold" json:"confidenceThreshold"`
	StalenessBound      Duration `yaml:"stalenessBound" json:"stalenessBound"`
}

// PIDGains holds the tuning of one closed loop.
type PIDGains struct {
	Kp float64 `yaml:"kp" json:"kp"`
	Ki float64 `yaml:"ki" json:"ki"`
	Kd float64 `yaml:"kd" json:"kd"`
}

// ControlGains groups the loop tunings for the machine.
type ControlGains struct {
	Velocity    PIDGains `yaml:"velocity" json:"velocity"`
	Pressure    PIDGains `yaml:"pressure" json:"pressure"`
	Temperature PIDGains `yaml:"temperature" json:"temperature"`
}

// CycleLogSettings configures the append-only cycle log sink.
type CycleLogSettings struct {
	FilePath    string `yaml:"filePath" json:"filePath"`
	KafkaBroker string `yaml:"kafkaBroker" json:"kafkaBroker"`
	KafkaTopic  string `yaml:"kafkaTopic" json:"kafkaTopic"`
}

// FullConfig is the root of the controller configuration file.
type FullConfig struct {
	Process   ProcessParameters         `yaml:"process" json:"process"`
	Limits    MachineLimits             `yaml:"limits" json:"limits"`
	Gains     ControlGains              `yaml:"gains" json:"gains"`
	Material  models.MaterialProperties `yaml:"material" json:"material"`
	SPC       SPCConfig                 `yaml:"spc" json:"spc"`
	Optimizer OptimizerSettings         `yaml:"optimizer" json:"optimizer"`
	CycleLog  CycleLogSettings          `yaml:"cycleLog" json:"cycleLog"`
}

// LoadFromFile reads and validates a full controller configuration.
func LoadFromFile(path string) (FullConfig, error) {
	var cfg FullConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *FullConfig) applyDefaults() {
	if c.SPC.WindowSize == 0 {
		c.SPC.WindowSize = constants.DefaultSPCWindowSize
	}
	if c.Optimizer.ConfidenceThreshold == 0 {
		c.Optimizer.ConfidenceThreshold = constants.DefaultOptimizerConfidenceThreshold
	}
	if c.Optimizer.StalenessBound == 0 {
		c.Optimizer.StalenessBound = Duration(constants.DefaultOptimizerStalenessBound)
	}
	if c.Process.TransferPosition == 0 && len(c.Process.VelocityStages) > 0 {
		c.Process.TransferPosition = c.Process.VelocityStages[len(c.Process.VelocityStages)-1].TriggerPosition
	}
}

// Validate checks the whole configuration.
func (c *FullConfig) Validate() error {
	if err := c.Process.Validate(c.Limits); err != nil {
		return err
	}
	if c.Optimizer.ConfidenceThreshold < 0 || c.Optimizer.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: optimizer confidence threshold %.2f outside [0,1]",
			ErrInvalidParameters, c.Optimizer.ConfidenceThreshold)
	}
	for name, lim := range c.SPC.Metrics {
		if lim.USL <= lim.LSL {
			return fmt.Errorf("%w: SPC metric %s has USL %.3f <= LSL %.3f",
				ErrInvalidParameters, name, lim.USL, lim.LSL)
		}
	}
	return nil
}

// Validate checks the stage-list and setpoint invariants against the machine
// limits. Every mutation path (config load, operator patch, optimizer delta)
// funnels through this.
func (p *ProcessParameters) Validate(limits MachineLimits) error {
	if len(p.VelocityStages) == 0 {
		return fmt.Errorf("%w: velocity stage list is empty", ErrInvalidParameters)
	}
	prevPos := 0.0
	for i, stage := range p.VelocityStages {
		if stage.TargetVelocity <= 0 {
			return fmt.Errorf("%w: velocity stage %d has non-positive target %.2f",
				ErrInvalidParameters, i, stage.TargetVelocity)
		}
		if stage.TriggerPosition <= prevPos {
			return fmt.Errorf("%w: velocity stage %d trigger %.2f not above previous %.2f",
				ErrInvalidParameters, i, stage.TriggerPosition, prevPos)
		}
		prevPos = stage.TriggerPosition
	}

	if len(p.PackStages) == 0 {
		return fmt.Errorf("%w: pack stage list is empty", ErrInvalidParameters)
	}
	for i, stage := range p.PackStages {
		if stage.TargetPressure <= 0 || stage.TargetPressure > limits.MaxPressure {
			return fmt.Errorf("%w: pack stage %d pressure %.1f outside (0, %.1f]",
				ErrInvalidParameters, i, stage.TargetPressure, limits.MaxPressure)
		}
		if stage.Duration.D() <= 0 {
			return fmt.Errorf("%w: pack stage %d has non-positive duration", ErrInvalidParameters, i)
		}
	}

	if p.HoldPressure <= 0 || p.HoldPressure > limits.MaxPressure {
		return fmt.Errorf("%w: hold pressure %.1f outside (0, %.1f]",
			ErrInvalidParameters, p.HoldPressure, limits.MaxPressure)
	}
	if p.PressureCeiling <= 0 || p.PressureCeiling > limits.MaxPressure {
		return fmt.Errorf("%w: pressure ceiling %.1f outside (0, %.1f]",
			ErrInvalidParameters, p.PressureCeiling, limits.MaxPressure)
	}
	for zone := models.ThermalZone(0); zone < models.NumThermalZones; zone++ {
		sp := p.ZoneSetpoints[zone]
		if sp <= 0 || sp >= limits.MaxZoneTemp[zone] {
			return fmt.Errorf("%w: zone %s setpoint %.1f outside (0, %.1f)",
				ErrInvalidParameters, zone, sp, limits.MaxZoneTemp[zone])
		}
	}
	if p.CoolingTime.D() <= 0 {
		return fmt.Errorf("%w: cooling time must be positive", ErrInvalidParameters)
	}
	if p.TargetWeight <= 0 || p.WeightTolerance <= 0 {
		return fmt.Errorf("%w: target weight and tolerance must be positive", ErrInvalidParameters)
	}
	if p.ShotVolume <= 0 {
		return fmt.Errorf("%w: shot volume must be positive", ErrInvalidParameters)
	}
	return nil
}

// PackProfileDuration is the summed duration of all pack stages.
func (p *ProcessParameters) PackProfileDuration() time.Duration {
	var total time.Duration
	for _, stage := range p.PackStages {
		total += stage.Duration.D()
	}
	return total
}

// PackHoldTimeout is the liveness bound of the pack/hold phase: profile plus
// hold time. The phase leaves at the latest when this has elapsed.
func (p *ProcessParameters) PackHoldTimeout() time.Duration {
	return p.PackProfileDuration() + p.HoldTime.D()
}

// ReferencePressureIntegral is the pressure-time integral implied by running
// the configured pack profile and hold phase exactly at target, in bar*s.
func (p *ProcessParameters) ReferencePressureIntegral() float64 {
	var integral float64
	for _, stage := range p.PackStages {
		integral += stage.TargetPressure * stage.Duration.D().Seconds()
	}
	integral += p.HoldPressure * p.HoldTime.D().Seconds()
	return integral
}
