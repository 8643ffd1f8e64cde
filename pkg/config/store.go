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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/models"
)

// ParameterPatch is a partial ProcessParameters update from the operator API.
// Nil fields are left untouched.
type ParameterPatch struct {
	VelocityStages   *[]VelocityStage   `json:"velocityStages,omitempty"`
	TransferPosition *float64           `json:"transferPosition,omitempty"`
	PackStages       *[]PackStage       `json:"packStages,omitempty"`
	HoldPressure     *float64           `json:"holdPressure,omitempty"`
	HoldTime         *Duration          `json:"holdTime,omitempty"`
	ZoneSetpoints    map[string]float64 `json:"zoneSetpoints,omitempty"`
	CoolingTime      *Duration          `json:"coolingTime,omitempty"`
	TargetWeight     *float64           `json:"targetWeight,omitempty"`
	WeightTolerance  *float64           `json:"weightTolerance,omitempty"`
	PressureCeiling  *float64           `json:"pressureCeiling,omitempty"`
	BackPressureDuty *float64           `json:"backPressureDuty,omitempty"`
}

// ParameterStore owns the active ProcessParameters and serializes every
// mutation. Updates are staged and only swapped in via CommitPending, which
// the control loop calls while the machine sits in idle. This keeps an
// in-flight phase's control targets stable for the whole cycle.
type ParameterStore struct {
	mu      sync.RWMutex
	limits  MachineLimits
	active  ProcessParameters
	pending *ProcessParameters
	log     *zap.SugaredLogger
}

// NewParameterStore validates and installs the initial recipe.
func NewParameterStore(initial ProcessParameters, limits MachineLimits, log *zap.SugaredLogger) (*ParameterStore, error) {
	if err := initial.Validate(limits); err != nil {
		return nil, err
	}
	return &ParameterStore{
		limits: limits,
		active: initial,
		log:    log,
	}, nil
}

// Active returns a deep copy of the recipe currently driving the machine.
func (s *ParameterStore) Active() ProcessParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyParams(&s.active)
}

// Limits returns the absolute machine bounds.
func (s *ParameterStore) Limits() MachineLimits {
	return s.limits
}

// HasPending reports whether a staged update is waiting for idle.
func (s *ParameterStore) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending != nil
}

// CommitPending swaps in the staged recipe, if any. Returns true if a swap
// happened. Only the control loop calls this, and only at idle.
func (s *ParameterStore) CommitPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.active = *s.pending
	s.pending = nil
	s.log.Infof("Committed staged process parameters")
	return true
}

// DiscardPending drops any staged update without applying it.
func (s *ParameterStore) DiscardPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// StagePatch merges an operator patch onto the latest staged (or active)
// recipe, validates the result and stages it for the next idle.
func (s *ParameterStore) StagePatch(patch ParameterPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.baseForStaging()

	if patch.VelocityStages != nil {
		candidate.VelocityStages = append([]VelocityStage(nil), (*patch.VelocityStages)...)
	}
	if patch.TransferPosition != nil {
		candidate.TransferPosition = *patch.TransferPosition
	}
	if patch.PackStages != nil {
		candidate.PackStages = append([]PackStage(nil), (*patch.PackStages)...)
	}
	if patch.HoldPressure != nil {
		candidate.HoldPressure = *patch.HoldPressure
	}
	if patch.HoldTime != nil {
		candidate.HoldTime = *patch.HoldTime
	}
	for name, sp := range patch.ZoneSetpoints {
		zone, err := zoneByName(name)
		if err != nil {
			return err
		}
		candidate.ZoneSetpoints[zone] = sp
	}
	if patch.CoolingTime != nil {
		candidate.CoolingTime = *patch.CoolingTime
	}
	if patch.TargetWeight != nil {
		candidate.TargetWeight = *patch.TargetWeight
	}
	if patch.WeightTolerance != nil {
		candidate.WeightTolerance = *patch.WeightTolerance
	}
	if patch.PressureCeiling != nil {
		candidate.PressureCeiling = *patch.PressureCeiling
	}
	if patch.BackPressureDuty != nil {
		candidate.BackPressureDuty = *patch.BackPressureDuty
	}

	if err := candidate.Validate(s.limits); err != nil {
		return err
	}
	s.pending = &candidate
	s.log.Infof("Staged operator parameter patch, applies at next idle")
	return nil
}

// StageDeltas applies additive optimizer deltas onto the latest staged (or
// active) recipe. Keys address individual recipe fields; unknown keys reject
// the whole recommendation.
func (s *ParameterStore) StageDeltas(deltas map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.baseForStaging()

	for key, delta := range deltas {
		switch {
		case key == "hold_pressure":
			candidate.HoldPressure += delta
		case key == "hold_time_s":
			candidate.HoldTime += Duration(time.Duration(delta * float64(time.Second)))
		case key == "cooling_time_s":
			candidate.CoolingTime += Duration(time.Duration(delta * float64(time.Second)))
		case key == "pack_pressure":
			for i := range candidate.PackStages {
				candidate.PackStages[i].TargetPressure += delta
			}
		case key == "velocity_scale":
			for i := range candidate.VelocityStages {
				candidate.VelocityStages[i].TargetVelocity *= 1 + delta
			}
		case strings.HasPrefix(key, "zone_setpoint_"):
			zone, err := zoneByName(strings.TrimPrefix(key, "zone_setpoint_"))
			if err != nil {
				return err
			}
			candidate.ZoneSetpoints[zone] += delta
		default:
			return fmt.Errorf("%w: unknown optimizer delta key %q", ErrInvalidParameters, key)
		}
	}

	if err := candidate.Validate(s.limits); err != nil {
		return err
	}
	s.pending = &candidate
	s.log.Infof("Staged optimizer parameter deltas (%d fields), applies at next idle", len(deltas))
	return nil
}

// baseForStaging returns a deep copy of pending if present, else active.
// Callers must hold the write lock.
func (s *ParameterStore) baseForStaging() ProcessParameters {
	if s.pending != nil {
		return s.copyParams(s.pending)
	}
	return s.copyParams(&s.active)
}

func (s *ParameterStore) copyParams(src *ProcessParameters) ProcessParameters {
	var dst ProcessParameters
	if err := deepcopy.Copy(&dst, src); err != nil {
		// Only reachable on type mismatches, which cannot happen here.
		s.log.Errorf("Failed to deep copy process parameters: %v", err)
		return *src
	}
	return dst
}

func zoneByName(name string) (models.ThermalZone, error) {
	for zone := models.ThermalZone(0); zone < models.NumThermalZones; zone++ {
		if zone.String() == name {
			return zone, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown thermal zone %q", ErrInvalidParameters, name)
}
