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

import "github.com/precisionmold/imc-core/pkg/models"

// Phase states. Untyped so they satisfy both the fsm string API and
// models.Phase; values match the shared phase names so log consumers and the
// cycle record agree on naming.
const (
	StateIdle         = "idle"
	StateClampClose   = "clamp_close"
	StateInjection    = "injection"
	StatePackHold     = "pack_hold"
	StateCooling      = "cooling"
	StateEjection     = "ejection"
	StateClampOpen    = "clamp_open"
	StatePlasticizing = "plasticizing"
	StateFault        = "fault"
)

// FSM events.
const (
	EventStartCycle   = "start_cycle"
	EventClampSettled = "clamp_settled"
	EventTransfer     = "transfer"
	EventGateSealed   = "gate_sealed"
	EventPackTimeout  = "pack_timeout"
	EventCoolingDone  = "cooling_done"
	EventEjected      = "ejected"
	EventClampOpened  = "clamp_opened"
	EventShotReady    = "shot_ready"
	EventSafetyFault  = "safety_fault"
	EventFaultReset   = "fault_reset"
)

// allPhases lists every state for the any-state-to-fault transition.
var allPhases = []string{
	StateIdle, StateClampClose, StateInjection, StatePackHold,
	StateCooling, StateEjection, StateClampOpen, StatePlasticizing,
}

// IsCriticalPhase reports whether a phase issues pressure-bearing actuator
// commands from sensor feedback. Stale sensors matter most here.
func IsCriticalPhase(phase models.Phase) bool {
	return phase == StateInjection || phase == StatePackHold
}
