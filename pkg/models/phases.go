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

// Phase is one state of the cyclic process state machine. The values double as
// looplab/fsm state names, so they must stay unique strings.
type Phase = string

const (
	PhaseIdle         Phase = "idle"
	PhaseClampClose   Phase = "clamp_close"
	PhaseInjection    Phase = "injection"
	PhasePackHold     Phase = "pack_hold"
	PhaseCooling      Phase = "cooling"
	PhaseEjection     Phase = "ejection"
	PhaseClampOpen    Phase = "clamp_open"
	PhasePlasticizing Phase = "plasticizing"
	PhaseFault        Phase = "fault"
)
