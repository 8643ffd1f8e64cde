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

package control

import (
	"time"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/spc"
)

// The methods below are the operator-facing side of the loop. They are
// called from API handler goroutines; everything they touch is either
// internally locked or guarded by snapMu.

// StartCycle latches a start request, honored at the next idle tick.
func (l *Loop) StartCycle() {
	l.deps.Machine.RequestStart()
}

// StopCycle lets the running cycle finish and keeps the machine at idle.
func (l *Loop) StopCycle() {
	l.deps.Machine.RequestStop()
}

// EmergencyStop asserts the software emergency input. The monitor latches it
// on the next tick, which faults the machine within that same tick.
func (l *Loop) EmergencyStop() {
	l.deps.Monitor.SetEmergencyStop(true)
}

// ReleaseEmergencyStop releases the software emergency input. The latched
// flag stays set until ResetFault.
func (l *Loop) ReleaseEmergencyStop() {
	l.deps.Monitor.SetEmergencyStop(false)
}

// ResetFault clears all latched safety flags and requests the machine back to
// idle; the tick honors the request on its next pass. It fails while any live
// condition still holds or the machine is not faulted.
func (l *Loop) ResetFault() error {
	l.snapMu.RLock()
	snap := l.sharedSnap
	l.snapMu.RUnlock()

	if err := l.deps.Monitor.Reset(&snap); err != nil {
		return err
	}
	return l.deps.Machine.ResetFault()
}

// UpdateParameters stages an operator patch. The patch validates against the
// machine limits immediately but only commits at the next idle tick.
func (l *Loop) UpdateParameters(patch config.ParameterPatch) error {
	return l.deps.Params.StagePatch(patch)
}

// Status is the operator-facing view of the controller.
type Status struct {
	Phase           models.Phase             `json:"phase"`
	LiveCycleID     string                   `json:"liveCycleId,omitempty"`
	Safety          models.SafetyState       `json:"safety"`
	Snapshot        models.SensorSnapshot    `json:"snapshot"`
	CyclesCompleted uint64                   `json:"cyclesCompleted"`
	CyclesRejected  uint64                   `json:"cyclesRejected"`
	PendingUpdate   bool                     `json:"pendingUpdate"`
	Parameters      config.ProcessParameters `json:"parameters"`
	Time            time.Time                `json:"time"`
}

// Status assembles a consistent-enough snapshot for the HTTP API. Each field
// is individually consistent; the set as a whole is best effort.
func (l *Loop) Status() Status {
	l.snapMu.RLock()
	snap := l.sharedSnap
	l.snapMu.RUnlock()

	completed, rejected := l.deps.History.Counters()
	return Status{
		Phase:           l.deps.Machine.Phase(),
		LiveCycleID:     l.deps.Machine.LiveCycleID(),
		Safety:          l.deps.Monitor.State(),
		Snapshot:        snap,
		CyclesCompleted: completed,
		CyclesRejected:  rejected,
		PendingUpdate:   l.deps.Params.HasPending(),
		Parameters:      l.deps.Params.Active(),
		Time:            time.Now(),
	}
}

// SPCSummary exposes the per-metric chart statistics.
func (l *Loop) SPCSummary() map[string]spc.MetricSummary {
	return l.deps.SPC.Summary()
}
