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

// Package machine implements the cyclic process state machine: phase
// transitions, multi-stage velocity and pack pressure control, gate-seal
// detection and cavity balance. It owns the live cycle record.
package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/internal/pid"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/models"
)

// ErrNotFaulted is returned by ResetFault outside the fault phase.
var ErrNotFaulted = errors.New("machine is not in fault phase")

// ZonesReadyFunc gates the idle-to-clamp-close transition. The temperature
// regulator provides it.
type ZonesReadyFunc func(now time.Time) bool

// Machine is the cyclic process controller. All methods that run on the
// control tick are single-goroutine; the mutex guards the cross-thread
// command inputs (start/stop/reset requests, inhibit) and the published
// live cycle id.
type Machine struct {
	fsm    *fsm.FSM
	params *config.ParameterStore
	log    *zap.SugaredLogger

	velocityLoop *pid.Loop
	pressureLoop *pid.Loop

	zonesReady        ZonesReadyFunc
	gateSealThreshold float64

	mu             sync.Mutex
	startRequested bool
	resetRequested bool
	inhibitReason  string
	liveID         string

	// Per-cycle controller state, touched only from the tick goroutine.
	live           *cycle.Record
	active         config.ProcessParameters
	phaseEnteredAt time.Time
	stageIdx       int
	packElapsed    time.Duration
	prevPackAvg    float64
	packPrimed     bool
	shotRecovered  float64
}

// New wires the phase FSM and the two fast closed loops.
func New(params *config.ParameterStore, gains config.ControlGains, zonesReady ZonesReadyFunc, gateSealThreshold float64) *Machine {
	m := &Machine{
		params:            params,
		log:               logger.For(logger.ComponentMachine),
		velocityLoop:      pid.NewLoop(gains.Velocity.Kp, gains.Velocity.Ki, gains.Velocity.Kd, 0, 100),
		pressureLoop:      pid.NewLoop(gains.Pressure.Kp, gains.Pressure.Ki, gains.Pressure.Kd, 0, 100),
		zonesReady:        zonesReady,
		gateSealThreshold: gateSealThreshold,
	}

	events := []fsm.EventDesc{
		{Name: EventStartCycle, Src: []string{StateIdle}, Dst: StateClampClose},
		{Name: EventClampSettled, Src: []string{StateClampClose}, Dst: StateInjection},
		{Name: EventTransfer, Src: []string{StateInjection}, Dst: StatePackHold},
		{Name: EventGateSealed, Src: []string{StatePackHold}, Dst: StateCooling},
		{Name: EventPackTimeout, Src: []string{StatePackHold}, Dst: StateCooling},
		{Name: EventCoolingDone, Src: []string{StateCooling}, Dst: StateEjection},
		{Name: EventEjected, Src: []string{StateEjection}, Dst: StateClampOpen},
		{Name: EventClampOpened, Src: []string{StateClampOpen}, Dst: StatePlasticizing},
		{Name: EventShotReady, Src: []string{StatePlasticizing}, Dst: StateIdle},
		{Name: EventSafetyFault, Src: allPhases, Dst: StateFault},
		{Name: EventFaultReset, Src: []string{StateFault}, Dst: StateIdle},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events(events),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.onEnterState(e)
			},
		},
	)

	return m
}

// onEnterState resets per-phase controller state and extends the cycle
// record's timeline.
func (m *Machine) onEnterState(e *fsm.Event) {
	now := m.phaseEnteredAt
	m.log.Infof("Phase transition: %s -> %s (%s)", e.Src, e.Dst, e.Event)

	switch e.Dst {
	case StateInjection:
		m.stageIdx = 0
		m.velocityLoop.Reset()
	case StatePackHold:
		m.packElapsed = 0
		m.packPrimed = false
		m.pressureLoop.Reset()
	case StatePlasticizing:
		m.shotRecovered = 0
	case StateFault:
		m.velocityLoop.Reset()
		m.pressureLoop.Reset()
		if m.live != nil {
			m.log.Warnf("Cycle %s aborted by safety fault during %s", m.live.ID, e.Src)
			m.setLive(nil)
		}
	}

	if m.live != nil {
		m.live.EnterPhase(models.Phase(e.Dst), now)
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() models.Phase {
	return models.Phase(m.fsm.Current())
}

// LiveCycleID returns the id of the in-flight cycle record, or empty. Safe
// from any goroutine; the tick publishes the id whenever the record changes.
func (m *Machine) LiveCycleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveID
}

// setLive swaps the live record and publishes its id for cross-goroutine
// readers. Tick goroutine only.
func (m *Machine) setLive(rec *cycle.Record) {
	m.live = rec
	m.mu.Lock()
	if rec != nil {
		m.liveID = rec.ID
	} else {
		m.liveID = ""
	}
	m.mu.Unlock()
}

// RequestStart latches an operator start command. The cycle begins at the
// next tick on which all zones are ready and no safety flag is set.
func (m *Machine) RequestStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startRequested = true
	m.log.Infof("Cycle start requested")
}

// RequestStop withdraws any pending start. A running cycle completes
// normally; the machine then stays in idle.
func (m *Machine) RequestStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startRequested = false
	m.log.Infof("Cycle stop requested, finishing current cycle")
}

// SetStartInhibit blocks cycle starts with a reason; empty clears it.
// Used by the SPC escalation policy when configured.
func (m *Machine) SetStartInhibit(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason != "" && m.inhibitReason == "" {
		m.log.Warnf("Cycle starts inhibited: %s", reason)
	}
	m.inhibitReason = reason
}

// ResetFault latches a fault-reset command, consumed by the next tick. The
// caller must have cleared the safety flags first; the machine returns to
// idle on the tick that finds them clear.
func (m *Machine) ResetFault() error {
	if m.fsm.Current() != StateFault {
		return ErrNotFaulted
	}
	m.mu.Lock()
	m.resetRequested = true
	m.mu.Unlock()
	m.log.Infof("Fault reset requested")
	return nil
}

// consumeResetRequest returns and clears the latched fault-reset command.
func (m *Machine) consumeResetRequest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	requested := m.resetRequested
	m.resetRequested = false
	return requested
}

// startPermitted checks the latched start command against the gating
// conditions. Consumes the latch when permitted.
func (m *Machine) startPermitted(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.startRequested || m.inhibitReason != "" {
		return false
	}
	if m.zonesReady != nil && !m.zonesReady(now) {
		return false
	}
	m.startRequested = false
	return true
}

// event fires an FSM event with the phase-entry timestamp already staged.
func (m *Machine) event(ctx context.Context, name string, now time.Time) {
	m.phaseEnteredAt = now
	if err := m.fsm.Event(ctx, name); err != nil {
		m.log.Errorf("FSM event %s rejected in phase %s: %v", name, m.fsm.Current(), err)
	}
}

// clampSettleTime and friends are constants today; kept as methods so a
// machine-specific configuration can take over later.
func (m *Machine) clampSettleTime() time.Duration { return constants.DefaultClampSettleTime }
func (m *Machine) ejectionTime() time.Duration    { return constants.DefaultEjectionTime }
func (m *Machine) clampOpenTime() time.Duration   { return constants.DefaultClampOpenTime }
