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

// Package control runs the controller's two periodic tasks and the per-cycle
// pipeline:
//   - the fast tick: safety evaluation, process state machine, actuator
//     output, in strict order, never blocking on I/O
//   - the slow tick: thermal zone regulation
//   - per finalized cycle: quality prediction, SPC update, optimizer
//     submission and the cycle log, as one ordered sequence
//
// Parameter mutation (operator patches and optimizer recommendations) only
// takes effect while the machine is idle.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/actuators"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/cyclelog"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/metrics"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/optimizer"
	"github.com/precisionmold/imc-core/pkg/quality"
	"github.com/precisionmold/imc-core/pkg/safety"
	"github.com/precisionmold/imc-core/pkg/sensors"
	"github.com/precisionmold/imc-core/pkg/spc"
	"github.com/precisionmold/imc-core/pkg/temperature"
)

// Deps bundles the components the loop orchestrates. Optimizer and Sink may
// be nil; the loop then runs without them.
type Deps struct {
	Provider  *sensors.HoldingProvider
	Output    actuators.Output
	Monitor   *safety.Monitor
	Machine   *machine.Machine
	Regulator *temperature.Regulator
	Params    *config.ParameterStore
	Predictor *quality.Predictor
	SPC       *spc.Engine
	Optimizer *optimizer.Client
	Sink      cyclelog.Sink
	History   *cycle.History
}

// Loop drives the whole controller. Tick and TempTick always run on the same
// goroutine (Execute's), so the per-tick state below needs no locking.
type Loop struct {
	deps Deps

	tickerTime     time.Duration
	tempTickerTime time.Duration

	currentTick  uint64
	lastSnap     models.SensorSnapshot
	haveSnap     bool
	lastTickAt   time.Time
	heaterDuties [models.NumThermalZones]float64
	prevSafety   models.SafetyState
	prevStable   map[string]bool

	// sharedSnap is the copy API handler goroutines read.
	snapMu     sync.RWMutex
	sharedSnap models.SensorSnapshot

	log *zap.SugaredLogger
}

// NewLoop creates a control loop with the default tick periods.
func NewLoop(deps Deps) *Loop {
	return &Loop{
		deps:           deps,
		tickerTime:     constants.DefaultTickerTime,
		tempTickerTime: constants.DefaultTemperatureTickerTime,
		prevStable:     make(map[string]bool),
		log:            logger.For(logger.ComponentControlLoop),
	}
}

// Execute runs both periodic tasks until the context is cancelled.
func (l *Loop) Execute(ctx context.Context) error {
	ticker := time.NewTicker(l.tickerTime)
	defer ticker.Stop()
	tempTicker := time.NewTicker(l.tempTickerTime)
	defer tempTicker.Stop()

	l.log.Infof("Control loop starting: tick %s, thermal tick %s", l.tickerTime, l.tempTickerTime)

	for {
		select {
		case <-ctx.Done():
			l.log.Infof("Control loop stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			l.Tick(ctx, start)
			elapsed := time.Since(start)
			metrics.ObserveTickTime(metrics.ComponentControlLoop, elapsed)
			if elapsed > l.tickerTime {
				l.log.Warnf("Control tick overran its period: %s > %s", elapsed, l.tickerTime)
			}
		case <-tempTicker.C:
			l.TempTick(time.Now())
		}
	}
}

// Tick runs one fast control period: sensor read, safety evaluation, state
// machine, actuator write. Exported so tests can drive time directly.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	l.currentTick++
	dt := l.tickerTime
	if l.haveSnap && !l.lastTickAt.IsZero() {
		if measured := now.Sub(l.lastTickAt); measured > 0 {
			dt = measured
		}
	}
	l.lastTickAt = now

	snap, err := l.deps.Provider.Read()
	if err != nil {
		// The hold bound is exhausted. With a cycle in flight this is a
		// safety fault; at rest it only blocks the next start.
		if l.deps.Machine.Phase() != machine.StateIdle {
			l.deps.Monitor.ReportSensorFault()
		} else if l.currentTick%1000 == 0 {
			l.log.Warnf("Sensor snapshot stale while idle: %v", err)
		}
		metrics.IncErrorCount(metrics.ComponentControlLoop)
	}
	l.lastSnap = snap
	l.haveSnap = true
	l.snapMu.Lock()
	l.sharedSnap = snap
	l.snapMu.Unlock()

	state := l.deps.Monitor.Evaluate(&snap)
	l.countSafetyTrips(state)

	cmds, finished := l.deps.Machine.Tick(ctx, &snap, state, now, dt)

	if !state.Any() {
		cmds.HeaterDuty = l.heaterDuties
	}
	l.deps.Output.Write(cmds)

	metrics.SetPhase(string(l.deps.Machine.Phase()), allPhaseNames)

	if finished != nil {
		l.completeCycle(finished)
	}

	if l.deps.Machine.Phase() == machine.StateIdle {
		l.applyPendingUpdates(now)
	}
}

// TempTick runs one thermal period against the latest snapshot.
func (l *Loop) TempTick(now time.Time) {
	if !l.haveSnap {
		return
	}
	setpoints := l.deps.Params.Active().ZoneSetpoints
	l.heaterDuties = l.deps.Regulator.Compute(setpoints, &l.lastSnap, l.tempTickerTime)
}

// completeCycle runs the ordered per-cycle pipeline. The record only counts
// as complete once prediction, SPC and logging have all run.
func (l *Loop) completeCycle(rec *cycle.Record) {
	params := l.deps.Params.Active()
	pred := l.deps.Predictor.Predict(rec, params)

	l.updateSPC(spc.MetricPeakPressure, rec.PeakPressure)
	l.updateSPC(spc.MetricPredictedWeight, pred.PredictedWeight)
	l.updateSPC(spc.MetricCycleTime, rec.CycleTime.Seconds())
	l.updateSPC(spc.MetricMeltTemp, rec.AvgMeltTemp)

	l.deps.History.Append(rec, pred.Reject)
	metrics.IncCycleCompleted(pred.Reject)

	if l.deps.Optimizer != nil {
		l.deps.Optimizer.Submit(optimizer.Submission{
			CycleFeatures: optimizer.Features(rec.CycleTime, rec.PeakPressure,
				rec.PressureIntegral, rec.BalancePct, rec.AvgMeltTemp, pred.PredictedWeight),
			SPCSummary: l.deps.SPC.Summary(),
			Quality:    pred,
			Timestamp:  rec.EndedAt,
		})
	}

	if l.deps.Sink != nil {
		if err := l.deps.Sink.Append(cyclelog.NewEntry(rec, pred)); err != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentCycleLog, err, l.log)
		}
	}

	l.log.Infof("Cycle %s complete: %s in %.2fs, class %s, weight %.3fg",
		rec.ID, map[bool]string{true: "REJECT", false: "accept"}[pred.Reject],
		rec.CycleTime.Seconds(), pred.Class, pred.PredictedWeight)
}

func (l *Loop) updateSPC(metric string, value float64) {
	w := l.deps.SPC.Update(metric, value)
	if prev, seen := l.prevStable[metric]; seen && prev && !w.Stable {
		metrics.IncSPCInstability(metric)
	}
	l.prevStable[metric] = w.Stable
}

// applyPendingUpdates runs only at idle: optimizer recommendations are staged
// onto the recipe, then any staged update (operator or optimizer) commits.
// The SPC escalation policy is also enforced here.
func (l *Loop) applyPendingUpdates(now time.Time) {
	if l.deps.Optimizer != nil {
		if res, ok := l.deps.Optimizer.Poll(); ok {
			if err := l.deps.Params.StageDeltas(res.ParameterDeltas); err != nil {
				l.log.Warnf("Rejected optimizer recommendation: %v", err)
				metrics.IncErrorCount(metrics.ComponentOptimizer)
			} else {
				metrics.IncOptimizerApplied()
				l.log.Infof("Staged optimizer recommendation (confidence %.2f, predicted improvement %.2f)",
					res.Confidence, res.PredictedImprovement)
			}
		}
	}

	l.deps.Params.CommitPending()

	if metric, due := l.deps.SPC.EscalationDue(now); due {
		l.deps.Machine.SetStartInhibit(fmt.Sprintf("SPC metric %s unstable beyond escalation window", metric))
	} else {
		l.deps.Machine.SetStartInhibit("")
	}
}

func (l *Loop) countSafetyTrips(state models.SafetyState) {
	type flag struct {
		name string
		prev bool
		curr bool
	}
	flags := []flag{
		{"emergency_stop", l.prevSafety.EmergencyStop, state.EmergencyStop},
		{"gate_open", l.prevSafety.GateOpen, state.GateOpen},
		{"over_temperature", l.prevSafety.OverTemperature, state.OverTemperature},
		{"over_pressure", l.prevSafety.OverPressure, state.OverPressure},
		{"over_force", l.prevSafety.OverForce, state.OverForce},
		{"sensor_fault", l.prevSafety.SensorFault, state.SensorFault},
	}
	for _, f := range flags {
		if !f.prev && f.curr {
			metrics.IncSafetyTrip(f.name)
		}
	}
	l.prevSafety = state
}

var allPhaseNames = []string{
	machine.StateIdle, machine.StateClampClose, machine.StateInjection,
	machine.StatePackHold, machine.StateCooling, machine.StateEjection,
	machine.StateClampOpen, machine.StatePlasticizing, machine.StateFault,
}
