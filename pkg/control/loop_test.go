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

package control_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/actuators"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/control"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/cyclelog"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/optimizer"
	"github.com/precisionmold/imc-core/pkg/quality"
	"github.com/precisionmold/imc-core/pkg/safety"
	"github.com/precisionmold/imc-core/pkg/sensors"
	"github.com/precisionmold/imc-core/pkg/spc"
	"github.com/precisionmold/imc-core/pkg/temperature"
)

// memorySink collects cycle log entries in memory.
type memorySink struct {
	mu      sync.Mutex
	entries []cyclelog.Entry
}

func (s *memorySink) Append(entry cyclelog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) Entries() []cyclelog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cyclelog.Entry(nil), s.entries...)
}

func testRecipe() config.ProcessParameters {
	return config.ProcessParameters{
		VelocityStages: []config.VelocityStage{
			{TargetVelocity: 80, TriggerPosition: 20},
			{TargetVelocity: 120, TriggerPosition: 45},
			{TargetVelocity: 60, TriggerPosition: 58},
		},
		TransferPosition: 58,
		PackStages: []config.PackStage{
			{TargetPressure: 600, Duration: config.Duration(100 * time.Millisecond)},
		},
		HoldPressure:     300,
		HoldTime:         config.Duration(200 * time.Millisecond),
		ZoneSetpoints:    [models.NumThermalZones]float64{210, 220, 230, 235, 60},
		CoolingTime:      config.Duration(100 * time.Millisecond),
		ShotVolume:       50,
		BackPressureDuty: 30,
		TargetWeight:     24.5,
		WeightTolerance:  0.5,
		PressureCeiling:  800,
	}
}

func testLimits() config.MachineLimits {
	return config.MachineLimits{
		MaxPressure:   1000,
		MaxClampForce: 500,
		MaxZoneTemp:   [models.NumThermalZones]float64{280, 280, 280, 300, 120},
	}
}

// atSetpoints returns a snapshot with every zone exactly on its setpoint.
func atSetpoints(ts time.Time) models.SensorSnapshot {
	return models.SensorSnapshot{
		BarrelTemp: [models.NumBarrelZones]float64{210, 220, 230},
		NozzleTemp: 235,
		MoldTemp:   60,
		Valid:      true,
		Timestamp:  ts,
	}
}

var _ = Describe("Loop", func() {
	var (
		ctx       context.Context
		loop      *control.Loop
		mock      *sensors.MockProvider
		output    *actuators.MockOutput
		monitor   *safety.Monitor
		store     *config.ParameterStore
		history   *cycle.History
		sink      *memorySink
		transport *optimizer.MockTransport
		opt       *optimizer.Client
		now       time.Time
	)

	const dt = 50 * time.Millisecond

	tick := func() {
		loop.Tick(ctx, now)
		now = now.Add(dt)
	}

	// scriptTick mutates the mock before ticking.
	scriptTick := func(position, velocity, pressure float64) {
		snap := atSetpoints(now)
		snap.Position = position
		snap.Velocity = velocity
		for i := range snap.CavityPressure {
			snap.CavityPressure[i] = pressure
		}
		mock.Set(snap)
		loop.Tick(ctx, now)
		now = now.Add(dt)
	}

	tickUntil := func(phase models.Phase, position, velocity, pressure float64) {
		for i := 0; i < 100; i++ {
			if loop.Status().Phase == phase {
				return
			}
			scriptTick(position, velocity, pressure)
		}
		Fail("phase " + string(phase) + " never reached")
	}

	// runFullCycle drives one complete shot from idle back to idle.
	runFullCycle := func() {
		loop.StartCycle()
		scriptTick(0, 0, 0) // idle -> clamp close
		Expect(loop.Status().Phase).To(Equal(models.PhaseClampClose))

		tickUntil(models.PhaseInjection, 0, 0, 0)
		tickUntil(models.PhasePackHold, 58, 60, 400)
		scriptTick(58, 0, 500)
		scriptTick(58, 0, 450) // gate seal: 10% drop
		Expect(loop.Status().Phase).To(Equal(models.PhaseCooling))

		tickUntil(models.PhaseEjection, 58, 0, 100)
		tickUntil(models.PhaseClampOpen, 58, 0, 0)
		tickUntil(models.PhasePlasticizing, 58, 0, 0)
		tickUntil(models.PhaseIdle, 30, -50, 0)
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

		var err error
		store, err = config.NewParameterStore(testRecipe(), testLimits(), zap.NewNop().Sugar())
		Expect(err).NotTo(HaveOccurred())

		monitor = safety.NewMonitor(testLimits())
		regulator := temperature.NewRegulator(config.PIDGains{Kp: 1}, testLimits(), 3, 0)
		mach := machine.New(store, config.ControlGains{
			Velocity: config.PIDGains{Kp: 1},
			Pressure: config.PIDGains{Kp: 1},
		}, regulator.AllZonesReady, 0.10)

		mock = sensors.NewMockProvider()
		mock.Set(atSetpoints(now))
		output = actuators.NewMockOutput()
		history = cycle.NewHistory(16)
		sink = &memorySink{}

		transport = optimizer.NewMockTransport()
		opt = optimizer.NewClient(ctx, transport, config.OptimizerSettings{
			Enabled:             true,
			ConfidenceThreshold: 0.70,
			StalenessBound:      config.Duration(time.Minute),
		})
		DeferCleanup(opt.Close)

		loop = control.NewLoop(control.Deps{
			Provider:  sensors.NewHoldingProvider(mock, 2),
			Output:    output,
			Monitor:   monitor,
			Machine:   mach,
			Regulator: regulator,
			Params:    store,
			Predictor: quality.NewPredictor(models.MaterialProperties{ReferenceMeltTemp: 235}),
			SPC:       spc.NewEngine(config.SPCConfig{WindowSize: 10}),
			Optimizer: opt,
			Sink:      sink,
			History:   history,
		})

		// One thermal tick marks the zones ready (zero hold window in tests).
		loop.Tick(ctx, now)
		loop.TempTick(now)
		now = now.Add(dt)
	})

	Describe("per-cycle pipeline", func() {
		It("predicts, records, logs and submits exactly once per cycle", func() {
			runFullCycle()

			status := loop.Status()
			Expect(status.CyclesCompleted).To(Equal(uint64(1)))
			Expect(history.Len()).To(Equal(1))

			entries := sink.Entries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].CycleID).NotTo(BeEmpty())
			Expect(entries[0].PressureIntegral).To(BeNumerically(">", 0))

			Eventually(func() int {
				return len(transport.Published())
			}).Should(Equal(1))
			sub := transport.Published()[0]
			Expect(sub.CycleFeatures).To(HaveKey("pressure_integral"))
			Expect(sub.SPCSummary).To(HaveKey(spc.MetricPeakPressure))
		})
	})

	Describe("optimizer recommendations", func() {
		It("applies a confident recommendation at the next idle tick only", func() {
			loop.StartCycle()
			scriptTick(0, 0, 0)
			Expect(loop.Status().Phase).To(Equal(models.PhaseClampClose))

			transport.Deliver(optimizer.Result{
				Version:         optimizer.SchemaVersion,
				ParameterDeltas: map[string]float64{"hold_pressure": 25},
				Confidence:      0.90,
				Timestamp:       time.Now(),
			})

			// Mid-cycle ticks must not touch the recipe.
			tickUntil(models.PhaseInjection, 0, 0, 0)
			Expect(store.Active().HoldPressure).To(Equal(300.0))

			tickUntil(models.PhasePackHold, 58, 60, 400)
			scriptTick(58, 0, 500)
			scriptTick(58, 0, 450)
			tickUntil(models.PhaseEjection, 58, 0, 100)
			tickUntil(models.PhaseClampOpen, 58, 0, 0)
			tickUntil(models.PhasePlasticizing, 58, 0, 0)
			tickUntil(models.PhaseIdle, 30, -50, 0)

			Expect(store.Active().HoldPressure).To(Equal(325.0))
		})

		It("discards a recommendation below the confidence threshold", func() {
			transport.Deliver(optimizer.Result{
				Version:         optimizer.SchemaVersion,
				ParameterDeltas: map[string]float64{"hold_pressure": 25},
				Confidence:      0.60,
				Timestamp:       time.Now(),
			})

			tick() // idle tick polls and discards
			Expect(store.Active().HoldPressure).To(Equal(300.0))

			tick()
			Expect(store.Active().HoldPressure).To(Equal(300.0))
		})

		It("rejects deltas that would leave the machine limits", func() {
			transport.Deliver(optimizer.Result{
				Version:         optimizer.SchemaVersion,
				ParameterDeltas: map[string]float64{"hold_pressure": 5000},
				Confidence:      0.95,
				Timestamp:       time.Now(),
			})

			tick()
			Expect(store.Active().HoldPressure).To(Equal(300.0))
			Expect(store.HasPending()).To(BeFalse())
		})
	})

	Describe("operator parameter updates", func() {
		It("commits a staged patch at the next idle tick", func() {
			hold := 350.0
			Expect(loop.UpdateParameters(config.ParameterPatch{HoldPressure: &hold})).To(Succeed())
			Expect(loop.Status().PendingUpdate).To(BeTrue())

			tick()
			Expect(store.Active().HoldPressure).To(Equal(350.0))
			Expect(loop.Status().PendingUpdate).To(BeFalse())
		})

		It("holds a patch staged for the whole running cycle", func() {
			loop.StartCycle()
			scriptTick(0, 0, 0)

			hold := 350.0
			Expect(loop.UpdateParameters(config.ParameterPatch{HoldPressure: &hold})).To(Succeed())

			tickUntil(models.PhaseInjection, 0, 0, 0)
			Expect(store.Active().HoldPressure).To(Equal(300.0))
			Expect(loop.Status().PendingUpdate).To(BeTrue())
		})
	})

	Describe("sensor staleness", func() {
		It("faults the machine once the hold bound is exhausted mid-cycle", func() {
			loop.StartCycle()
			scriptTick(0, 0, 0)
			Expect(loop.Status().Phase).To(Equal(models.PhaseClampClose))

			mock.SetError(errors.New("adc timeout"))
			tick() // stale 1, held
			tick() // stale 2, held
			Expect(loop.Status().Phase).To(Equal(models.PhaseClampClose))

			tick() // beyond the bound: sensor fault
			Expect(loop.Status().Phase).To(Equal(models.PhaseFault))
			Expect(loop.Status().Safety.SensorFault).To(BeTrue())
			Expect(output.Last()).To(Equal(models.Zeroed()))
		})

		It("does not latch a fault while idle", func() {
			mock.SetError(errors.New("adc timeout"))
			for i := 0; i < 10; i++ {
				tick()
			}
			Expect(loop.Status().Phase).To(Equal(models.PhaseIdle))
			Expect(loop.Status().Safety.Any()).To(BeFalse())
		})
	})

	Describe("thermal regulation", func() {
		It("merges the slow-tick heater duties into the fast-tick output", func() {
			cold := atSetpoints(now)
			cold.MoldTemp = 40 // 20 degC below setpoint
			mock.Set(cold)

			loop.Tick(ctx, now)
			loop.TempTick(now)
			now = now.Add(dt)

			tick()
			Expect(output.Last().HeaterDuty[models.ZoneMold]).To(BeNumerically("~", 20.0, 1e-9))
		})

		It("zeroes the heaters while a safety flag is latched", func() {
			cold := atSetpoints(now)
			cold.MoldTemp = 40
			mock.Set(cold)
			loop.Tick(ctx, now)
			loop.TempTick(now)
			now = now.Add(dt)

			loop.EmergencyStop()
			tick()
			Expect(output.Last().HeaterDuty).To(Equal([models.NumThermalZones]float64{}))
		})
	})

	Describe("fault reset", func() {
		It("refuses while the emergency input is still asserted", func() {
			loop.EmergencyStop()
			tick()
			Expect(loop.Status().Phase).To(Equal(models.PhaseFault))

			Expect(loop.ResetFault()).To(MatchError(safety.ErrConditionsStillActive))
		})

		It("clears flags and returns to idle once the input is released", func() {
			loop.EmergencyStop()
			tick()
			loop.ReleaseEmergencyStop()

			Expect(loop.ResetFault()).To(Succeed())
			tick()
			Expect(loop.Status().Phase).To(Equal(models.PhaseIdle))
			Expect(loop.Status().Safety.Any()).To(BeFalse())
		})
	})
})
