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

package machine_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/models"
)

const gateSealThreshold = 0.10

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

func machineLimits() config.MachineLimits {
	return config.MachineLimits{
		MaxPressure:   1000,
		MaxClampForce: 500,
		MaxZoneTemp:   [models.NumThermalZones]float64{280, 280, 280, 300, 120},
	}
}

func snapAt(position, velocity, avgPressure float64, ts time.Time) *models.SensorSnapshot {
	snap := &models.SensorSnapshot{
		Position:  position,
		Velocity:  velocity,
		Valid:     true,
		Timestamp: ts,
	}
	for i := range snap.CavityPressure {
		snap.CavityPressure[i] = avgPressure
	}
	return snap
}

var _ = Describe("Machine", func() {
	var (
		ctx        context.Context
		m          *machine.Machine
		zonesReady bool
		now        time.Time
		dt         time.Duration
	)

	tick := func(snap *models.SensorSnapshot) (models.ActuatorCommands, *cycle.Record) {
		cmds, rec := m.Tick(ctx, snap, models.SafetyState{}, now, dt)
		now = now.Add(dt)
		return cmds, rec
	}

	// advancePast keeps ticking an idle-dwell phase until its duration elapsed.
	advancePast := func(d time.Duration, snap *models.SensorSnapshot) {
		deadline := now.Add(d + dt)
		for now.Before(deadline) {
			tick(snap)
		}
	}

	startCycle := func(snap *models.SensorSnapshot) {
		m.RequestStart()
		tick(snap)
		Expect(m.Phase()).To(Equal(models.PhaseClampClose))
	}

	BeforeEach(func() {
		ctx = context.Background()
		zonesReady = true
		now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		dt = 50 * time.Millisecond

		store, err := config.NewParameterStore(testRecipe(), machineLimits(), zap.NewNop().Sugar())
		Expect(err).NotTo(HaveOccurred())

		gains := config.ControlGains{
			Velocity: config.PIDGains{Kp: 1},
			Pressure: config.PIDGains{Kp: 1},
		}
		m = machine.New(store, gains, func(time.Time) bool { return zonesReady }, gateSealThreshold)
	})

	Describe("cycle start gating", func() {
		It("stays idle without a start request", func() {
			cmds, rec := tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseIdle))
			Expect(cmds).To(Equal(models.ActuatorCommands{}))
			Expect(rec).To(BeNil())
		})

		It("starts a cycle and engages the clamp once zones are ready", func() {
			m.RequestStart()
			cmds, _ := tick(snapAt(0, 0, 0, now))

			Expect(m.Phase()).To(Equal(models.PhaseClampClose))
			Expect(cmds.Clamp).To(Equal(100.0))
			Expect(m.LiveCycleID()).NotTo(BeEmpty())
		})

		It("holds a start request until the zones become ready", func() {
			zonesReady = false
			m.RequestStart()
			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseIdle))

			zonesReady = true
			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseClampClose))
		})

		It("refuses starts while inhibited and resumes once cleared", func() {
			m.SetStartInhibit("spc escalation on peak_pressure")
			m.RequestStart()
			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseIdle))

			m.SetStartInhibit("")
			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseClampClose))
		})

		It("drops a pending start on a stop request", func() {
			m.RequestStart()
			m.RequestStop()
			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseIdle))
		})
	})

	Describe("injection", func() {
		BeforeEach(func() {
			startCycle(snapAt(0, 0, 0, now))
			advancePast(constants.DefaultClampSettleTime, snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseInjection))
		})

		It("closes the velocity loop around the first stage target", func() {
			// Kp=1: duty = target 80 - measured 70.
			cmds, _ := tick(snapAt(5, 70, 100, now))
			Expect(cmds.InjectionValve).To(BeNumerically("~", 10.0, 1e-9))
			Expect(cmds.Clamp).To(Equal(100.0))
		})

		It("advances velocity stages by screw position", func() {
			// Past first trigger (20 mm): stage 2 targets 120 mm/s.
			cmds, _ := tick(snapAt(30, 70, 100, now))
			Expect(cmds.InjectionValve).To(BeNumerically("~", 50.0, 1e-9))
		})

		It("forces zero duty above the pressure ceiling", func() {
			cmds, _ := tick(snapAt(5, 0, 850, now))
			Expect(cmds.InjectionValve).To(BeZero())
			Expect(m.Phase()).To(Equal(models.PhaseInjection), "ceiling override is not a fault")
		})

		It("transfers to pack/hold at the switchover position", func() {
			tick(snapAt(58, 60, 400, now))
			Expect(m.Phase()).To(Equal(models.PhasePackHold))
		})
	})

	Describe("pack and hold", func() {
		BeforeEach(func() {
			startCycle(snapAt(0, 0, 0, now))
			advancePast(constants.DefaultClampSettleTime, snapAt(0, 0, 0, now))
			tick(snapAt(58, 60, 400, now))
			Expect(m.Phase()).To(Equal(models.PhasePackHold))
		})

		It("closes the pressure loop around the pack profile target", func() {
			// Kp=1: duty = target 600 - avg 550.
			cmds, _ := tick(snapAt(58, 0, 550, now))
			Expect(cmds.PackValve).To(BeNumerically("~", 50.0, 1e-9))
		})

		It("falls back to the hold pressure after the pack profile", func() {
			// Burn through the 100ms profile, then hold targets 300 bar.
			tick(snapAt(58, 0, 550, now))
			tick(snapAt(58, 0, 550, now))
			cmds, _ := tick(snapAt(58, 0, 280, now))
			Expect(cmds.PackValve).To(BeNumerically("~", 20.0, 1e-9))
		})

		It("detects gate seal at exactly the threshold drop", func() {
			tick(snapAt(58, 0, 500, now)) // primes the comparison
			Expect(m.Phase()).To(Equal(models.PhasePackHold))

			tick(snapAt(58, 0, 450, now)) // 10% drop in one tick
			Expect(m.Phase()).To(Equal(models.PhaseCooling))
		})

		It("ignores a drop below the threshold", func() {
			tick(snapAt(58, 0, 500, now))
			tick(snapAt(58, 0, 460, now)) // 8%
			Expect(m.Phase()).To(Equal(models.PhasePackHold))
		})

		It("leaves by timeout when the gate never seals", func() {
			// Pack profile 100ms + hold 200ms, constant pressure.
			for i := 0; i < 6; i++ {
				tick(snapAt(58, 0, 500, now))
			}
			Expect(m.Phase()).To(Equal(models.PhaseCooling))
		})
	})

	Describe("full cycle", func() {
		It("walks all eight phases and finalizes exactly one record", func() {
			var finished *cycle.Record
			collect := func(snap *models.SensorSnapshot) {
				_, rec := tick(snap)
				if rec != nil {
					Expect(finished).To(BeNil(), "a cycle finalizes once")
					finished = rec
				}
			}

			m.RequestStart()
			collect(snapAt(0, 0, 0, now))
			startID := m.LiveCycleID()

			for m.Phase() == models.PhaseClampClose {
				collect(snapAt(0, 0, 0, now))
			}
			for m.Phase() == models.PhaseInjection {
				collect(snapAt(58, 60, 400, now))
			}
			collect(snapAt(58, 0, 500, now))
			collect(snapAt(58, 0, 450, now)) // gate seal
			Expect(m.Phase()).To(Equal(models.PhaseCooling))

			for m.Phase() == models.PhaseCooling {
				collect(snapAt(58, 0, 100, now))
			}
			for m.Phase() == models.PhaseEjection {
				collect(snapAt(58, 0, 0, now))
			}
			for m.Phase() == models.PhaseClampOpen {
				collect(snapAt(58, 0, 0, now))
			}
			// Plasticizing: 50 mm shot at 50 mm/s recovery, 50ms ticks.
			for m.Phase() == models.PhasePlasticizing {
				cmds, rec := tick(snapAt(30, -50, 0, now))
				Expect(cmds.BackPressure).To(Equal(30.0))
				if rec != nil {
					Expect(finished).To(BeNil())
					finished = rec
				}
			}

			Expect(m.Phase()).To(Equal(models.PhaseIdle))
			Expect(m.LiveCycleID()).To(BeEmpty())
			Expect(finished).NotTo(BeNil())
			Expect(finished.ID).To(Equal(startID))
			Expect(finished.Finalized).To(BeTrue())
			Expect(finished.PressureIntegral).To(BeNumerically(">", 0))
			Expect(finished.Timeline).NotTo(BeEmpty())
			Expect(finished.Timeline[0].Phase).To(Equal(models.PhaseClampClose))
		})
	})

	Describe("safety faults", func() {
		It("drops into fault and zeroes every duty within the same tick", func() {
			startCycle(snapAt(0, 0, 0, now))

			cmds, rec := m.Tick(ctx, snapAt(0, 0, 0, now), models.SafetyState{EmergencyStop: true}, now, dt)
			Expect(m.Phase()).To(Equal(models.PhaseFault))
			Expect(cmds).To(Equal(models.Zeroed()))
			Expect(rec).To(BeNil())
			Expect(m.LiveCycleID()).To(BeEmpty(), "the aborted cycle never finalizes")
		})

		It("asserts the relief valve while an over-pressure flag is set", func() {
			cmds, _ := m.Tick(ctx, snapAt(0, 0, 0, now), models.SafetyState{OverPressure: true}, now, dt)
			Expect(cmds.ReliefValve).To(BeTrue())
		})

		It("stays safe in fault after the flags clear, until the explicit reset", func() {
			m.Tick(ctx, snapAt(0, 0, 0, now), models.SafetyState{GateOpen: true}, now, dt)

			cmds, _ := tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseFault))
			Expect(cmds).To(Equal(models.Zeroed()))
		})

		It("rejects a fault reset outside the fault phase", func() {
			Expect(m.ResetFault()).To(MatchError(machine.ErrNotFaulted))
		})

		It("returns to idle on the tick after a fault reset", func() {
			m.Tick(ctx, snapAt(0, 0, 0, now), models.SafetyState{GateOpen: true}, now, dt)
			Expect(m.ResetFault()).To(Succeed())
			Expect(m.Phase()).To(Equal(models.PhaseFault), "the tick consumes the request, not the caller")

			tick(snapAt(0, 0, 0, now))
			Expect(m.Phase()).To(Equal(models.PhaseIdle))
		})
	})

	Describe("concurrent command surface", func() {
		It("publishes the live cycle id safely to reader goroutines", func() {
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_ = m.LiveCycleID()
					}
				}
			}()

			for i := 0; i < 500; i++ {
				m.RequestStart()
				tick(snapAt(0, 0, 0, now))
				m.Tick(ctx, snapAt(0, 0, 0, now), models.SafetyState{GateOpen: true}, now, dt)
				Expect(m.ResetFault()).To(Succeed())
				tick(snapAt(0, 0, 0, now))
			}

			close(stop)
			wg.Wait()
			Expect(m.Phase()).To(Equal(models.PhaseIdle))
			Expect(m.LiveCycleID()).To(BeEmpty())
		})
	})
})
