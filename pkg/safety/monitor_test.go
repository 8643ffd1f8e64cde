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

package safety_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/safety"
)

var testLimits = config.MachineLimits{
	MaxPressure:   1000,
	MaxClampForce: 500,
	MaxZoneTemp:   [models.NumThermalZones]float64{280, 280, 280, 300, 120},
}

func cleanSnapshot() *models.SensorSnapshot {
	return &models.SensorSnapshot{
		BarrelTemp: [models.NumBarrelZones]float64{210, 220, 230},
		NozzleTemp: 235,
		MoldTemp:   60,
		Valid:      true,
	}
}

var _ = Describe("Monitor", func() {
	var monitor *safety.Monitor

	BeforeEach(func() {
		monitor = safety.NewMonitor(testLimits)
	})

	It("reports no flags on a clean snapshot", func() {
		state := monitor.Evaluate(cleanSnapshot())
		Expect(state.Any()).To(BeFalse())
	})

	Describe("threshold conditions", func() {
		It("trips over-pressure when any single cavity exceeds the limit", func() {
			snap := cleanSnapshot()
			snap.CavityPressure[2] = testLimits.MaxPressure + 1

			state := monitor.Evaluate(snap)
			Expect(state.OverPressure).To(BeTrue())
			Expect(state.OverTemperature).To(BeFalse())
		})

		It("does not trip at exactly the limit", func() {
			snap := cleanSnapshot()
			snap.CavityPressure[0] = testLimits.MaxPressure
			snap.ClampForce = testLimits.MaxClampForce
			snap.MoldTemp = testLimits.MaxZoneTemp[models.ZoneMold]

			Expect(monitor.Evaluate(snap).Any()).To(BeFalse())
		})

		It("trips over-temperature per zone ceiling", func() {
			snap := cleanSnapshot()
			snap.MoldTemp = testLimits.MaxZoneTemp[models.ZoneMold] + 0.5

			Expect(monitor.Evaluate(snap).OverTemperature).To(BeTrue())
		})

		It("trips over-force above the clamp limit", func() {
			snap := cleanSnapshot()
			snap.ClampForce = testLimits.MaxClampForce + 10

			Expect(monitor.Evaluate(snap).OverForce).To(BeTrue())
		})
	})

	Describe("latching", func() {
		It("keeps a flag set after the condition clears", func() {
			snap := cleanSnapshot()
			snap.CavityPressure[0] = testLimits.MaxPressure + 100
			monitor.Evaluate(snap)

			state := monitor.Evaluate(cleanSnapshot())
			Expect(state.OverPressure).To(BeTrue(), "flag latches past the excursion")
		})

		It("latches the emergency stop input until reset", func() {
			monitor.SetEmergencyStop(true)
			Expect(monitor.Evaluate(cleanSnapshot()).EmergencyStop).To(BeTrue())

			monitor.SetEmergencyStop(false)
			Expect(monitor.Evaluate(cleanSnapshot()).EmergencyStop).To(BeTrue())
		})

		It("consumes a sensor fault report on the next evaluation and latches it", func() {
			monitor.ReportSensorFault()
			Expect(monitor.Evaluate(cleanSnapshot()).SensorFault).To(BeTrue())
			Expect(monitor.Evaluate(cleanSnapshot()).SensorFault).To(BeTrue())
		})

		It("records the trip time on the first violation only", func() {
			monitor.SetGateOpen(true)
			first := monitor.Evaluate(cleanSnapshot())
			Expect(first.TrippedAt.IsZero()).To(BeFalse())

			second := monitor.Evaluate(cleanSnapshot())
			Expect(second.TrippedAt).To(Equal(first.TrippedAt))
		})
	})

	Describe("Reset", func() {
		It("refuses while the emergency input is still asserted", func() {
			monitor.SetEmergencyStop(true)
			monitor.Evaluate(cleanSnapshot())

			err := monitor.Reset(cleanSnapshot())
			Expect(err).To(MatchError(safety.ErrConditionsStillActive))
			Expect(monitor.State().EmergencyStop).To(BeTrue())
		})

		It("refuses while the snapshot still violates a limit", func() {
			snap := cleanSnapshot()
			snap.ClampForce = testLimits.MaxClampForce + 1
			monitor.Evaluate(snap)

			Expect(monitor.Reset(snap)).To(MatchError(safety.ErrConditionsStillActive))
		})

		It("clears all latched flags once every live condition is gone", func() {
			monitor.SetEmergencyStop(true)
			monitor.SetGateOpen(true)
			monitor.Evaluate(cleanSnapshot())

			monitor.SetEmergencyStop(false)
			monitor.SetGateOpen(false)
			Expect(monitor.Reset(cleanSnapshot())).To(Succeed())
			Expect(monitor.State().Any()).To(BeFalse())
		})
	})

	Describe("SafeCommands", func() {
		It("zeroes every duty", func() {
			cmds := safety.SafeCommands(models.SafetyState{EmergencyStop: true})
			Expect(cmds.InjectionValve).To(BeZero())
			Expect(cmds.PackValve).To(BeZero())
			Expect(cmds.Clamp).To(BeZero())
			Expect(cmds.HeaterDuty).To(Equal([models.NumThermalZones]float64{}))
			Expect(cmds.ReliefValve).To(BeFalse())
		})

		It("asserts the relief valve on a pressure fault", func() {
			cmds := safety.SafeCommands(models.SafetyState{OverPressure: true})
			Expect(cmds.ReliefValve).To(BeTrue())
		})
	})
})
