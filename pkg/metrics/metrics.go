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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Component labels.
const (
	ComponentControlLoop = "control_loop"
	ComponentMachine     = "process_machine"
	ComponentSafety      = "safety_monitor"
	ComponentTemperature = "temp_regulator"
	ComponentQuality     = "quality_predictor"
	ComponentSPC         = "spc_engine"
	ComponentOptimizer   = "optimizer_client"
	ComponentCycleLog    = "cycle_log"
	ComponentAPI         = "operator_api"
)

var (
	namespace = "imc"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	tickTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tick_duration_milliseconds",
			Help:      "Time taken by one control tick (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"component"},
	)

	currentPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "machine_phase",
			Help:      "Current process phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)

	cyclesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_completed_total",
			Help:      "Total number of completed cycles",
		},
	)

	cyclesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_rejected_total",
			Help:      "Total number of cycles whose part was marked for rejection",
		},
	)

	safetyTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "safety_trips_total",
			Help:      "Total number of safety flag trips by flag",
		},
		[]string{"flag"},
	)

	spcInstability = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spc_instability_total",
			Help:      "Total number of SPC stable-to-unstable transitions by metric",
		},
		[]string{"metric"},
	)

	optimizerApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "optimizer_recommendations_applied_total",
			Help:      "Total number of optimizer recommendations applied to the recipe",
		},
	)
)

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// IncErrorCountAndLog increments the error counter and logs the error.
func IncErrorCountAndLog(component string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component)
	if log != nil {
		log.Errorf("Error in component %s: %v", component, err)
	}
}

// ObserveTickTime records one tick duration for a component.
func ObserveTickTime(component string, duration time.Duration) {
	tickTime.WithLabelValues(component).Observe(float64(duration.Milliseconds()))
}

// SetPhase marks the active phase gauge.
func SetPhase(active string, allPhases []string) {
	for _, phase := range allPhases {
		v := 0.0
		if phase == active {
			v = 1.0
		}
		currentPhase.WithLabelValues(phase).Set(v)
	}
}

// IncCycleCompleted counts one finalized cycle, rejected or not.
func IncCycleCompleted(rejected bool) {
	cyclesCompleted.Inc()
	if rejected {
		cyclesRejected.Inc()
	}
}

// IncSafetyTrip counts one flag trip.
func IncSafetyTrip(flag string) {
	safetyTrips.WithLabelValues(flag).Inc()
}

// IncSPCInstability counts one stable-to-unstable transition.
func IncSPCInstability(metric string) {
	spcInstability.WithLabelValues(metric).Inc()
}

// IncOptimizerApplied counts one applied recommendation.
func IncOptimizerApplied() {
	optimizerApplied.Inc()
}
