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

// Package optimizer is the controller-side client for the asynchronous
// optimization node. Submissions are fire-and-forget; results arrive on the
// optimizer's own schedule and are gated by confidence and staleness before
// they may touch the recipe. A slow or absent optimizer only ever means "no
// recommendation available".
package optimizer

import (
	"time"

	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/spc"
)

// SchemaVersion guards both message directions. Mismatched results are
// dropped before gating.
const SchemaVersion = 1

// MQTT topics of the optimizer link.
const (
	TopicSubmit = "imc/v1/optimizer/submit"
	TopicResult = "imc/v1/optimizer/result"
)

// Submission is one cycle's aggregated view sent to the optimizer node.
// It deliberately carries summaries only, never raw history buffers.
type Submission struct {
	Version       int                          `json:"version"`
	CycleFeatures map[string]float64           `json:"cycle_features"`
	SPCSummary    map[string]spc.MetricSummary `json:"spc_summary"`
	Quality       models.QualityPrediction     `json:"quality_summary"`
	Timestamp     time.Time                    `json:"timestamp"`
}

// Result is a parameter-adjustment recommendation from the optimizer.
type Result struct {
	Version              int                `json:"version"`
	ParameterDeltas      map[string]float64 `json:"parameter_deltas"`
	PredictedImprovement float64            `json:"predicted_improvement"`
	Confidence           float64            `json:"confidence"`
	Timestamp            time.Time          `json:"timestamp"`
}

// Features flattens a finalized cycle into the submitted feature map.
func Features(cycleTime time.Duration, peakPressure, pressureIntegral, balancePct, avgMeltTemp, predictedWeight float64) map[string]float64 {
	return map[string]float64{
		"cycle_time_s":      cycleTime.Seconds(),
		"peak_pressure":     peakPressure,
		"pressure_integral": pressureIntegral,
		"balance_pct":       balancePct,
		"melt_temp":         avgMeltTemp,
		"predicted_weight":  predictedWeight,
	}
}
