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

// Package quality classifies finished cycles. The prediction runs once per
// finalized cycle record; a rejected part is a normal outcome, not an error.
package quality

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/models"
)

// Score weighting and normalization. The weights sum to one.
const (
	weightShare   = 0.4
	dimShare      = 0.3
	strengthShare = 0.3

	// balancePenalty converts cavity imbalance percent into dimensional
	// index points.
	balancePenalty = 2.0

	// meltDevSpan is the melt temperature deviation (degC) that zeroes the
	// thermal half of the strength index.
	meltDevSpan = 30.0
)

// Classification thresholds on the overall score.
const (
	scoreExcellent  = 95.0
	scoreGood       = 85.0
	scoreAcceptable = 75.0
	scorePoor       = 60.0
)

// Predictor derives a quality classification from a finalized cycle.
type Predictor struct {
	material models.MaterialProperties
	log      *zap.SugaredLogger
}

// NewPredictor creates a predictor for the given material.
func NewPredictor(material models.MaterialProperties) *Predictor {
	return &Predictor{
		material: material,
		log:      logger.For(logger.ComponentQuality),
	}
}

// Predict computes the quality prediction for one finalized record against
// the recipe that produced it.
func (p *Predictor) Predict(rec *cycle.Record, params config.ProcessParameters) models.QualityPrediction {
	pred := models.QualityPrediction{
		PredictedWeight:  p.predictWeight(rec, params),
		DimensionalIndex: dimensionalIndex(rec),
		StrengthIndex:    p.strengthIndex(rec, params),
	}

	weightScore := weightScore(pred.PredictedWeight, params)
	pred.Score = weightShare*weightScore + dimShare*pred.DimensionalIndex + strengthShare*pred.StrengthIndex
	pred.Class = classify(pred.Score)

	// Rejection is an OR: classification alone, or the hard weight check.
	weightDev := math.Abs(pred.PredictedWeight - params.TargetWeight)
	switch {
	case pred.Class == models.QualityReject:
		pred.Reject = true
		pred.RejectReason = fmt.Sprintf("quality score %.1f below reject threshold", pred.Score)
	case weightDev > params.WeightTolerance:
		pred.Reject = true
		pred.RejectReason = fmt.Sprintf("predicted weight %.3fg deviates %.3fg from target (tolerance %.3fg)",
			pred.PredictedWeight, weightDev, params.WeightTolerance)
	}

	if pred.Reject {
		p.log.Warnf("Cycle %s rejected: %s", rec.ID, pred.RejectReason)
	} else {
		p.log.Debugf("Cycle %s classified %s (score %.1f, weight %.3fg)",
			rec.ID, pred.Class, pred.Score, pred.PredictedWeight)
	}

	return pred
}

// predictWeight scales the target weight by the ratio of the measured
// pack/hold pressure-time integral to the integral the recipe implies,
// corrected for thermal shrinkage of the material.
func (p *Predictor) predictWeight(rec *cycle.Record, params config.ProcessParameters) float64 {
	ref := params.ReferencePressureIntegral()
	if ref <= 0 {
		return 0
	}
	weight := params.TargetWeight * rec.PressureIntegral / ref

	if p.material.ReferenceMeltTemp > 0 {
		devFrac := math.Abs(rec.AvgMeltTemp-p.material.ReferenceMeltTemp) / p.material.ReferenceMeltTemp
		weight *= 1 - p.material.ShrinkageFactor*devFrac
	}
	return weight
}

// dimensionalIndex starts at 100 and loses points for cavity imbalance.
func dimensionalIndex(rec *cycle.Record) float64 {
	return clampIndex(100 - balancePenalty*rec.BalancePct)
}

// strengthIndex blends normalized melt-temperature deviation and the peak
// pressure ratio against the recipe's strongest pack stage.
func (p *Predictor) strengthIndex(rec *cycle.Record, params config.ProcessParameters) float64 {
	thermal := 100.0
	if p.material.ReferenceMeltTemp > 0 {
		dev := math.Abs(rec.AvgMeltTemp - p.material.ReferenceMeltTemp)
		thermal = clampIndex(100 * (1 - dev/meltDevSpan))
	}

	maxTarget := params.HoldPressure
	for _, stage := range params.PackStages {
		if stage.TargetPressure > maxTarget {
			maxTarget = stage.TargetPressure
		}
	}
	pressure := 100.0
	if maxTarget > 0 {
		pressure = clampIndex(100 * rec.PeakPressure / maxTarget)
	}

	return 0.5*thermal + 0.5*pressure
}

// weightScore maps weight deviation onto [0,100], hitting zero at twice the
// tolerance.
func weightScore(predicted float64, params config.ProcessParameters) float64 {
	if params.WeightTolerance <= 0 {
		return 0
	}
	dev := math.Abs(predicted - params.TargetWeight)
	return clampIndex(100 * (1 - dev/(2*params.WeightTolerance)))
}

func classify(score float64) models.QualityClass {
	switch {
	case score >= scoreExcellent:
		return models.QualityExcellent
	case score >= scoreGood:
		return models.QualityGood
	case score >= scoreAcceptable:
		return models.QualityAcceptable
	case score >= scorePoor:
		return models.QualityPoor
	default:
		return models.QualityReject
	}
}

func clampIndex(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
