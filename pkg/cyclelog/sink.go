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

// Package cyclelog appends one entry per finalized cycle to an external sink.
// The storage format behind the sink is not the controller's concern.
package cyclelog

import (
	"time"

	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/models"
)

// Entry is the per-cycle log record.
type Entry struct {
	CycleID   string            `json:"cycleId"`
	Timestamp time.Time         `json:"timestamp"`
	CycleTime time.Duration     `json:"cycleTime"`
	Timeline  []cycle.PhaseSpan `json:"timeline"`

	PeakPressure     float64 `json:"peakPressure"`
	AvgPressure      float64 `json:"avgPressure"`
	PressureIntegral float64 `json:"pressureIntegral"`
	BalancePct       float64 `json:"balancePct"`
	AvgMeltTemp      float64 `json:"avgMeltTemp"`
	AvgMoldTemp      float64 `json:"avgMoldTemp"`

	PredictedWeight float64             `json:"predictedWeight"`
	QualityClass    models.QualityClass `json:"qualityClass"`
	QualityScore    float64             `json:"qualityScore"`
	Rejected        bool                `json:"rejected"`
	RejectReason    string              `json:"rejectReason,omitempty"`
}

// NewEntry flattens a finalized record and its prediction into a log entry.
func NewEntry(rec *cycle.Record, pred models.QualityPrediction) Entry {
	return Entry{
		CycleID:          rec.ID,
		Timestamp:        rec.EndedAt,
		CycleTime:        rec.CycleTime,
		Timeline:         rec.Timeline,
		PeakPressure:     rec.PeakPressure,
		AvgPressure:      rec.AvgPressure,
		PressureIntegral: rec.PressureIntegral,
		BalancePct:       rec.BalancePct,
		AvgMeltTemp:      rec.AvgMeltTemp,
		AvgMoldTemp:      rec.AvgMoldTemp,
		PredictedWeight:  pred.PredictedWeight,
		QualityClass:     pred.Class,
		QualityScore:     pred.Score,
		Rejected:         pred.Reject,
		RejectReason:     pred.RejectReason,
	}
}

// Sink is an append-only destination for cycle entries. Append runs on the
// per-cycle pipeline, never on the control tick, so brief blocking is
// tolerable but implementations should still avoid it.
type Sink interface {
	Append(entry Entry) error
	Close() error
}

// MultiSink fans out to several sinks; the first error wins but every sink
// still sees the entry.
type MultiSink []Sink

// Append writes the entry to every sink.
func (m MultiSink) Append(entry Entry) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
