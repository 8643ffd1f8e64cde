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

package constants

import "time"

const (
	// DefaultTickerTime is the period of the real-time control tick that drives
	// the safety monitor, the process state machine and actuator output.
	DefaultTickerTime = 1 * time.Millisecond

	// DefaultTemperatureTickerTime is the period of the slower thermal loop.
	// Zone thermal mass makes anything faster than this pointless.
	DefaultTemperatureTickerTime = 250 * time.Millisecond

	// MaxStaleSensorTicks is how many consecutive ticks the controller may hold
	// the last valid sensor snapshot before escalating to a safety fault.
	MaxStaleSensorTicks = 5

	// DefaultSPCWindowSize is the number of completed cycles per SPC window.
	DefaultSPCWindowSize = 50

	// DefaultGateSealDropThreshold is the fractional drop of the average cavity
	// pressure between two consecutive ticks that counts as gate seal.
	DefaultGateSealDropThreshold = 0.02

	// DefaultZoneReadyTolerance is the per-zone |reading-setpoint| band in degC
	// that counts as "at temperature".
	DefaultZoneReadyTolerance = 3.0

	// DefaultZoneReadyHold is how long every zone must stay inside its band
	// before the machine reports all-zones-ready.
	DefaultZoneReadyHold = 10 * time.Second

	// DefaultOptimizerConfidenceThreshold gates recommendation application.
	DefaultOptimizerConfidenceThreshold = 0.70

	// DefaultOptimizerStalenessBound discards recommendations older than this.
	DefaultOptimizerStalenessBound = 5 * time.Minute

	// DefaultCycleHistorySize bounds the in-memory buffer of finalized cycles.
	DefaultCycleHistorySize = 200

	// OptimizerSubmitQueueSize bounds the fire-and-forget submission queue.
	// The real-time side drops the oldest entry on overflow.
	OptimizerSubmitQueueSize = 8

	// DefaultClampSettleTime is the dwell after clamp close before injection.
	DefaultClampSettleTime = 500 * time.Millisecond

	// DefaultEjectionTime is the dwell in the ejection phase.
	DefaultEjectionTime = 1 * time.Second

	// DefaultClampOpenTime is the dwell in the clamp-open phase.
	DefaultClampOpenTime = 1 * time.Second

	// APIShutdownTimeout bounds graceful shutdown of the operator API server.
	APIShutdownTimeout = 5 * time.Second
)
