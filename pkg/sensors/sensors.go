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

// Package sensors abstracts the digitization layer. The controller only sees
// the Provider interface; calibration and transducer electronics live behind
// it.
package sensors

import (
	"errors"

	"github.com/precisionmold/imc-core/pkg/models"
)

// ErrStaleBeyondBound is returned once the hold-last-value policy has been
// exhausted. The caller must treat this as a sensor safety fault.
var ErrStaleBeyondBound = errors.New("sensor snapshot stale beyond hold bound")

// Provider supplies one consistent snapshot per call. Read must never block;
// the digitization layer keeps the latest sample ready.
type Provider interface {
	Read() (models.SensorSnapshot, error)
}

// HoldingProvider wraps a Provider with the bounded hold-last-good-value
// policy: an invalid or failed read repeats the last valid snapshot for up to
// maxStaleTicks consecutive ticks, then escalates with ErrStaleBeyondBound.
type HoldingProvider struct {
	inner         Provider
	maxStaleTicks int

	last       models.SensorSnapshot
	haveLast   bool
	staleTicks int
}

// NewHoldingProvider wraps inner with the given stale-tick bound.
func NewHoldingProvider(inner Provider, maxStaleTicks int) *HoldingProvider {
	return &HoldingProvider{inner: inner, maxStaleTicks: maxStaleTicks}
}

// Read returns the current snapshot, or the held one while within the bound.
func (h *HoldingProvider) Read() (models.SensorSnapshot, error) {
	snap, err := h.inner.Read()
	if err == nil && snap.Valid {
		h.last = snap
		h.haveLast = true
		h.staleTicks = 0
		return snap, nil
	}

	if !h.haveLast {
		return models.SensorSnapshot{}, ErrStaleBeyondBound
	}
	h.staleTicks++
	if h.staleTicks > h.maxStaleTicks {
		return h.last, ErrStaleBeyondBound
	}
	return h.last, nil
}

// StaleTicks returns the current consecutive stale count, for diagnostics.
func (h *HoldingProvider) StaleTicks() int {
	return h.staleTicks
}
