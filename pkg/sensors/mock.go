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

package sensors

import (
	"sync"
	"time"

	"github.com/precisionmold/imc-core/pkg/models"
)

// MockProvider is a scriptable provider for tests and dry runs. Tests mutate
// the snapshot between ticks via Set or the field helpers.
type MockProvider struct {
	mu   sync.Mutex
	snap models.SensorSnapshot
	err  error
}

// NewMockProvider starts with a valid all-zero snapshot.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		snap: models.SensorSnapshot{Valid: true, Timestamp: time.Now()},
	}
}

// Read returns the scripted snapshot, stamping it with the current time if
// none was set.
func (m *MockProvider) Read() (models.SensorSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.SensorSnapshot{}, m.err
	}
	snap := m.snap
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	return snap, nil
}

// Set replaces the whole snapshot.
func (m *MockProvider) Set(snap models.SensorSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
}

// SetError makes every Read fail with err; nil restores normal operation.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetValid toggles the snapshot validity flag.
func (m *MockProvider) SetValid(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Valid = valid
}

// SetPosition sets screw position and velocity.
func (m *MockProvider) SetPosition(position, velocity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Position = position
	m.snap.Velocity = velocity
}

// SetCavityPressures sets all cavity channels at once.
func (m *MockProvider) SetCavityPressures(p [models.NumCavities]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CavityPressure = p
}

// SetUniformCavityPressure sets every cavity channel to p.
func (m *MockProvider) SetUniformCavityPressure(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.snap.CavityPressure {
		m.snap.CavityPressure[i] = p
	}
}

// SetZoneTemps sets every thermal zone reading to the given values.
func (m *MockProvider) SetZoneTemps(barrel [models.NumBarrelZones]float64, nozzle, mold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.BarrelTemp = barrel
	m.snap.NozzleTemp = nozzle
	m.snap.MoldTemp = mold
}

// SetClampForce sets the clamp force reading.
func (m *MockProvider) SetClampForce(force float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.ClampForce = force
}
