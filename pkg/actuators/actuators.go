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

// Package actuators abstracts the power electronics. Write must be
// non-blocking: implementations latch the commands for the output hardware to
// pick up.
package actuators

import (
	"sync"

	"github.com/precisionmold/imc-core/pkg/models"
)

// Output receives one full command set per control tick.
type Output interface {
	Write(cmds models.ActuatorCommands)
}

// MockOutput records every written command set for tests.
type MockOutput struct {
	mu      sync.Mutex
	last    models.ActuatorCommands
	history []models.ActuatorCommands
}

// NewMockOutput creates an empty recorder.
func NewMockOutput() *MockOutput {
	return &MockOutput{}
}

// Write latches and records the commands.
func (m *MockOutput) Write(cmds models.ActuatorCommands) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = cmds
	m.history = append(m.history, cmds)
}

// Last returns the most recently written commands.
func (m *MockOutput) Last() models.ActuatorCommands {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// History returns a copy of all written command sets.
func (m *MockOutput) History() []models.ActuatorCommands {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ActuatorCommands(nil), m.history...)
}
