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

package optimizer

import "sync"

// MockTransport is an in-process transport for tests and for running the
// controller without an optimizer node.
type MockTransport struct {
	mu         sync.Mutex
	published  []Submission
	handler    func(Result)
	publishErr error
	closed     bool
}

// NewMockTransport creates an empty mock.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Publish records the submission.
func (m *MockTransport) Publish(sub Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, sub)
	return nil
}

// SetResultHandler registers the inbound callback.
func (m *MockTransport) SetResultHandler(handler func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Close marks the transport closed.
func (m *MockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Deliver injects a result as if it arrived from the optimizer node.
func (m *MockTransport) Deliver(res Result) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(res)
	}
}

// Published returns a copy of all recorded submissions.
func (m *MockTransport) Published() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.published...)
}

// SetPublishError makes Publish fail with err; nil restores success.
func (m *MockTransport) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}
