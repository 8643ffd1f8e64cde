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

package cycle

import "sync"

// History is a bounded, thread-safe buffer of finalized records. Oldest
// records are evicted once the capacity is reached.
type History struct {
	mu       sync.RWMutex
	records  []*Record
	capacity int

	completed uint64
	rejected  uint64
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{capacity: capacity}
}

// Append stores a finalized record, evicting the oldest on overflow.
func (h *History) Append(rec *Record, rejected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == h.capacity {
		copy(h.records, h.records[1:])
		h.records[len(h.records)-1] = rec
	} else {
		h.records = append(h.records, rec)
	}
	h.completed++
	if rejected {
		h.rejected++
	}
}

// Last returns the most recent finalized record, or nil.
func (h *History) Last() *Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return nil
	}
	return h.records[len(h.records)-1]
}

// Len returns the number of buffered records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Counters returns lifetime completed and rejected cycle counts.
func (h *History) Counters() (completed, rejected uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.completed, h.rejected
}
