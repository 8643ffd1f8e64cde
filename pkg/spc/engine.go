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

package spc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/logger"
)

// MetricSummary is the aggregated per-metric view shared with the optimizer.
// Raw window contents never leave the engine.
type MetricSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	Cp     float64 `json:"cp"`
	Cpk    float64 `json:"cpk"`
	Stable bool    `json:"stable"`
}

// Engine owns all SPC windows. Update is called once per finalized cycle for
// each tracked metric; reads get copies.
type Engine struct {
	mu      sync.RWMutex
	windows map[string]*Window

	windowSize    int
	limits        map[string]config.MetricLimits
	escalateAfter time.Duration
	unstableSince map[string]time.Time

	log *zap.SugaredLogger
}

// NewEngine creates an engine from the SPC configuration.
func NewEngine(cfg config.SPCConfig) *Engine {
	return &Engine{
		windows:       make(map[string]*Window),
		windowSize:    cfg.WindowSize,
		limits:        cfg.Metrics,
		escalateAfter: cfg.EscalateAfter.D(),
		unstableSince: make(map[string]time.Time),
		log:           logger.For(logger.ComponentSPC),
	}
}

// Update inserts one cycle value for a metric and returns a copy of the
// recomputed window.
func (e *Engine) Update(metric string, value float64) Window {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[metric]
	if !ok {
		lim, hasLim := e.limits[metric]
		w = newWindow(metric, e.windowSize, lim, hasLim)
		e.windows[metric] = w
	}

	wasStable := w.Stable
	w.insert(value)

	now := time.Now()
	if !w.Stable {
		if wasStable {
			e.log.Warnf("Metric %s became unstable (violations: %+v)", metric, w.Violations)
			e.unstableSince[metric] = now
		}
	} else {
		delete(e.unstableSince, metric)
	}

	return e.copyWindow(w)
}

// Get returns a copy of a metric's window, if it exists.
func (e *Engine) Get(metric string) (Window, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.windows[metric]
	if !ok {
		return Window{}, false
	}
	return e.copyWindow(w), true
}

// Summary returns the per-metric aggregates shared across the node boundary.
func (e *Engine) Summary() map[string]MetricSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]MetricSummary, len(e.windows))
	for name, w := range e.windows {
		out[name] = MetricSummary{
			Mean:   w.Mean,
			StdDev: w.StdDev,
			Cp:     w.Cp,
			Cpk:    w.Cpk,
			Stable: w.Stable,
		}
	}
	return out
}

// EscalationDue reports whether the configured escalation policy wants cycle
// starts inhibited: some metric has been continuously unstable longer than
// EscalateAfter. With EscalateAfter zero (the default) this never fires and
// instability stays advisory-only.
func (e *Engine) EscalationDue(now time.Time) (string, bool) {
	if e.escalateAfter <= 0 {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for metric, since := range e.unstableSince {
		if now.Sub(since) >= e.escalateAfter {
			return metric, true
		}
	}
	return "", false
}

// copyWindow returns a value copy with a detached values slice. Callers hold
// at least the read lock.
func (e *Engine) copyWindow(w *Window) Window {
	out := *w
	out.values = append([]float64(nil), w.values...)
	return out
}
