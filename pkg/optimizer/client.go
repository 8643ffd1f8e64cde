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

import (
	"context"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/logger"
)

// resultKey is the single slot in the TTL map that holds the latest result.
const resultKey = "latest"

// Transport moves messages to and from the optimizer node. Publish may block
// or fail; the client keeps both away from the real-time path.
type Transport interface {
	Publish(sub Submission) error
	SetResultHandler(handler func(Result))
	Close()
}

// Client is the controller-side optimizer link.
type Client struct {
	transport Transport
	settings  config.OptimizerSettings

	submitCh chan Submission

	// results expires entries at the staleness bound, so an overdue result
	// disappears before it can ever be polled.
	results *expiremap.ExpireMap[string, Result]

	mu           sync.Mutex
	lastConsumed time.Time

	// submitMu serializes Submit against Close, making the drop-oldest
	// fallback exact and a post-Close Submit a no-op.
	submitMu sync.Mutex
	closed   bool

	log *zap.SugaredLogger
	wg  sync.WaitGroup
}

// NewClient wires the transport and starts the background publisher.
func NewClient(ctx context.Context, transport Transport, settings config.OptimizerSettings) *Client {
	c := &Client{
		transport: transport,
		settings:  settings,
		submitCh:  make(chan Submission, constants.OptimizerSubmitQueueSize),
		results:   expiremap.NewEx[string, Result](time.Minute, settings.StalenessBound.D()),
		log:       logger.For(logger.ComponentOptimizer),
	}
	transport.SetResultHandler(c.handleResult)

	c.wg.Add(1)
	go c.publishLoop(ctx)

	return c
}

// Submit queues a cycle summary without ever blocking. On a full queue the
// oldest pending submission is dropped, never the new one; losing a summary
// is strictly better than stalling the caller. After Close the summary is
// discarded.
func (c *Client) Submit(sub Submission) {
	sub.Version = SchemaVersion
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.submitCh <- sub:
			return
		default:
		}
		// Submit is the only sender while submitMu is held, so after one
		// eviction the send above cannot keep losing to a refill.
		select {
		case dropped := <-c.submitCh:
			c.log.Debugf("Submission queue full, dropped summary from %s", dropped.Timestamp)
		default:
		}
	}
}

// Poll returns the most recent unconsumed result, if one exists. Results past
// the staleness bound have already expired out of the slot; results below the
// confidence threshold are discarded silently, exactly once.
func (c *Client) Poll() (Result, bool) {
	res, ok := c.results.Load(resultKey)
	if !ok {
		return Result{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !res.Timestamp.After(c.lastConsumed) {
		return Result{}, false
	}
	c.lastConsumed = res.Timestamp

	if res.Confidence < c.settings.ConfidenceThreshold {
		c.log.Infof("Discarding recommendation: confidence %.2f below threshold %.2f",
			res.Confidence, c.settings.ConfidenceThreshold)
		return Result{}, false
	}
	if age := time.Since(res.Timestamp); age > c.settings.StalenessBound.D() {
		c.log.Infof("Discarding recommendation: age %s beyond staleness bound %s",
			age, c.settings.StalenessBound)
		return Result{}, false
	}
	return *res, true
}

// Close drains and stops the publisher. Idempotent.
func (c *Client) Close() {
	c.submitMu.Lock()
	if c.closed {
		c.submitMu.Unlock()
		return
	}
	c.closed = true
	close(c.submitCh)
	c.submitMu.Unlock()

	c.wg.Wait()
	c.transport.Close()
}

func (c *Client) handleResult(res Result) {
	if res.Version != SchemaVersion {
		c.log.Warnf("Dropping optimizer result with schema version %d (want %d)", res.Version, SchemaVersion)
		return
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	c.results.Set(resultKey, res)
	c.log.Debugf("Received optimizer result (confidence %.2f, %d deltas)",
		res.Confidence, len(res.ParameterDeltas))
}

// publishLoop moves queued submissions onto the transport, off the real-time
// path. Publish failures are logged and the summary dropped; production never
// depends on the optimizer being reachable.
func (c *Client) publishLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-c.submitCh:
			if !ok {
				return
			}
			if err := c.transport.Publish(sub); err != nil {
				c.log.Warnf("Failed to publish cycle summary: %v", err)
			}
		}
	}
}
