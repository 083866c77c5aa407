// Copyright 2026 TiKV Project Authors.
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

package throughput

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// RequestThrottler tracks the request units consumed by one target, either the
// whole container or one partition key range, over fixed length cycles and
// decides when a request may proceed.
//
// A request is admitted when its cost still fits in the budget of the current
// cycle, otherwise it waits for the next cycle and checks again. A request whose
// cost is larger than the budget reserves the start of the following cycle: no
// other request is admitted by a fresh cycle until the reserving one has taken it,
// so expensive requests are never starved and a cycle overshoots its budget by
// less than one request.
type RequestThrottler struct {
	target string
	opts   *options

	initOnce sync.Once
	metrics  *throttlerMetrics

	mu struct {
		sync.Mutex
		initialized bool
		closed      bool
		budget      float64
		consumed    float64
		cycleStart  time.Time
		// reserved counts the waiting requests whose cost exceeds the budget.
		reserved int
		// cycleCh is closed and replaced whenever a new cycle starts.
		cycleCh chan struct{}
	}
}

// NewRequestThrottler creates a throttler for the target with the given budget per cycle.
func NewRequestThrottler(target string, budget float64, opts ...Option) *RequestThrottler {
	o := newOptions(opts...)
	t := &RequestThrottler{
		target:  target,
		opts:    o,
		metrics: newThrottlerMetrics(o.groupName, target),
	}
	t.mu.budget = sanitizeBudget(budget)
	t.mu.cycleCh = make(chan struct{})
	return t
}

func sanitizeBudget(budget float64) float64 {
	if math.IsNaN(budget) || budget < 0 {
		return 0
	}
	return budget
}

// Init starts the first cycle. Only the first call takes effect.
func (t *RequestThrottler) Init() {
	t.initOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.mu.initialized = true
		t.mu.consumed = 0
		t.mu.cycleStart = t.opts.clock.Now()
		t.metrics.budgetGauge.Set(t.mu.budget)
	})
}

// Target returns the target this throttler is responsible for.
func (t *RequestThrottler) Target() string {
	return t.target
}

// Budget returns the budget of the current cycle.
func (t *RequestThrottler) Budget() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.budget
}

// Consumed returns the request units admitted in the current cycle.
func (t *RequestThrottler) Consumed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.consumed
}

// ProcessRequest implements RequestProcessor.
func (t *RequestThrottler) ProcessRequest(ctx context.Context, req Request, next func(context.Context) error) error {
	cost := requestCost(req)
	var (
		w     waiter
		start time.Time
	)
	defer t.release(&w)
	for {
		wait, cycleCh, admitted := t.tryConsume(cost, &w)
		if admitted {
			if w.waited {
				t.metrics.delayDuration.Observe(t.opts.clock.Since(start).Seconds())
			}
			return next(ctx)
		}
		if !w.waited {
			w.waited = true
			start = t.opts.clock.Now()
			t.metrics.delayedCounter.Inc()
			t.opts.logTrace("[throughput controller] request delayed to next cycle",
				zap.String("group", t.opts.groupName), zap.String("target", t.target),
				zap.Float64("cost", cost), zap.Duration("wait", wait), zap.Bool("reserved", w.reserved))
		}
		if err := t.waitNextCycle(ctx, wait, cycleCh); err != nil {
			return err
		}
	}
}

// waiter is the admission state of one request.
type waiter struct {
	waited bool
	// reserved is set while the request holds a reservation of a fresh cycle.
	reserved bool
}

// release drops the reservation of a request leaving without admission.
func (t *RequestThrottler) release(w *waiter) {
	if !w.reserved {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unreserveLocked(w)
}

func (t *RequestThrottler) unreserveLocked(w *waiter) {
	if w.reserved {
		w.reserved = false
		t.mu.reserved--
	}
}

func (t *RequestThrottler) waitNextCycle(ctx context.Context, wait time.Duration, cycleCh <-chan struct{}) error {
	timer := t.opts.clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cycleCh:
	case <-timer.Chan():
	}
	return nil
}

// tryConsume charges the cost if it is admitted. Otherwise it returns the time left
// in the current cycle and the channel closed when the next cycle starts.
func (t *RequestThrottler) tryConsume(cost float64, w *waiter) (time.Duration, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mu.initialized || t.mu.closed {
		return 0, nil, true
	}
	now := t.opts.clock.Now()
	t.rollCycleLocked(now)
	if t.admitLocked(cost, w) {
		t.unreserveLocked(w)
		t.mu.consumed += cost
		t.metrics.admittedCounter.Inc()
		t.metrics.consumedCounter.Add(cost)
		return 0, nil, true
	}
	if !w.reserved && cost > t.mu.budget {
		w.reserved = true
		t.mu.reserved++
	}
	return t.mu.cycleStart.Add(t.opts.cycle).Sub(now), t.mu.cycleCh, false
}

func (t *RequestThrottler) admitLocked(cost float64, w *waiter) bool {
	fresh := t.mu.consumed == 0
	switch {
	case w.reserved:
		return fresh || t.mu.consumed+cost <= t.mu.budget
	case fresh && t.mu.reserved > 0:
		// The fresh cycle belongs to a reserving request.
		return false
	default:
		return t.mu.consumed+cost <= t.mu.budget || (w.waited && fresh)
	}
}

// rollCycleLocked starts a new cycle with the current budget once the cycle is over
// and no renewal has arrived.
func (t *RequestThrottler) rollCycleLocked(now time.Time) {
	elapsed := now.Sub(t.mu.cycleStart)
	if elapsed < t.opts.cycle {
		return
	}
	t.mu.cycleStart = t.mu.cycleStart.Add(elapsed - elapsed%t.opts.cycle)
	t.startCycleLocked()
}

func (t *RequestThrottler) startCycleLocked() {
	t.mu.consumed = 0
	close(t.mu.cycleCh)
	t.mu.cycleCh = make(chan struct{})
}

// RenewThroughputUsageCycle replaces the budget and starts a new cycle, waking up
// every delayed request.
func (t *RequestThrottler) RenewThroughputUsageCycle(budget float64) {
	budget = sanitizeBudget(budget)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.closed {
		return
	}
	t.mu.budget = budget
	t.mu.cycleStart = t.opts.clock.Now()
	t.startCycleLocked()
	t.metrics.budgetGauge.Set(budget)
}

// Close lets every delayed and future request pass through. It is idempotent.
func (t *RequestThrottler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.closed {
		return
	}
	t.mu.closed = true
	close(t.mu.cycleCh)
	log.Debug("[throughput controller] throttler closed",
		zap.String("group", t.opts.groupName), zap.String("target", t.target),
		zap.Float64("consumed", t.mu.consumed), zap.Float64("budget", t.mu.budget))
}
