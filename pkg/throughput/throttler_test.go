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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tikv/throughput-control/pkg/utils/testutil"
)

const testCycle = time.Second

func TestMain(m *testing.M) {
	testutil.MustTestMainWithLeakDetection(m)
}

func newTestThrottler(budget float64) (*RequestThrottler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	t := NewRequestThrottler("test", budget, WithClock(clock), WithCycle(testCycle), WithGroupName("test"))
	t.Init()
	return t, clock
}

type asyncResult struct {
	called atomic.Bool
	errCh  chan error
}

func (r *asyncResult) wait(re *require.Assertions) error {
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(5 * time.Second):
		re.FailNow("request is not finished in time")
	}
	return nil
}

func (r *asyncResult) done() bool {
	select {
	case err := <-r.errCh:
		r.errCh <- err
		return true
	default:
		return false
	}
}

func processAsync(ctx context.Context, p RequestProcessor, req Request) *asyncResult {
	r := &asyncResult{errCh: make(chan error, 1)}
	go func() {
		r.errCh <- p.ProcessRequest(ctx, req, func(context.Context) error {
			r.called.Store(true)
			return nil
		})
	}()
	return r
}

func processNow(p RequestProcessor, req Request) (bool, error) {
	var called bool
	err := p.ProcessRequest(context.Background(), req, func(context.Context) error {
		called = true
		return nil
	})
	return called, err
}

func waitBlocked(re *require.Assertions, clock *clockwork.FakeClock, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	re.NoError(clock.BlockUntilContext(ctx, n))
}

func TestThrottlerAdmissionBoundary(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)
	defer throttler.Close()

	called, err := processNow(throttler, NewRequestInfo(10))
	re.NoError(err)
	re.True(called)
	re.Equal(10.0, throttler.Consumed())

	throttler.RenewThroughputUsageCycle(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := processAsync(ctx, throttler, NewRequestInfo(10.000001))
	waitBlocked(re, clock, 1)
	re.False(r.done())
	re.False(r.called.Load())
	re.Zero(throttler.Consumed())
	cancel()
	re.ErrorIs(r.wait(re), context.Canceled)
}

func TestThrottlerDelayToNextCycle(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)
	defer throttler.Close()

	called, err := processNow(throttler, NewRequestInfo(6))
	re.NoError(err)
	re.True(called)

	r := processAsync(context.Background(), throttler, NewRequestInfo(6))
	waitBlocked(re, clock, 1)
	re.False(r.called.Load())
	re.Equal(6.0, throttler.Consumed())

	clock.Advance(testCycle)
	re.NoError(r.wait(re))
	re.True(r.called.Load())
	// The cycle rolled by itself with the same budget.
	re.Equal(6.0, throttler.Consumed())
	re.Equal(10.0, throttler.Budget())
}

func TestThrottlerRenewalWakesWaiters(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)
	defer throttler.Close()

	_, err := processNow(throttler, NewRequestInfo(10))
	re.NoError(err)
	results := make([]*asyncResult, 0, 3)
	for range 3 {
		results = append(results, processAsync(context.Background(), throttler, NewRequestInfo(5)))
	}
	waitBlocked(re, clock, 3)

	throttler.RenewThroughputUsageCycle(20)
	for _, r := range results {
		re.NoError(r.wait(re))
		re.True(r.called.Load())
	}
	re.Equal(20.0, throttler.Budget())
	re.Equal(15.0, throttler.Consumed())
}

func TestThrottlerSoftOverflow(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)
	defer throttler.Close()

	// A request larger than the whole budget waits for a fresh cycle and is then admitted.
	r := processAsync(context.Background(), throttler, NewRequestInfo(25))
	waitBlocked(re, clock, 1)
	re.False(r.called.Load())
	clock.Advance(testCycle)
	re.NoError(r.wait(re))
	re.Equal(25.0, throttler.Consumed())

	// The overflow is visible to the requests after it.
	r = processAsync(context.Background(), throttler, NewRequestInfo(1))
	waitBlocked(re, clock, 1)
	re.False(r.called.Load())
	clock.Advance(testCycle)
	re.NoError(r.wait(re))
	re.Equal(1.0, throttler.Consumed())
}

func (t *RequestThrottler) reservedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.reserved
}

func TestThrottlerOverflowReservation(t *testing.T) {
	re := require.New(t)
	throttler, _ := newTestThrottler(10)
	defer throttler.Close()

	big := &waiter{}
	_, _, admitted := throttler.tryConsume(25, big)
	re.False(admitted)
	re.True(big.reserved)
	re.Equal(1, throttler.reservedCount())

	for range 100 {
		throttler.RenewThroughputUsageCycle(10)
		// A small request reaching the fresh cycle first leaves it to the reservation.
		_, _, admitted = throttler.tryConsume(1, &waiter{})
		re.False(admitted)
		_, _, admitted = throttler.tryConsume(1, &waiter{waited: true})
		re.False(admitted)
		_, _, admitted = throttler.tryConsume(25, big)
		re.True(admitted)
		re.False(big.reserved)
		re.Zero(throttler.reservedCount())
		re.Equal(25.0, throttler.Consumed())
		// The overshoot is charged to the cycle.
		_, _, admitted = throttler.tryConsume(1, &waiter{})
		re.False(admitted)

		// The next big request queues up behind the overshoot again.
		big = &waiter{waited: true}
		_, _, admitted = throttler.tryConsume(25, big)
		re.False(admitted)
		re.True(big.reserved)
	}

	// Without a reservation small requests use the fresh cycle.
	throttler.release(big)
	re.Zero(throttler.reservedCount())
	throttler.RenewThroughputUsageCycle(10)
	_, _, admitted = throttler.tryConsume(1, &waiter{})
	re.True(admitted)
}

func TestThrottlerOverflowUnderSteadyTraffic(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)
	defer throttler.Close()

	big := processAsync(context.Background(), throttler, NewRequestInfo(25))
	waitBlocked(re, clock, 1)
	re.Equal(1, throttler.reservedCount())

	// Small requests arriving at every fresh cycle wait behind the big one.
	throttler.RenewThroughputUsageCycle(10)
	small := processAsync(context.Background(), throttler, NewRequestInfo(1))
	re.NoError(big.wait(re))
	re.True(big.called.Load())
	re.Zero(throttler.reservedCount())
	waitBlocked(re, clock, 1)
	re.False(small.called.Load())
	clock.Advance(testCycle)
	re.NoError(small.wait(re))
	re.True(small.called.Load())
}

func TestThrottlerReservationReleased(t *testing.T) {
	re := require.New(t)
	throttler, clock := newTestThrottler(10)

	ctx, cancel := context.WithCancel(context.Background())
	r := processAsync(ctx, throttler, NewRequestInfo(25))
	waitBlocked(re, clock, 1)
	re.Equal(1, throttler.reservedCount())
	cancel()
	re.ErrorIs(r.wait(re), context.Canceled)
	re.Zero(throttler.reservedCount())

	r = processAsync(context.Background(), throttler, NewRequestInfo(25))
	waitBlocked(re, clock, 1)
	re.Equal(1, throttler.reservedCount())
	throttler.Close()
	re.NoError(r.wait(re))
	re.True(r.called.Load())
	re.Zero(throttler.reservedCount())
}

func TestThrottlerConcurrentAdmission(t *testing.T) {
	re := require.New(t)
	const (
		budget   = 10.0
		cost     = 3.0
		requests = 8
	)
	throttler, clock := newTestThrottler(budget)
	defer throttler.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = throttler.ProcessRequest(ctx, NewRequestInfo(cost), func(context.Context) error {
				admitted.Add(1)
				return nil
			})
		}()
	}
	// 3 * 3 fits in the budget, the other requests wait for the next cycle.
	waitBlocked(re, clock, requests-3)
	re.Eventually(func() bool {
		return admitted.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)
	re.LessOrEqual(throttler.Consumed(), budget)

	clock.Advance(testCycle)
	re.Eventually(func() bool {
		return admitted.Load() == 6
	}, 5*time.Second, 10*time.Millisecond)
	waitBlocked(re, clock, requests-6)
	re.LessOrEqual(throttler.Consumed(), budget+cost)

	cancel()
	wg.Wait()
	re.Equal(int32(6), admitted.Load())
}

func TestThrottlerPassThrough(t *testing.T) {
	re := require.New(t)
	clock := clockwork.NewFakeClock()
	throttler := NewRequestThrottler("test", 1, WithClock(clock), WithCycle(testCycle))

	// Not initialized yet.
	called, err := processNow(throttler, NewRequestInfo(100))
	re.NoError(err)
	re.True(called)
	re.Zero(throttler.Consumed())

	throttler.Init()
	throttler.Init()
	_, err = processNow(throttler, NewRequestInfo(1))
	re.NoError(err)
	r := processAsync(context.Background(), throttler, NewRequestInfo(1))
	waitBlocked(re, clock, 1)

	// Close wakes up the delayed request and lets everything pass.
	throttler.Close()
	throttler.Close()
	re.NoError(r.wait(re))
	re.True(r.called.Load())
	called, err = processNow(throttler, NewRequestInfo(100))
	re.NoError(err)
	re.True(called)

	// Renewal after close is ignored.
	throttler.RenewThroughputUsageCycle(100)
	re.Equal(1.0, throttler.Budget())
}

func TestThrottlerNextError(t *testing.T) {
	re := require.New(t)
	throttler, _ := newTestThrottler(10)
	defer throttler.Close()

	errNext := errors.New("next failed")
	calls := 0
	err := throttler.ProcessRequest(context.Background(), NewRequestInfo(1), func(context.Context) error {
		calls++
		return errNext
	})
	re.ErrorIs(err, errNext)
	re.Equal(1, calls)
	// The cost is charged even if the operation failed.
	re.Equal(1.0, throttler.Consumed())

	// Invalid costs are charged as zero.
	_, err = processNow(throttler, NewRequestInfo(-5))
	re.NoError(err)
	re.Equal(1.0, throttler.Consumed())
}

func TestThrottlerSanitizeBudget(t *testing.T) {
	re := require.New(t)
	throttler, _ := newTestThrottler(-1)
	defer throttler.Close()
	re.Zero(throttler.Budget())
	throttler.RenewThroughputUsageCycle(42)
	re.Equal(42.0, throttler.Budget())
	re.Equal("test", throttler.Target())
}

func TestProcessGeneric(t *testing.T) {
	re := require.New(t)
	throttler, _ := newTestThrottler(10)
	defer throttler.Close()

	v, err := Process(context.Background(), throttler, NewRequestInfo(1), func(context.Context) (string, error) {
		return "done", nil
	})
	re.NoError(err)
	re.Equal("done", v)

	errNext := errors.New("next failed")
	n, err := Process(context.Background(), throttler, NewRequestInfo(1), func(context.Context) (int, error) {
		return 0, errNext
	})
	re.ErrorIs(err, errNext)
	re.Zero(n)
}
