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
	"slices"
	"sync/atomic"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/routing"
)

var _ RequestController = (*PkRangesThroughputRequestController)(nil)

// PkRangesThroughputRequestController splits the budget of a container evenly over
// its partition key ranges, so a hot range cannot use up the budget of the others.
//
// The set of ranges is discovered once by Init and never changes afterwards. A
// request for a range created later, e.g. by a split, is not throttled until the
// owner replaces the controller with a new one.
type PkRangesThroughputRequestController struct {
	opts          *options
	containerID   string
	lookup        routing.PartitionKeyRangeLookup
	initialBudget float64

	state atomicState
	// throttlers is written once by Init, reads are lock-free.
	throttlers atomic.Pointer[map[string]*RequestThrottler]
}

// NewPkRangesThroughputRequestController creates a controller for the container.
func NewPkRangesThroughputRequestController(
	containerID string,
	lookup routing.PartitionKeyRangeLookup,
	initialBudget float64,
	opts ...Option,
) (*PkRangesThroughputRequestController, error) {
	if len(containerID) == 0 {
		return nil, errs.ErrInvalidThroughputConfig.FastGenByArgs("container id is empty")
	}
	if lookup == nil {
		return nil, errs.ErrInvalidThroughputConfig.FastGenByArgs("partition key range lookup is nil")
	}
	if err := validateBudget(initialBudget); err != nil {
		return nil, err
	}
	return &PkRangesThroughputRequestController{
		opts:          newOptions(opts...),
		containerID:   containerID,
		lookup:        lookup,
		initialBudget: initialBudget,
	}, nil
}

// Init implements RequestController.
func (c *PkRangesThroughputRequestController) Init(ctx context.Context) error {
	if err := c.state.beginInit(c.containerID); err != nil {
		return err
	}
	throttlers, err := c.createThrottlers(ctx)
	if err != nil {
		c.state.finishInit(err)
		log.Error("[throughput controller] init partition key ranges request controller failed",
			zap.String("group", c.opts.groupName), zap.String("container", c.containerID), errs.ZapError(err))
		return errs.ErrControllerInitFailed.Wrap(err).GenWithStackByArgs(c.containerID)
	}
	c.throttlers.Store(&throttlers)
	if !c.state.finishInit(nil) {
		c.closeThrottlers()
		return errs.ErrControllerClosed.FastGenByArgs(c.containerID)
	}
	groupThrottlerGauge.WithLabelValues(c.opts.groupName).Set(float64(len(throttlers)))
	if len(throttlers) == 0 {
		log.Warn("[throughput controller] no partition key range found, requests will not be throttled",
			zap.String("group", c.opts.groupName), zap.String("container", c.containerID))
		return nil
	}
	log.Info("[throughput controller] partition key ranges request controller initialized",
		zap.String("group", c.opts.groupName), zap.String("container", c.containerID),
		zap.Int("ranges", len(throttlers)), zap.Float64("budget", c.initialBudget))
	return nil
}

func (c *PkRangesThroughputRequestController) createThrottlers(ctx context.Context) (map[string]*RequestThrottler, error) {
	failpoint.Inject("pkRangesLookupError", func() {
		failpoint.Return(nil, errs.ErrPartitionKeyRangeLookup.FastGenByArgs(c.containerID))
	})
	ranges, err := c.lookup.GetOverlappingRanges(ctx, c.containerID, routing.FullRange(), true)
	if err != nil {
		return nil, err
	}
	throttlers := make(map[string]*RequestThrottler, len(ranges))
	if len(ranges) == 0 {
		return throttlers, nil
	}
	perRangeBudget := c.initialBudget / float64(len(ranges))
	for _, r := range ranges {
		if _, ok := throttlers[r.ID]; ok {
			log.Warn("[throughput controller] duplicated partition key range",
				zap.String("container", c.containerID), zap.String("range-id", r.ID))
			continue
		}
		t := NewRequestThrottler(r.ID, perRangeBudget, c.opts.toOptions()...)
		t.Init()
		throttlers[r.ID] = t
	}
	if len(throttlers) != len(ranges) {
		// Keep the sum of the budgets equal to the total.
		perRangeBudget = c.initialBudget / float64(len(throttlers))
		for _, t := range throttlers {
			t.RenewThroughputUsageCycle(perRangeBudget)
		}
	}
	return throttlers, nil
}

func (c *PkRangesThroughputRequestController) loadThrottlers() map[string]*RequestThrottler {
	if m := c.throttlers.Load(); m != nil {
		return *m
	}
	return nil
}

func (c *PkRangesThroughputRequestController) getThrottler(req Request) (*RequestThrottler, bool) {
	t, ok := c.loadThrottlers()[req.PartitionKeyRangeID()]
	return t, ok
}

// CanHandleRequest implements RequestController.
func (c *PkRangesThroughputRequestController) CanHandleRequest(req Request) bool {
	_, ok := c.getThrottler(req)
	return ok
}

// ProcessRequest implements RequestController. A request for an unknown range
// is passed through without throttling.
func (c *PkRangesThroughputRequestController) ProcessRequest(ctx context.Context, req Request, next func(context.Context) error) error {
	m := c.throttlers.Load()
	if m == nil {
		return failOpen(ctx, c.opts.groupName, failOpenNotReady, next)
	}
	t, ok := (*m)[req.PartitionKeyRangeID()]
	if !ok {
		c.opts.logTrace("[throughput controller] no throttler found for partition key range",
			zap.String("group", c.opts.groupName), zap.String("container", c.containerID),
			zap.String("range-id", req.PartitionKeyRangeID()))
		return failOpen(ctx, c.opts.groupName, failOpenUnknownRange, next)
	}
	return t.ProcessRequest(ctx, req, next)
}

// RenewThroughputUsageCycle implements RequestController. The budget is divided by
// the number of throttlers created by Init, the range cache is not queried again.
func (c *PkRangesThroughputRequestController) RenewThroughputUsageCycle(ctx context.Context, budget float64) error {
	throttlers := c.loadThrottlers()
	if len(throttlers) == 0 {
		return nil
	}
	perRangeBudget := budget / float64(len(throttlers))
	failpoint.Inject("slowRenewal", nil)
	g, _ := errgroup.WithContext(ctx)
	for _, t := range throttlers {
		g.Go(func() error {
			t.RenewThroughputUsageCycle(perRangeBudget)
			return nil
		})
	}
	return g.Wait()
}

// Degraded reports whether Init found no partition key range, in which case nothing is throttled.
func (c *PkRangesThroughputRequestController) Degraded() bool {
	return c.state.load() == stateReady && len(c.loadThrottlers()) == 0
}

// RangeIDs returns the sorted ids of the ranges owning a throttler.
func (c *PkRangesThroughputRequestController) RangeIDs() []string {
	throttlers := c.loadThrottlers()
	ids := make([]string, 0, len(throttlers))
	for id := range throttlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Throttler returns the throttler of the range.
func (c *PkRangesThroughputRequestController) Throttler(rangeID string) (*RequestThrottler, bool) {
	t, ok := c.loadThrottlers()[rangeID]
	return t, ok
}

// Close implements RequestController.
func (c *PkRangesThroughputRequestController) Close() error {
	if c.state.swap(stateClosed) == stateClosed {
		return nil
	}
	c.closeThrottlers()
	return nil
}

func (c *PkRangesThroughputRequestController) closeThrottlers() {
	m := c.throttlers.Swap(nil)
	if m == nil {
		return
	}
	for _, t := range *m {
		t.Close()
	}
}
