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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/routing"
)

// ProvisionedThroughputProvider returns the throughput provisioned for a container.
// It is only needed by groups with a target throughput threshold.
type ProvisionedThroughputProvider interface {
	GetProvisionedThroughput(ctx context.Context, containerID string) (float64, error)
}

type controllerRef struct {
	RequestController
	rangeIDs []string
}

// targets returns the targets of the throttlers owned by the controller.
func (r *controllerRef) targets() []string {
	if _, ok := r.RequestController.(*GlobalThroughputRequestController); ok {
		return []string{globalTarget}
	}
	return r.rangeIDs
}

// GroupController owns the request controller of one throughput group. It renews
// the throughput usage cycle periodically and replaces the request controller
// when the partition key ranges of the container change.
type GroupController struct {
	cfg      *Config
	lookup   routing.PartitionKeyRangeLookup
	provider ProvisionedThroughputProvider
	opts     *options

	current atomic.Pointer[controllerRef]

	// lifecycle serializes Start and Stop.
	lifecycle struct {
		sync.Mutex
		started    bool
		loopCancel context.CancelFunc
	}
	wg sync.WaitGroup

	mu struct {
		sync.Mutex
		budget       float64
		replacements int
	}
}

// NewGroupController creates a group controller. The config is adjusted and validated.
func NewGroupController(
	cfg *Config,
	lookup routing.PartitionKeyRangeLookup,
	provider ProvisionedThroughputProvider,
	opts ...Option,
) (*GroupController, error) {
	if cfg == nil {
		return nil, errs.ErrInvalidThroughputConfig.FastGenByArgs("config is nil")
	}
	cfg.Adjust()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == PkRangesMode && lookup == nil {
		return nil, errs.ErrInvalidThroughputConfig.FastGenByArgs("partition key range lookup is nil")
	}
	if cfg.UseThreshold() && provider == nil {
		return nil, errs.ErrInvalidThroughputConfig.FastGenByArgs("provisioned throughput provider is nil")
	}
	// The config decides the cycle, the group name and the trace log.
	opts = append(opts, WithCycle(cfg.RenewCycle.Duration), WithGroupName(cfg.GroupName), WithTraceLog(cfg.EnableTraceLog))
	return &GroupController{
		cfg:      cfg,
		lookup:   lookup,
		provider: provider,
		opts:     newOptions(opts...),
	}, nil
}

// GroupName returns the name of the group.
func (c *GroupController) GroupName() string {
	return c.cfg.GroupName
}

// Container returns the container the group belongs to.
func (c *GroupController) Container() string {
	return c.cfg.Container
}

// Budget returns the total budget of the last cycle.
func (c *GroupController) Budget() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.budget
}

// Replacements returns how many times the request controller has been replaced.
func (c *GroupController) Replacements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.replacements
}

// RequestController returns the current request controller, nil if not started.
func (c *GroupController) RequestController() RequestController {
	if ref := c.current.Load(); ref != nil {
		return ref.RequestController
	}
	return nil
}

// Start initializes the request controller and runs the renewal loop.
func (c *GroupController) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.lifecycle.started {
		return errs.ErrControllerAlreadyInitialized.FastGenByArgs(c.cfg.GroupName)
	}
	budget, err := c.computeBudget(ctx)
	if err != nil {
		return err
	}
	ref, err := c.createController(ctx, budget)
	if err != nil {
		return err
	}
	c.setBudget(budget)
	c.current.Store(ref)

	// The loop outlives ctx, it is stopped by Stop.
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.lifecycle.started = true
	c.lifecycle.loopCancel = loopCancel
	c.wg.Add(1)
	go c.run(loopCtx)
	log.Info("[throughput controller] group controller started",
		zap.String("group", c.cfg.GroupName), zap.String("container", c.cfg.Container),
		zap.String("mode", string(c.cfg.Mode)), zap.Float64("budget", budget))
	return nil
}

func (c *GroupController) run(ctx context.Context) {
	defer c.wg.Done()
	renewTicker := c.opts.clock.NewTicker(c.cfg.RenewCycle.Duration)
	defer renewTicker.Stop()
	var topologyCh <-chan time.Time
	if c.cfg.Mode == PkRangesMode && c.cfg.TopologyRefreshInterval.Duration > 0 {
		topologyTicker := c.opts.clock.NewTicker(c.cfg.TopologyRefreshInterval.Duration)
		defer topologyTicker.Stop()
		topologyCh = topologyTicker.Chan()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-renewTicker.Chan():
			c.renew(ctx)
		case <-topologyCh:
			if err := c.checkTopology(ctx); err != nil {
				log.Warn("[throughput controller] check partition key ranges failed",
					zap.String("group", c.cfg.GroupName), zap.String("container", c.cfg.Container), errs.ZapError(err))
			}
		}
	}
}

func (c *GroupController) renew(ctx context.Context) {
	budget, err := c.computeBudget(ctx)
	if err != nil {
		budget = c.Budget()
		log.Warn("[throughput controller] compute budget failed, keep the last one",
			zap.String("group", c.cfg.GroupName), zap.Float64("budget", budget), errs.ZapError(err))
	}
	ref := c.current.Load()
	if ref == nil {
		return
	}
	if err := ref.RenewThroughputUsageCycle(ctx, budget); err != nil {
		log.Warn("[throughput controller] renew throughput usage cycle failed",
			zap.String("group", c.cfg.GroupName), errs.ZapError(err))
		return
	}
	c.setBudget(budget)
	groupRenewCounter.WithLabelValues(c.cfg.GroupName).Inc()
}

// checkTopology replaces the request controller if the set of partition key
// ranges is no longer the one the controller was built for.
func (c *GroupController) checkTopology(ctx context.Context) error {
	ref := c.current.Load()
	if ref == nil {
		return nil
	}
	ranges, err := c.lookup.GetOverlappingRanges(ctx, c.cfg.Container, routing.FullRange(), true)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(ranges))
	for _, r := range ranges {
		ids = append(ids, r.ID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if slices.Equal(ids, ref.rangeIDs) {
		return nil
	}
	next, err := c.createController(ctx, c.Budget())
	if err != nil {
		return err
	}
	if !c.current.CompareAndSwap(ref, next) {
		// Stopped meanwhile.
		return next.Close()
	}
	err = ref.Close()
	// Unchanged ranges share their series with the new throttlers.
	for _, id := range ref.rangeIDs {
		if _, found := slices.BinarySearch(next.rangeIDs, id); !found {
			deleteThrottlerMetrics(c.cfg.GroupName, id)
		}
	}
	c.mu.Lock()
	c.mu.replacements++
	c.mu.Unlock()
	log.Info("[throughput controller] partition key ranges changed, request controller replaced",
		zap.String("group", c.cfg.GroupName), zap.String("container", c.cfg.Container),
		zap.Strings("old-ranges", ref.rangeIDs), zap.Strings("new-ranges", next.rangeIDs))
	return err
}

func (c *GroupController) createController(ctx context.Context, budget float64) (*controllerRef, error) {
	var (
		ctrl RequestController
		err  error
	)
	switch c.cfg.Mode {
	case PkRangesMode:
		ctrl, err = NewPkRangesThroughputRequestController(c.cfg.Container, c.lookup, budget, c.opts.toOptions()...)
	default:
		ctrl, err = NewGlobalThroughputRequestController(budget, c.opts.toOptions()...)
	}
	if err != nil {
		return nil, err
	}
	if err := ctrl.Init(ctx); err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	ref := &controllerRef{RequestController: ctrl}
	if pk, ok := ctrl.(*PkRangesThroughputRequestController); ok {
		ref.rangeIDs = pk.RangeIDs()
	}
	return ref, nil
}

func (c *GroupController) computeBudget(ctx context.Context) (float64, error) {
	if !c.cfg.UseThreshold() {
		return c.cfg.TargetThroughput, nil
	}
	failpoint.Inject("provisionedThroughputUnavailable", func() {
		failpoint.Return(0.0, errs.ErrProvisionedThroughputNotExists.FastGenByArgs(c.cfg.Container))
	})
	provisioned, err := c.provider.GetProvisionedThroughput(ctx, c.cfg.Container)
	if err != nil {
		return 0, errs.ErrProvisionedThroughputNotExists.Wrap(err).GenWithStackByArgs(c.cfg.Container)
	}
	budget := provisioned * c.cfg.TargetThroughputThreshold
	if err := validateBudget(budget); err != nil {
		return 0, err
	}
	return budget, nil
}

func (c *GroupController) setBudget(budget float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.budget = budget
}

// CanHandleRequest reports whether the current request controller owns a throttler for the request.
func (c *GroupController) CanHandleRequest(req Request) bool {
	ref := c.current.Load()
	return ref != nil && ref.CanHandleRequest(req)
}

// ProcessRequest implements RequestProcessor.
func (c *GroupController) ProcessRequest(ctx context.Context, req Request, next func(context.Context) error) error {
	ref := c.current.Load()
	if ref == nil {
		return failOpen(ctx, c.cfg.GroupName, failOpenNotReady, next)
	}
	return ref.ProcessRequest(ctx, req, next)
}

// Stop stops the loop and closes the request controller.
func (c *GroupController) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.lifecycle.started {
		return errs.ErrGroupControllerNotStarted.FastGenByArgs(c.cfg.GroupName)
	}
	c.lifecycle.started = false
	c.lifecycle.loopCancel()
	c.wg.Wait()
	ref := c.current.Swap(nil)
	log.Info("[throughput controller] group controller stopped",
		zap.String("group", c.cfg.GroupName), zap.String("container", c.cfg.Container))
	defer deleteGroupMetrics(c.cfg.GroupName)
	if ref == nil {
		return nil
	}
	err := ref.Close()
	for _, target := range ref.targets() {
		deleteThrottlerMetrics(c.cfg.GroupName, target)
	}
	return err
}
