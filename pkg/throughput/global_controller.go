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
	"sync/atomic"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tikv/throughput-control/pkg/errs"
)

const globalTarget = "global"

var _ RequestController = (*GlobalThroughputRequestController)(nil)

// GlobalThroughputRequestController throttles every request of the container with
// a single throttler sized at the whole budget.
type GlobalThroughputRequestController struct {
	opts          *options
	initialBudget float64

	state     atomicState
	throttler atomic.Pointer[RequestThrottler]
}

// NewGlobalThroughputRequestController creates a controller with the initial budget.
func NewGlobalThroughputRequestController(initialBudget float64, opts ...Option) (*GlobalThroughputRequestController, error) {
	if err := validateBudget(initialBudget); err != nil {
		return nil, err
	}
	return &GlobalThroughputRequestController{
		opts:          newOptions(opts...),
		initialBudget: initialBudget,
	}, nil
}

// Init implements RequestController.
func (c *GlobalThroughputRequestController) Init(context.Context) error {
	if err := c.state.beginInit(c.opts.groupName); err != nil {
		return err
	}
	t := NewRequestThrottler(globalTarget, c.initialBudget, c.opts.toOptions()...)
	t.Init()
	c.throttler.Store(t)
	if !c.state.finishInit(nil) {
		if t := c.throttler.Swap(nil); t != nil {
			t.Close()
		}
		return errs.ErrControllerClosed.FastGenByArgs(c.opts.groupName)
	}
	groupThrottlerGauge.WithLabelValues(c.opts.groupName).Set(1)
	log.Info("[throughput controller] global request controller initialized",
		zap.String("group", c.opts.groupName), zap.Float64("budget", c.initialBudget))
	return nil
}

// CanHandleRequest implements RequestController. The single throttler covers every request.
func (*GlobalThroughputRequestController) CanHandleRequest(Request) bool {
	return true
}

// ProcessRequest implements RequestController.
func (c *GlobalThroughputRequestController) ProcessRequest(ctx context.Context, req Request, next func(context.Context) error) error {
	t := c.throttler.Load()
	if t == nil {
		return failOpen(ctx, c.opts.groupName, failOpenNotReady, next)
	}
	return t.ProcessRequest(ctx, req, next)
}

// RenewThroughputUsageCycle implements RequestController.
func (c *GlobalThroughputRequestController) RenewThroughputUsageCycle(_ context.Context, budget float64) error {
	if t := c.throttler.Load(); t != nil {
		t.RenewThroughputUsageCycle(budget)
	}
	return nil
}

// Budget returns the budget of the current cycle, 0 before Init.
func (c *GlobalThroughputRequestController) Budget() float64 {
	if t := c.throttler.Load(); t != nil {
		return t.Budget()
	}
	return 0
}

// Close implements RequestController.
func (c *GlobalThroughputRequestController) Close() error {
	if c.state.swap(stateClosed) == stateClosed {
		return nil
	}
	if t := c.throttler.Swap(nil); t != nil {
		t.Close()
	}
	return nil
}
