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
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/routing"
)

func newTestGroup(re *require.Assertions, name string, mode ControllerMode, budget float64, lookup routing.PartitionKeyRangeLookup) *GroupController {
	gc, err := NewGroupController(&Config{
		GroupName:        name,
		Container:        "orders",
		Mode:             mode,
		TargetThroughput: budget,
	}, lookup, nil, WithClock(clockwork.NewFakeClock()))
	re.NoError(err)
	return gc
}

func counterValue(re *require.Assertions, c prometheus.Counter) float64 {
	var out dto.Metric
	re.NoError(c.Write(&out))
	return out.GetCounter().GetValue()
}

func TestStoreProcessRequest(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	_, cache := newTestRangeCache("orders", 2)
	store := NewStore()

	pkGroup := newTestGroup(re, "pk", PkRangesMode, 100, cache)
	globalGroup := newTestGroup(re, "global", GlobalMode, 10, nil)
	re.NoError(store.AddGroup(ctx, pkGroup))
	re.NoError(store.AddGroup(ctx, globalGroup))
	err := store.AddGroup(ctx, newTestGroup(re, "pk", GlobalMode, 1, nil))
	re.True(errs.ErrGroupControllerExisted.Equal(err))

	gc, ok := store.GetGroup("orders", "pk")
	re.True(ok)
	re.Same(pkGroup, gc)
	_, ok = store.GetGroup("orders", "unknown")
	re.False(ok)

	next := func(called *bool) func(context.Context) error {
		return func(context.Context) error {
			*called = true
			return nil
		}
	}
	// A known range is throttled by the first group.
	var called bool
	re.NoError(store.ProcessRequest(ctx, "orders", NewRequestInfo(40).WithPartitionKeyRangeID("0"), next(&called)))
	re.True(called)
	pk := pkGroup.RequestController().(*PkRangesThroughputRequestController)
	throttler, _ := pk.Throttler("0")
	re.Equal(40.0, throttler.Consumed())

	// An unknown range falls through to the global group.
	called = false
	re.NoError(store.ProcessRequest(ctx, "orders", NewRequestInfo(4).WithPartitionKeyRangeID("9"), next(&called)))
	re.True(called)
	global := globalGroup.RequestController().(*GlobalThroughputRequestController)
	re.Equal(4.0, global.throttler.Load().Consumed())

	// No group of the container, the request passes through.
	called = false
	unmatched := counterValue(re, unmatchedRequestCounter.WithLabelValues("users"))
	re.NoError(store.ProcessRequest(ctx, "users", NewRequestInfo(1000), next(&called)))
	re.True(called)
	re.Equal(unmatched+1, counterValue(re, unmatchedRequestCounter.WithLabelValues("users")))
	// The container is not mistaken for a group.
	re.False(failOpenRequestCounter.DeleteLabelValues("users", failOpenNotReady))
	re.False(failOpenRequestCounter.DeleteLabelValues("users", failOpenUnknownRange))

	re.NoError(store.RemoveGroup("orders", "global"))
	re.NoError(store.RemoveGroup("orders", "global"))
	_, ok = store.GetGroup("orders", "global")
	re.False(ok)
	re.Nil(globalGroup.RequestController())

	called = false
	re.NoError(store.ProcessRequest(ctx, "orders", NewRequestInfo(1000).WithPartitionKeyRangeID("9"), next(&called)))
	re.True(called)

	re.NoError(store.Close())
	re.Nil(pkGroup.RequestController())
	re.NoError(store.Close())
}

func TestStoreAddGroupFailed(t *testing.T) {
	re := require.New(t)
	source := routing.NewStaticSource()
	store := NewStore()
	defer store.Close()

	gc := newTestGroup(re, "pk", PkRangesMode, 100, routing.NewRangeCache(source))
	re.Error(store.AddGroup(context.Background(), gc))
	_, ok := store.GetGroup("orders", "pk")
	re.False(ok)

	source.SetRanges("orders", routing.UniformRanges(1))
	re.NoError(store.AddGroup(context.Background(), gc))
	_, ok = store.GetGroup("orders", "pk")
	re.True(ok)
}
