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

package routing

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/rangetree"
	"github.com/tikv/throughput-control/pkg/utils/logutil"
)

const (
	defaultBTreeDegree = 64
	refreshTimeout     = 10 * time.Second
)

var _ PartitionKeyRangeLookup = (*RangeCache)(nil)

// RangeCache caches the partition key ranges of containers. The cached view is a
// snapshot of the RangeSource and is only refreshed on miss or on demand.
type RangeCache struct {
	source RangeSource

	mu         sync.RWMutex
	containers map[string]*rangetree.RangeTree

	refreshGroup singleflight.Group
}

// NewRangeCache creates a RangeCache backed by the given source.
func NewRangeCache(source RangeSource) *RangeCache {
	return &RangeCache{
		source:     source,
		containers: make(map[string]*rangetree.RangeTree),
	}
}

// GetOverlappingRanges returns the cached ranges overlapping the span, in key order.
func (c *RangeCache) GetOverlappingRanges(
	ctx context.Context, containerID string, span KeyRange, forceRefresh bool,
) ([]PartitionKeyRange, error) {
	if !span.Valid() {
		return nil, errs.ErrInvalidKeyRange.FastGenByArgs("start key must be less than end key")
	}
	tree, err := c.getOrRefresh(ctx, containerID, forceRefresh)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var ranges []PartitionKeyRange
	tree.ScanRange(&PartitionKeyRange{MinInclusive: span.Start}, func(item rangetree.RangeItem) bool {
		r := item.(*PartitionKeyRange)
		if len(span.End) > 0 && bytes.Compare(r.MinInclusive, span.End) >= 0 {
			return false
		}
		if r.overlaps(span) {
			ranges = append(ranges, *r)
		}
		return true
	})
	return ranges, nil
}

// LocateKey resolves the partition key to the range serving it.
func (c *RangeCache) LocateKey(ctx context.Context, containerID string, key []byte) (PartitionKeyRange, error) {
	tree, err := c.getOrRefresh(ctx, containerID, false)
	if err != nil {
		return PartitionKeyRange{}, err
	}
	c.mu.RLock()
	item := tree.FindByKey(key)
	c.mu.RUnlock()
	if item == nil {
		log.Warn("[range cache] partition key is not covered by any range",
			zap.String("container", containerID), logutil.ZapRedactByteString("key", key))
		return PartitionKeyRange{}, errs.ErrPartitionKeyRangeNotFound.FastGenByArgs(string(logutil.RedactBytes(key)), containerID)
	}
	return *item.(*PartitionKeyRange), nil
}

// RangeCount returns the number of cached ranges of the container, 0 if it is not cached.
func (c *RangeCache) RangeCount(containerID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if tree, ok := c.containers[containerID]; ok {
		return tree.Len()
	}
	return 0
}

// Invalidate drops the cached ranges of the container.
func (c *RangeCache) Invalidate(containerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.containers, containerID)
}

func (c *RangeCache) getOrRefresh(ctx context.Context, containerID string, forceRefresh bool) (*rangetree.RangeTree, error) {
	if !forceRefresh {
		c.mu.RLock()
		tree, ok := c.containers[containerID]
		c.mu.RUnlock()
		if ok {
			return tree, nil
		}
	}
	// The refresh is shared by every caller joining it, so it does not stop with
	// the one which started it.
	ch := c.refreshGroup.DoChan(containerID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(refreshCtx, containerID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rangetree.RangeTree), nil
	}
}

func (c *RangeCache) refresh(ctx context.Context, containerID string) (*rangetree.RangeTree, error) {
	failpoint.Inject("rangeCacheRefreshError", func() {
		failpoint.Return(nil, errs.ErrPartitionKeyRangeLookup.FastGenByArgs(containerID))
	})
	ranges, err := c.source.ReadRanges(ctx, containerID)
	if err != nil {
		return nil, errs.ErrPartitionKeyRangeLookup.Wrap(err).GenWithStackByArgs(containerID)
	}
	tree := rangetree.NewRangeTree(defaultBTreeDegree)
	for i := range ranges {
		r := ranges[i]
		if !(KeyRange{Start: r.MinInclusive, End: r.MaxExclusive}).Valid() {
			return nil, errors.Wrapf(errs.ErrInvalidKeyRange.FastGenByArgs("empty partition key range "+r.ID),
				"refresh container %s", containerID)
		}
		tree.Update(&r)
	}

	c.mu.Lock()
	old, existed := c.containers[containerID]
	c.containers[containerID] = tree
	c.mu.Unlock()
	if existed && old.Len() != tree.Len() {
		log.Info("[range cache] partition key range count changed",
			zap.String("container", containerID), zap.Int("old", old.Len()), zap.Int("new", tree.Len()))
	}
	return tree, nil
}
