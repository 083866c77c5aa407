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
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/utils/testutil"
)

func TestMain(m *testing.M) {
	testutil.MustTestMainWithLeakDetection(m)
}

type countingSource struct {
	*StaticSource
	reads atomic.Int32
	err   error
}

func (s *countingSource) ReadRanges(ctx context.Context, containerID string) ([]PartitionKeyRange, error) {
	s.reads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.StaticSource.ReadRanges(ctx, containerID)
}

// blockingSource blocks every read until release is closed.
type blockingSource struct {
	*StaticSource
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) ReadRanges(ctx context.Context, containerID string) ([]PartitionKeyRange, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
	}
	return s.StaticSource.ReadRanges(ctx, containerID)
}

func rangeIDs(ranges []PartitionKeyRange) []string {
	ids := make([]string, 0, len(ranges))
	for _, r := range ranges {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestUniformRanges(t *testing.T) {
	re := require.New(t)
	re.Nil(UniformRanges(0))
	re.Nil(UniformRanges(257))

	ranges := UniformRanges(4)
	re.Len(ranges, 4)
	re.Empty(ranges[0].MinInclusive)
	re.Equal([]byte{64}, ranges[0].MaxExclusive)
	re.Equal([]byte{192}, ranges[3].MinInclusive)
	re.Empty(ranges[3].MaxExclusive)
	for i := 1; i < len(ranges); i++ {
		re.Equal(ranges[i-1].MaxExclusive, ranges[i].MinInclusive)
	}
	re.Len(UniformRanges(256), 256)
}

func TestRangeCacheGetOverlappingRanges(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	source := &countingSource{StaticSource: NewStaticSource()}
	source.SetRanges("orders", UniformRanges(4))
	cache := NewRangeCache(source)

	ranges, err := cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
	re.NoError(err)
	re.Equal([]string{"0", "1", "2", "3"}, rangeIDs(ranges))
	re.Equal(4, cache.RangeCount("orders"))

	ranges, err = cache.GetOverlappingRanges(ctx, "orders", KeyRange{Start: []byte{70}, End: []byte{130}}, false)
	re.NoError(err)
	re.Equal([]string{"1", "2"}, rangeIDs(ranges))

	ranges, err = cache.GetOverlappingRanges(ctx, "orders", KeyRange{Start: []byte{64}, End: []byte{128}}, false)
	re.NoError(err)
	re.Equal([]string{"1"}, rangeIDs(ranges))
	re.Equal(int32(1), source.reads.Load())

	_, err = cache.GetOverlappingRanges(ctx, "orders", KeyRange{Start: []byte{9}, End: []byte{1}}, false)
	re.True(errs.ErrInvalidKeyRange.Equal(err))
}

func TestRangeCacheStaleUntilRefresh(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	source := &countingSource{StaticSource: NewStaticSource()}
	source.SetRanges("orders", UniformRanges(2))
	cache := NewRangeCache(source)

	ranges, err := cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
	re.NoError(err)
	re.Len(ranges, 2)

	re.NoError(source.Split("orders", "0", []byte{32}, "2", "3"))
	ranges, err = cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
	re.NoError(err)
	re.Equal([]string{"0", "1"}, rangeIDs(ranges))

	ranges, err = cache.GetOverlappingRanges(ctx, "orders", FullRange(), true)
	re.NoError(err)
	re.Equal([]string{"2", "3", "1"}, rangeIDs(ranges))

	re.NoError(source.Merge("orders", "3", "1", "4"))
	cache.Invalidate("orders")
	re.Equal(0, cache.RangeCount("orders"))
	ranges, err = cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
	re.NoError(err)
	re.Equal([]string{"2", "4"}, rangeIDs(ranges))
	re.Equal(int32(3), source.reads.Load())
}

func TestRangeCacheLocateKey(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	source := NewStaticSource()
	source.SetRanges("orders", UniformRanges(4))
	cache := NewRangeCache(source)

	r, err := cache.LocateKey(ctx, "orders", []byte("user-42"))
	re.NoError(err)
	re.Equal("1", r.ID)
	re.True(r.Contains([]byte("user-42")))

	r, err = cache.LocateKey(ctx, "orders", []byte{0xff, 0x01})
	re.NoError(err)
	re.Equal("3", r.ID)

	source.SetRanges("gap", []PartitionKeyRange{{ID: "0", MinInclusive: []byte("b"), MaxExclusive: []byte("c")}})
	_, err = cache.LocateKey(ctx, "gap", []byte("a"))
	re.True(errs.ErrPartitionKeyRangeNotFound.Equal(err))
}

func TestRangeCacheSourceError(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	source := &countingSource{StaticSource: NewStaticSource(), err: errors.New("service unavailable")}
	cache := NewRangeCache(source)

	_, err := cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
	re.ErrorContains(err, "TC:routing:ErrPartitionKeyRangeLookup")
	re.Equal(0, cache.RangeCount("orders"))

	source.err = nil
	_, err = cache.GetOverlappingRanges(ctx, "missing", FullRange(), false)
	re.ErrorContains(err, "lookup partition key ranges of container missing failed")
}

func TestRangeCacheConcurrentRefresh(t *testing.T) {
	re := require.New(t)
	ctx := context.Background()
	source := &countingSource{StaticSource: NewStaticSource()}
	source.SetRanges("orders", UniformRanges(8))
	cache := NewRangeCache(source)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ranges, err := cache.GetOverlappingRanges(ctx, "orders", FullRange(), false)
			re.NoError(err)
			re.Len(ranges, 8)
		}()
	}
	wg.Wait()
	re.LessOrEqual(source.reads.Load(), int32(16))
	re.Equal(8, cache.RangeCount("orders"))
}

func TestRangeCacheRefreshOutlivesCanceledCaller(t *testing.T) {
	re := require.New(t)
	source := &blockingSource{
		StaticSource: NewStaticSource(),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	source.SetRanges("orders", UniformRanges(4))
	cache := NewRangeCache(source)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.GetOverlappingRanges(firstCtx, "orders", FullRange(), true)
		firstErr <- err
	}()
	<-source.started

	type result struct {
		ranges []PartitionKeyRange
		err    error
	}
	second := make(chan result, 1)
	go func() {
		ranges, err := cache.GetOverlappingRanges(context.Background(), "orders", FullRange(), true)
		second <- result{ranges, err}
	}()

	// The first caller gives up, the shared refresh keeps going.
	cancelFirst()
	re.ErrorIs(<-firstErr, context.Canceled)
	close(source.release)
	res := <-second
	re.NoError(res.err)
	re.Len(res.ranges, 4)
	re.Equal(4, cache.RangeCount("orders"))
}

func TestStaticSourceTopologyChangeErrors(t *testing.T) {
	re := require.New(t)
	source := NewStaticSource()
	source.SetRanges("orders", UniformRanges(2))

	re.True(errs.ErrContainerNotFound.Equal(source.Split("users", "0", []byte{1}, "a", "b")))
	re.True(errs.ErrPartitionKeyRangeNotFound.Equal(source.Split("orders", "9", []byte{1}, "a", "b")))
	re.True(errs.ErrInvalidKeyRange.Equal(source.Split("orders", "1", []byte{1}, "a", "b")))
	re.True(errs.ErrInvalidKeyRange.Equal(source.Merge("orders", "1", "0", "a")))
	re.NoError(source.Merge("orders", "0", "1", "a"))

	ranges, err := source.ReadRanges(context.Background(), "orders")
	re.NoError(err)
	re.Equal([]string{"a"}, rangeIDs(ranges))
}
