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

package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/movingaverage"
	"github.com/tikv/throughput-control/pkg/routing"
	"github.com/tikv/throughput-control/pkg/throughput"
)

// staticProvider reports a fixed provisioned throughput for every container.
type staticProvider float64

// GetProvisionedThroughput implements throughput.ProvisionedThroughputProvider.
func (p staticProvider) GetProvisionedThroughput(context.Context, string) (float64, error) {
	return float64(p), nil
}

const (
	reportInterval = time.Second
	reportWindow   = 10 * time.Second
)

type result struct {
	requests int64
	failed   int64
	consumed float64
	elapsed  time.Duration
	// delayed is the total time requests waited in the throttlers.
	delayed time.Duration
	// recentThroughput is the RU/s of the last reportWindow.
	recentThroughput float64
}

func (r *result) throughput() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return r.consumed / r.elapsed.Seconds()
}

type bench struct {
	cfg    *config
	source *routing.StaticSource
	cache  *routing.RangeCache
	store  *throughput.Store
	ruRate *movingaverage.AvgOverTime

	requests atomic.Int64
	failed   atomic.Int64
	delayed  atomic.Int64
}

func newBench(cfg *config) *bench {
	source := routing.NewStaticSource()
	source.SetRanges(cfg.Container, routing.UniformRanges(cfg.Ranges))
	return &bench{
		cfg:    cfg,
		source: source,
		cache:  routing.NewRangeCache(source),
		store:  throughput.NewStore(),
		ruRate: movingaverage.NewAvgOverTime(reportWindow),
	}
}

func (b *bench) run(ctx context.Context) (*result, error) {
	defer func() {
		if err := b.store.Close(); err != nil {
			log.Warn("close throughput store failed", errs.ZapError(err))
		}
	}()
	for _, groupCfg := range b.cfg.Groups {
		gc, err := throughput.NewGroupController(groupCfg, b.cache, staticProvider(b.cfg.ProvisionedThroughput))
		if err != nil {
			return nil, err
		}
		if err := b.store.AddGroup(ctx, gc); err != nil {
			return nil, err
		}
	}

	limit := rate.Inf
	if b.cfg.QPS > 0 {
		limit = rate.Limit(b.cfg.QPS)
	}
	limiter := rate.NewLimiter(limit, b.cfg.Concurrency)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Duration.Duration)
	defer cancel()
	start := time.Now()
	g, gCtx := errgroup.WithContext(ctx)
	if b.cfg.SplitAfter.Duration > 0 {
		g.Go(func() error {
			return b.splitHotRange(gCtx)
		})
	}
	g.Go(func() error {
		b.report(gCtx)
		return nil
	})
	for i := 0; i < b.cfg.Concurrency; i++ {
		g.Go(func() error {
			return b.worker(gCtx, limiter)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := &result{
		requests: b.requests.Load(),
		failed:   b.failed.Load(),
		elapsed:  time.Since(start),
		delayed:  time.Duration(b.delayed.Load()),

		recentThroughput: b.ruRate.Get(),
	}
	res.consumed = float64(res.requests) * b.cfg.RequestCost
	log.Info("throughput bench finished",
		zap.String("container", b.cfg.Container),
		zap.Int64("requests", res.requests),
		zap.Int64("failed", res.failed),
		zap.Duration("elapsed", res.elapsed),
		zap.Duration("delayed", res.delayed),
		zap.Float64("ru-per-second", res.throughput()),
		zap.Float64("recent-ru-per-second", res.recentThroughput))
	return res, nil
}

// report logs the admitted RU rate periodically.
func (b *bench) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	var (
		last     int64
		lastTime = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			requests := b.requests.Load()
			b.ruRate.Add(float64(requests-last)*b.cfg.RequestCost, now.Sub(lastTime))
			last, lastTime = requests, now
			log.Info("throughput bench progress",
				zap.Int64("requests", requests),
				zap.Float64("ru-per-second", b.ruRate.Get()))
		}
	}
}

func (b *bench) worker(ctx context.Context, limiter *rate.Limiter) error {
	for {
		if err := limiter.Wait(ctx); err != nil {
			// The limiter fails early if the deadline is closer than the next token.
			return nil
		}
		err := b.issue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			b.failed.Add(1)
			log.Debug("request failed", errs.ZapError(err))
		}
	}
}

func (b *bench) issue(ctx context.Context) error {
	key := b.nextKey()
	r, err := b.cache.LocateKey(ctx, b.cfg.Container, key)
	if err != nil {
		return err
	}
	req := throughput.NewRequestInfo(b.cfg.RequestCost).WithPartitionKeyRangeID(r.ID)
	issued := time.Now()
	return b.store.ProcessRequest(ctx, b.cfg.Container, req, func(context.Context) error {
		b.delayed.Add(int64(time.Since(issued)))
		b.requests.Add(1)
		return nil
	})
}

// nextKey picks a partition key, sending HotRangeRatio of the requests to the first range.
func (b *bench) nextKey() []byte {
	if rand.Float64() < b.cfg.HotRangeRatio {
		return []byte{byte(rand.IntN(256 / b.cfg.Ranges))}
	}
	return []byte{byte(rand.IntN(256))}
}

// splitHotRange splits the first range in the middle, which makes the pk-ranges
// groups replace their request controllers on the next topology check.
func (b *bench) splitHotRange(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.SplitAfter.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	splitKey := byte(256 / b.cfg.Ranges / 2)
	if splitKey == 0 {
		log.Warn("first range is too small to split")
		return nil
	}
	left, right := strconv.Itoa(b.cfg.Ranges), strconv.Itoa(b.cfg.Ranges+1)
	if err := b.source.Split(b.cfg.Container, "0", []byte{splitKey}, left, right); err != nil {
		return err
	}
	b.cache.Invalidate(b.cfg.Container)
	log.Info("hot range split", zap.String("container", b.cfg.Container),
		zap.String("left", left), zap.String("right", right))
	return nil
}
