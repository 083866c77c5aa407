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
)

// Request is the view of an outgoing database operation needed by admission control.
type Request interface {
	// PartitionKeyRangeID returns the range resolved by routing, empty if not resolved yet.
	PartitionKeyRangeID() string
	// Cost returns the estimated request units of the operation.
	Cost() float64
}

// RequestInfo is a plain Request.
type RequestInfo struct {
	rangeID string
	cost    float64
}

var _ Request = (*RequestInfo)(nil)

// NewRequestInfo creates a RequestInfo with the given cost.
func NewRequestInfo(cost float64) *RequestInfo {
	return &RequestInfo{cost: cost}
}

// WithPartitionKeyRangeID annotates the request with the range resolved by routing.
func (r *RequestInfo) WithPartitionKeyRangeID(rangeID string) *RequestInfo {
	r.rangeID = rangeID
	return r
}

// PartitionKeyRangeID implements Request.
func (r *RequestInfo) PartitionKeyRangeID() string {
	return r.rangeID
}

// Cost implements Request.
func (r *RequestInfo) Cost() float64 {
	return r.cost
}

// requestCost sanitizes the cost reported by the request.
func requestCost(req Request) float64 {
	cost := req.Cost()
	if math.IsNaN(cost) || cost < 0 {
		return 0
	}
	return cost
}

// RequestProcessor gates a request before handing it to the next pipeline stage.
type RequestProcessor interface {
	// ProcessRequest calls next at most once, possibly after a delay, and returns
	// its error untouched. It returns ctx.Err() if ctx is done while waiting.
	ProcessRequest(ctx context.Context, req Request, next func(context.Context) error) error
}

// Process runs next through the processor and returns the value produced by next.
func Process[T any](ctx context.Context, p RequestProcessor, req Request, next func(context.Context) (T, error)) (T, error) {
	var result T
	err := p.ProcessRequest(ctx, req, func(ctx context.Context) error {
		var err error
		result, err = next(ctx)
		return err
	})
	return result, err
}
