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
	"sync/atomic"

	"github.com/tikv/throughput-control/pkg/errs"
)

// RequestController distributes the budget of a throughput group over its throttlers
// and routes every request to the responsible one.
type RequestController interface {
	RequestProcessor
	// Init prepares the throttlers. It must be called exactly once before use,
	// a failed Init leaves the controller unusable.
	Init(ctx context.Context) error
	// CanHandleRequest reports whether the controller owns the throttler responsible for the request.
	CanHandleRequest(req Request) bool
	// RenewThroughputUsageCycle pushes the new total budget to the throttlers and starts a new cycle.
	RenewThroughputUsageCycle(ctx context.Context, budget float64) error
	// Close releases the throttlers. It is idempotent.
	Close() error
}

type controllerState int32

const (
	stateUninitialized controllerState = iota
	stateInitializing
	stateReady
	stateFailed
	stateClosed
)

func (s controllerState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) load() controllerState {
	return controllerState(s.v.Load())
}

func (s *atomicState) store(state controllerState) {
	s.v.Store(int32(state))
}

func (s *atomicState) cas(from, to controllerState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

func (s *atomicState) swap(to controllerState) controllerState {
	return controllerState(s.v.Swap(int32(to)))
}

// beginInit moves the state to initializing, or returns the error describing why
// the controller cannot be initialized.
func (s *atomicState) beginInit(name string) error {
	if s.cas(stateUninitialized, stateInitializing) {
		return nil
	}
	if s.load() == stateClosed {
		return errs.ErrControllerClosed.FastGenByArgs(name)
	}
	return errs.ErrControllerAlreadyInitialized.FastGenByArgs(name)
}

// finishInit publishes the result of Init. It returns false if the controller
// was closed meanwhile.
func (s *atomicState) finishInit(err error) bool {
	state := stateReady
	if err != nil {
		state = stateFailed
	}
	return s.cas(stateInitializing, state)
}

func validateBudget(budget float64) error {
	if math.IsNaN(budget) || math.IsInf(budget, 0) || budget < 0 {
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("budget must be a finite non-negative number")
	}
	return nil
}

// failOpen passes the request to next without throttling.
func failOpen(ctx context.Context, group, reason string, next func(context.Context) error) error {
	failOpenRequestCounter.WithLabelValues(group, reason).Inc()
	return next(ctx)
}
