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
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultGroupName  = "default"
	defaultRenewCycle = time.Second
)

type options struct {
	clock     clockwork.Clock
	cycle     time.Duration
	groupName string
	traceLog  bool
}

func (o *options) logTrace(msg string, fields ...zap.Field) {
	if o.traceLog {
		log.Info(msg, fields...)
	}
}

// Option configures throttlers and request controllers.
type Option func(*options)

// WithClock sets the clock used to measure throughput cycles.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithCycle sets the length of a throughput usage cycle.
func WithCycle(cycle time.Duration) Option {
	return func(o *options) {
		if cycle > 0 {
			o.cycle = cycle
		}
	}
}

// WithGroupName sets the throughput group name used in logs and metrics.
func WithGroupName(name string) Option {
	return func(o *options) {
		if len(name) > 0 {
			o.groupName = name
		}
	}
}

// WithTraceLog switches the per-request trace log.
func WithTraceLog(enable bool) Option {
	return func(o *options) {
		o.traceLog = enable
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		clock:     clockwork.NewRealClock(),
		cycle:     defaultRenewCycle,
		groupName: defaultGroupName,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) toOptions() []Option {
	return []Option{WithClock(o.clock), WithCycle(o.cycle), WithGroupName(o.groupName), WithTraceLog(o.traceLog)}
}
