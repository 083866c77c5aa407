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

package movingaverage

import (
	"sync"
	"time"
)

// AvgOverTime maintains the change rate in the last avgInterval.
//
// Every change is reported with the interval it happened in and is spread over
// one second slots. The rate is the mean of the slots of the window.
type AvgOverTime struct {
	mu      sync.RWMutex
	records []float64
	size    int
	count   int
	result  float64
}

// NewAvgOverTime returns an AvgOverTime averaging over the interval, at least one second.
func NewAvgOverTime(interval time.Duration) *AvgOverTime {
	size := max(int(interval.Seconds()), 1)
	return &AvgOverTime{
		records: make([]float64, size),
		size:    size,
	}
}

// Get returns the change rate per second in the window.
func (aot *AvgOverTime) Get() float64 {
	aot.mu.RLock()
	defer aot.mu.RUnlock()
	return aot.result
}

// Add records a change which happened over the interval. Intervals shorter
// than a second take one slot.
func (aot *AvgOverTime) Add(delta float64, interval time.Duration) {
	if interval <= 0 {
		return
	}
	aot.mu.Lock()
	defer aot.mu.Unlock()
	rate := delta / interval.Seconds()
	slots := min(max(int(interval.Seconds()), 1), aot.size)
	for range slots {
		aot.records[aot.count%aot.size] = rate
		aot.count++
	}
	var sum float64
	for _, r := range aot.records {
		sum += r
	}
	aot.result = sum / float64(aot.size)
}

// IsFull returns whether every slot of the window has been written.
func (aot *AvgOverTime) IsFull() bool {
	aot.mu.RLock()
	defer aot.mu.RUnlock()
	return aot.count >= aot.size
}

// Clear drops all the records.
func (aot *AvgOverTime) Clear() {
	aot.mu.Lock()
	defer aot.mu.Unlock()
	clear(aot.records)
	aot.count = 0
	aot.result = 0
}
