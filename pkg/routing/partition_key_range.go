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

	"github.com/tikv/throughput-control/pkg/rangetree"
)

// KeyRange is a span [Start, End) of the partition key space.
// An empty End means the span is unbounded on the right.
type KeyRange struct {
	Start []byte
	End   []byte
}

// FullRange returns the span covering the whole partition key space.
func FullRange() KeyRange {
	return KeyRange{}
}

// Valid reports whether the span is not empty.
func (r KeyRange) Valid() bool {
	return len(r.End) == 0 || bytes.Compare(r.Start, r.End) < 0
}

// PartitionKeyRange is a contiguous slice of a container's partition key space,
// served independently by the backend.
type PartitionKeyRange struct {
	ID           string
	MinInclusive []byte
	MaxExclusive []byte
}

// Contains checks whether the partition key belongs to the range.
func (p *PartitionKeyRange) Contains(key []byte) bool {
	return rangetree.Contains(p, key)
}

// GetStartKey implements rangetree.RangeItem.
func (p *PartitionKeyRange) GetStartKey() []byte { return p.MinInclusive }

// GetEndKey implements rangetree.RangeItem.
func (p *PartitionKeyRange) GetEndKey() []byte { return p.MaxExclusive }

// Debris implements rangetree.RangeItem. The remaining pieces keep the id of
// the replaced range until the next refresh from the source.
func (p *PartitionKeyRange) Debris(startKey, endKey []byte) []rangetree.RangeItem {
	var res []rangetree.RangeItem
	if bytes.Compare(p.MinInclusive, startKey) < 0 {
		res = append(res, &PartitionKeyRange{ID: p.ID, MinInclusive: p.MinInclusive, MaxExclusive: startKey})
	}
	if len(endKey) > 0 && (len(p.MaxExclusive) == 0 || bytes.Compare(endKey, p.MaxExclusive) < 0) {
		res = append(res, &PartitionKeyRange{ID: p.ID, MinInclusive: endKey, MaxExclusive: p.MaxExclusive})
	}
	return res
}

func (p *PartitionKeyRange) overlaps(span KeyRange) bool {
	if len(span.End) > 0 && bytes.Compare(p.MinInclusive, span.End) >= 0 {
		return false
	}
	return len(p.MaxExclusive) == 0 || bytes.Compare(span.Start, p.MaxExclusive) < 0
}

// PartitionKeyRangeLookup resolves a container to the partition key ranges overlapping a span.
// The result may be stale, forceRefresh asks the implementation to bypass its cache.
type PartitionKeyRangeLookup interface {
	GetOverlappingRanges(ctx context.Context, containerID string, span KeyRange, forceRefresh bool) ([]PartitionKeyRange, error)
}

// RangeSource is the authoritative source of a container's partition key ranges,
// typically the database service's routing map endpoint.
type RangeSource interface {
	ReadRanges(ctx context.Context, containerID string) ([]PartitionKeyRange, error)
}
