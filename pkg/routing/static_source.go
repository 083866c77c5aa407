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
	"fmt"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/rangetree"
	"github.com/tikv/throughput-control/pkg/utils/logutil"
)

var _ RangeSource = (*StaticSource)(nil)

// StaticSource is an in-memory RangeSource. It plays the role of the database
// service in tests and in the bench tool, and supports topology changes.
type StaticSource struct {
	mu         sync.RWMutex
	containers map[string]*rangetree.RangeTree
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{containers: make(map[string]*rangetree.RangeTree)}
}

// UniformRanges builds n ranges covering the full key space, split at single byte
// boundaries. Range ids are "0" .. "n-1". n must be in [1, 256].
func UniformRanges(n int) []PartitionKeyRange {
	if n < 1 || n > 256 {
		return nil
	}
	ranges := make([]PartitionKeyRange, 0, n)
	var start []byte
	for i := range n {
		r := PartitionKeyRange{ID: fmt.Sprint(i), MinInclusive: start}
		if i < n-1 {
			r.MaxExclusive = []byte{byte((i + 1) * 256 / n)}
		}
		ranges = append(ranges, r)
		start = r.MaxExclusive
	}
	return ranges
}

// SetRanges replaces all ranges of the container.
func (s *StaticSource) SetRanges(containerID string, ranges []PartitionKeyRange) {
	tree := rangetree.NewRangeTree(defaultBTreeDegree)
	for i := range ranges {
		r := ranges[i]
		tree.Update(&r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[containerID] = tree
}

// ReadRanges implements RangeSource.
func (s *StaticSource) ReadRanges(_ context.Context, containerID string) ([]PartitionKeyRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.containers[containerID]
	if !ok {
		return nil, errs.ErrContainerNotFound.FastGenByArgs(containerID)
	}
	ranges := make([]PartitionKeyRange, 0, tree.Len())
	tree.Ascend(func(item rangetree.RangeItem) bool {
		ranges = append(ranges, *item.(*PartitionKeyRange))
		return true
	})
	return ranges, nil
}

// Split splits the range at splitKey into two ranges with the given ids.
func (s *StaticSource) Split(containerID, rangeID string, splitKey []byte, leftID, rightID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, parent, err := s.getRangeLocked(containerID, rangeID)
	if err != nil {
		return err
	}
	if bytes.Compare(splitKey, parent.MinInclusive) <= 0 ||
		(len(parent.MaxExclusive) > 0 && bytes.Compare(splitKey, parent.MaxExclusive) >= 0) {
		return errs.ErrInvalidKeyRange.FastGenByArgs("split key is out of range " + rangeID)
	}
	tree.Update(&PartitionKeyRange{ID: leftID, MinInclusive: parent.MinInclusive, MaxExclusive: splitKey})
	tree.Update(&PartitionKeyRange{ID: rightID, MinInclusive: splitKey, MaxExclusive: parent.MaxExclusive})
	log.Info("[static range source] partition key range split",
		zap.String("container", containerID), zap.String("range-id", rangeID),
		logutil.ZapRedactByteString("split-key", splitKey),
		zap.String("left", leftID), zap.String("right", rightID))
	return nil
}

// Merge merges two adjacent ranges into one range with the given id.
func (s *StaticSource) Merge(containerID, leftID, rightID, mergedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, left, err := s.getRangeLocked(containerID, leftID)
	if err != nil {
		return err
	}
	_, right, err := s.getRangeLocked(containerID, rightID)
	if err != nil {
		return err
	}
	if len(left.MaxExclusive) == 0 || !bytes.Equal(left.MaxExclusive, right.MinInclusive) {
		return errs.ErrInvalidKeyRange.FastGenByArgs(fmt.Sprintf("range %s and %s are not adjacent", leftID, rightID))
	}
	tree.Update(&PartitionKeyRange{ID: mergedID, MinInclusive: left.MinInclusive, MaxExclusive: right.MaxExclusive})
	log.Info("[static range source] partition key ranges merged",
		zap.String("container", containerID), zap.String("left", leftID),
		zap.String("right", rightID), zap.String("merged", mergedID))
	return nil
}

func (s *StaticSource) getRangeLocked(containerID, rangeID string) (*rangetree.RangeTree, *PartitionKeyRange, error) {
	tree, ok := s.containers[containerID]
	if !ok {
		return nil, nil, errs.ErrContainerNotFound.FastGenByArgs(containerID)
	}
	var found *PartitionKeyRange
	tree.Ascend(func(item rangetree.RangeItem) bool {
		if r := item.(*PartitionKeyRange); r.ID == rangeID {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return nil, nil, errs.ErrPartitionKeyRangeNotFound.FastGenByArgs(rangeID, containerID)
	}
	return tree, found, nil
}
