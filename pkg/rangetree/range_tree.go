// Copyright 2022 TiKV Project Authors.
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

package rangetree

import (
	"bytes"

	"github.com/google/btree"
)

// RangeItem is one key range tree item.
// An empty end key means the range is unbounded on the right.
type RangeItem interface {
	GetStartKey() []byte
	GetEndKey() []byte
	// Debris returns the debris after replacing the key range.
	Debris(startKey, endKey []byte) []RangeItem
}

func lessByStartKey(a, b RangeItem) bool {
	return bytes.Compare(a.GetStartKey(), b.GetStartKey()) < 0
}

// keyItem is only used as a pivot when searching the tree by key.
type keyItem []byte

func (k keyItem) GetStartKey() []byte          { return k }
func (keyItem) GetEndKey() []byte              { return nil }
func (keyItem) Debris(_, _ []byte) []RangeItem { return nil }

// RangeTree is the tree contains RangeItems.
// It is not safe for concurrent use, callers must hold their own lock.
type RangeTree struct {
	tree *btree.BTreeG[RangeItem]
}

// NewRangeTree is the constructor of the range tree.
func NewRangeTree(degree int) *RangeTree {
	return &RangeTree{
		tree: btree.NewG[RangeItem](degree, lessByStartKey),
	}
}

// Update insert the item and delete overlaps.
func (r *RangeTree) Update(item RangeItem) []RangeItem {
	overlaps := r.GetOverlaps(item)
	for _, old := range overlaps {
		r.tree.Delete(old)
		debris := old.Debris(item.GetStartKey(), item.GetEndKey())
		for _, child := range debris {
			if len(child.GetEndKey()) == 0 || bytes.Compare(child.GetStartKey(), child.GetEndKey()) < 0 {
				r.tree.ReplaceOrInsert(child)
			}
		}
	}
	r.tree.ReplaceOrInsert(item)
	return overlaps
}

// GetOverlaps returns the range items that has some intersections with the given items.
func (r *RangeTree) GetOverlaps(item RangeItem) []RangeItem {
	// note that Find() gets the last item that is less or equal than the item.
	// in the case: |_______a_______|_____b_____|___c___|
	// new item is       |______d______|
	// Find() will return RangeItem of a
	// and both startKey of a and b are less than endKey of d,
	// thus they are regarded as overlapped items.
	result := r.Find(item)
	if result == nil {
		result = item
	}

	var overlaps []RangeItem
	r.tree.AscendGreaterOrEqual(result, func(over RangeItem) bool {
		if len(item.GetEndKey()) > 0 && bytes.Compare(item.GetEndKey(), over.GetStartKey()) <= 0 {
			return false
		}
		overlaps = append(overlaps, over)
		return true
	})
	return overlaps
}

// Find returns the range item that contains the start key of the given item.
func (r *RangeTree) Find(item RangeItem) RangeItem {
	var result RangeItem
	r.tree.DescendLessOrEqual(item, func(i RangeItem) bool {
		result = i
		return false
	})

	if result == nil || !Contains(result, item.GetStartKey()) {
		return nil
	}
	return result
}

// FindByKey returns the range item that contains the key.
func (r *RangeTree) FindByKey(key []byte) RangeItem {
	return r.Find(keyItem(key))
}

// Contains checks whether the key is in the range of the item.
func Contains(item RangeItem, key []byte) bool {
	start, end := item.GetStartKey(), item.GetEndKey()
	return bytes.Compare(key, start) >= 0 && (len(end) == 0 || bytes.Compare(key, end) < 0)
}

// Remove removes the item whose start key equals to the given one.
func (r *RangeTree) Remove(item RangeItem) RangeItem {
	removed, ok := r.tree.Delete(item)
	if !ok {
		return nil
	}
	return removed
}

// Len returns the count of items in the tree.
func (r *RangeTree) Len() int {
	return r.tree.Len()
}

// Ascend calls f for every item in ascending start key order until f returns false.
func (r *RangeTree) Ascend(f func(item RangeItem) bool) {
	r.tree.Ascend(func(i RangeItem) bool {
		return f(i)
	})
}

// ScanRange scans the items from the one that contains the start key of the given item.
func (r *RangeTree) ScanRange(item RangeItem, f func(item RangeItem) bool) {
	startItem := r.Find(item)
	if startItem == nil {
		startItem = item
	}
	r.tree.AscendGreaterOrEqual(startItem, func(i RangeItem) bool {
		return f(i)
	})
}
