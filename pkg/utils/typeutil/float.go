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

package typeutil

import "math"

const floatEps = 1e-8

// Float64Equal checks if two float64 are equal within a small relative or absolute error.
func Float64Equal(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= floatEps {
		return true
	}
	return diff <= floatEps*math.Max(math.Abs(a), math.Abs(b))
}
