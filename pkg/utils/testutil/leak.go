// Copyright 2019 TiKV Project Authors.
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

package testutil

import (
	"testing"

	"go.uber.org/goleak"
)

// LeakOptions is used to filter the goroutines.
var LeakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("sync.runtime_notifyListWait"),
	// natefinch/lumberjack#56, It's a goroutine leak bug. Another ignore option PR https://github.com/pingcap/tidb/pull/27405/
	goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
}

// MustTestMainWithLeakDetection wraps testing.M with a goroutine leak check.
// It should be used in every package's TestMain function.
//
//	func TestMain(m *testing.M) {
//		testutil.MustTestMainWithLeakDetection(m)
//	}
func MustTestMainWithLeakDetection(m *testing.M) {
	goleak.VerifyTestMain(m, LeakOptions...)
}

// RegisterLeakDetection is a convenient way to register before-and-after code to a test.
func RegisterLeakDetection(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		opts := append([]goleak.Option{ignore}, LeakOptions...)
		if err := goleak.Find(opts...); err != nil {
			t.Errorf("Test %v", err)
		}
	})
}
