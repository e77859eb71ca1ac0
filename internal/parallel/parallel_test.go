// Copyright 2022 Sogang University
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

package parallel

import (
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 1000, 1 << 16} {
		visits := make([]int32, n)
		var strides atomic.Int32
		For(n, func(base, limit int) {
			strides.Add(1)
			for index := base; index < limit; index++ {
				atomic.AddInt32(&visits[index], 1)
			}
		})
		for index, count := range visits {
			if count != 1 {
				t.Fatalf("n: %d index %d visited %d times", n, index, count)
			}
		}
		if int(strides.Load()) != Strides(n) {
			t.Fatalf("n: %d expected %d strides but got %d", n, Strides(n), strides.Load())
		}
	}
}
