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

// Package parallel splits embarrassingly parallel loops into contiguous
// strides, one goroutine per available CPU.
package parallel

import (
	"runtime"
	"sync"

	"github.com/9rum/gradstream/internal/data"
)

// MinStride is the smallest stride worth a goroutine of its own.
var MinStride = 1 << 4

// For calls fn over [0, n) split into contiguous [base, limit) strides that run
// concurrently.  It returns once every stride has finished.
func For(n int, fn func(base, limit int)) {
	if n <= 0 {
		return
	}
	stride := max(data.Ceil(n, runtime.NumCPU()), MinStride)
	if n <= stride {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	for base := 0; base < n; base += stride {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			fn(base, min(base+stride, n))
		}(base)
	}
	wg.Wait()
}

// Strides returns the number of strides For would use for n iterations.
func Strides(n int) int {
	if n <= 0 {
		return 0
	}
	stride := max(data.Ceil(n, runtime.NumCPU()), MinStride)
	return data.Ceil(n, stride)
}
