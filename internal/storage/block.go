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

package storage

import (
	"io"
	"sync"

	"github.com/9rum/gradstream/internal/parallel"
	"github.com/pkg/errors"
)

// readBlockSize bounds the scratch memory of a single read, so that loading
// a chunk costs no more than the resident buffers it is read into.
var readBlockSize = 4 << 20

var blocks = sync.Pool{
	New: func() any {
		block := make([]byte, readBlockSize)
		return &block
	},
}

// readBlocks reads len(dst) elements of elemSize bytes from r starting at
// byte offset, block by block, and converts them into dst with decode.
func readBlocks(r io.ReaderAt, offset int64, dst []float32, elemSize int, decode func(dst []float32, src []byte)) error {
	block := blocks.Get().(*[]byte)
	if len(*block) != readBlockSize {
		*block = make([]byte, readBlockSize)
	}
	defer blocks.Put(block)

	step := max(readBlockSize/elemSize, 1)
	if len(*block) < step*elemSize {
		*block = make([]byte, step*elemSize)
	}
	for base := 0; base < len(dst); base += step {
		limit := min(base+step, len(dst))
		buf := (*block)[:(limit-base)*elemSize]
		if _, err := r.ReadAt(buf, offset+int64(base)*int64(elemSize)); err != nil {
			return errors.Wrapf(err, "failed to read %d bytes at offset %d", len(buf), offset+int64(base)*int64(elemSize))
		}
		out := dst[base:limit]
		parallel.For(len(out), func(lo, hi int) {
			decode(out[lo:hi], buf[lo*elemSize:hi*elemSize])
		})
	}
	return nil
}
