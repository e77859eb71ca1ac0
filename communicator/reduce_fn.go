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

package communicator

import (
	"encoding/binary"
	"math"
)

// A ReduceFn folds src into dst element-wise.  Both buffers hold the same
// number of encoded elements.
type ReduceFn func(dst, src []byte)

// SumFloat32 is a ReduceFn that sums little-endian float32 vectors.
func SumFloat32(dst, src []byte) {
	if len(dst) != len(src) {
		panic("mismatching lengths")
	}
	for index := 0; index+4 <= len(dst); index += 4 {
		sum := math.Float32frombits(binary.LittleEndian.Uint32(dst[index:])) + math.Float32frombits(binary.LittleEndian.Uint32(src[index:]))
		binary.LittleEndian.PutUint32(dst[index:], math.Float32bits(sum))
	}
}

// SumInt8 is a ReduceFn that sums signed bytes with two's complement
// wraparound.  Wrapping addition is associative, so the result is the exact
// sum whenever it fits in an int8, whatever order the partial sums are folded
// in.
func SumInt8(dst, src []byte) {
	if len(dst) != len(src) {
		panic("mismatching lengths")
	}
	for index := range dst {
		dst[index] = byte(int8(dst[index]) + int8(src[index]))
	}
}

// EncodeFloat32s encodes src as little-endian float32 into dst, growing it if
// needed, and returns the encoded bytes.
func EncodeFloat32s(dst []byte, src []float32) []byte {
	if cap(dst) < 4*len(src) {
		dst = make([]byte, 4*len(src))
	}
	dst = dst[:4*len(src)]
	for index, v := range src {
		binary.LittleEndian.PutUint32(dst[4*index:], math.Float32bits(v))
	}
	return dst
}

// DecodeFloat32s decodes little-endian float32 values from src into dst.
func DecodeFloat32s(dst []float32, src []byte) {
	for index := range dst {
		dst[index] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*index:]))
	}
}
