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

package gradsync

import (
	"math"
	"math/rand"
)

// mantissaBits is the number of magnitude bits of a quantized element; the
// remaining bit of the byte holds the sign.
const mantissaBits = 7

const maxLevel = 1<<mantissaBits - 1

// Step returns the quantization step of an element with the reference
// magnitude ref.  Elements are represented as multiples of the step up to
// 127 steps, that is up to about twice the magnitude of the reference.
// A zero or non-finite reference scales by a unit exponent.
func Step(ref float32) float64 {
	exp := 0
	if r := math.Abs(float64(ref)); r != 0 && !math.IsInf(r, 0) && !math.IsNaN(r) {
		_, exp = math.Frexp(r)
	}
	return math.Ldexp(1, exp-(mantissaBits-1))
}

// Quantize encodes every element of src into a signed byte of dst, scaled by
// the reference magnitude of the same index in ref.  Magnitudes below a
// single step are stochastically rounded to zero or one step, keeping the
// encoding unbiased in expectation; magnitudes beyond the representable range
// saturate.  It reports the number of elements encoded as zero and the number
// of saturated elements.
func Quantize(dst []byte, src, ref []float32, rng *rand.Rand) (zeros, saturated int) {
	for index, value := range src {
		if value == 0 || math.IsNaN(float64(value)) {
			dst[index] = 0
			zeros++
			continue
		}

		m := math.Abs(float64(value)) / Step(ref[index])
		level := math.Floor(m)
		switch {
		case maxLevel < level:
			level = maxLevel
			saturated++
		case level == 0:
			if rng.Float64() < m {
				level = 1
			} else {
				zeros++
			}
		}

		q := int8(level)
		if math.Signbit(float64(value)) {
			q = -q
		}
		dst[index] = byte(q)
	}
	return
}

// Dequantize decodes the signed bytes of src into dst, scaled by ref.
func Dequantize(dst []float32, src []byte, ref []float32) {
	for index, q := range src {
		dst[index] = float32(float64(int8(q)) * Step(ref[index]))
	}
}
