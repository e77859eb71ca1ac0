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

package data

import "math/rand"

// ChunkPlan holds the starting offsets of the working sets that cover an
// assigned range, in the order they are loaded.  The order of the chunks,
// not their contents, may be shuffled at the beginning of each epoch.
type ChunkPlan struct {
	span      Range
	chunkSize int
	offsets   []int
	cursor    int
}

// NewChunkPlan creates a new chunk plan that splits span into
// ceil(span.Len() / chunkSize) chunks; the last one may be partial.
func NewChunkPlan(span Range, chunkSize int) *ChunkPlan {
	n := 0
	if !span.Empty() && 0 < chunkSize {
		n = Ceil(span.Len(), chunkSize)
	}
	plan := &ChunkPlan{
		span:      span,
		chunkSize: chunkSize,
		offsets:   make([]int, 0, n),
	}
	for len(plan.offsets) < cap(plan.offsets) {
		plan.offsets = append(plan.offsets, span.Start+len(plan.offsets)*chunkSize)
	}
	return plan
}

// Len returns the number of chunks.
func (p *ChunkPlan) Len() int {
	return len(p.offsets)
}

// Cursor returns the position of the resident chunk in the plan.
func (p *ChunkPlan) Cursor() int {
	return p.cursor
}

// Current returns the item range of the resident chunk.
func (p *ChunkPlan) Current() Range {
	if len(p.offsets) == 0 {
		return Range{}
	}
	start := p.offsets[p.cursor]
	return Range{Start: start, End: min(start+p.chunkSize, p.span.End)}
}

// Advance moves the cursor to the next chunk and reports whether it wrapped
// past the last chunk back to the first one.
func (p *ChunkPlan) Advance() (wrapped bool) {
	if p.cursor+1 < len(p.offsets) {
		p.cursor++
		return false
	}
	p.cursor = 0
	return true
}

// Shuffle permutes the chunk order.
func (p *ChunkPlan) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(p.offsets), func(i, j int) {
		p.offsets[i], p.offsets[j] = p.offsets[j], p.offsets[i]
	})
}

// Offsets returns a copy of the chunk offsets in load order.
func (p *ChunkPlan) Offsets() []int {
	return append([]int(nil), p.offsets...)
}
