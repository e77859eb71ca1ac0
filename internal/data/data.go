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

// Package data provides primitives for representing and organizing
// the given dataset.  In addition to the traditional sharded dataset,
// where every worker sees all the items, it supports a partitioned dataset
// where the items are split into contiguous ranges across workers.  The
// assigned range of each worker is further split into chunks that fit in
// the memory budget of a single worker.
package data

import "golang.org/x/exp/constraints"

// Range is a half-open interval [Start, End) of item indices.
type Range struct {
	Start, End int
}

// Len returns the number of items in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Empty reports whether the range holds no items.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Ceil returns the least integer value greater than or equal to numerator / denominator.
// This is an alternative to the Ceil function in the standard math package.
func Ceil[T constraints.Integer](numerator, denominator T) T {
	if numerator%denominator == 0 {
		return numerator / denominator
	}
	return numerator/denominator + 1
}

// Layout decides the range of items a worker is responsible for.
// All implementations must embed LayoutBase for forward compatibility.
type Layout interface {
	// Assign returns the range of items assigned to the given rank among
	// size workers, out of total items.
	Assign(total, rank, size int) Range

	// Partitioned reports whether the workers see disjoint ranges.
	Partitioned() bool
}

// LayoutBase must be embedded to have forward compatible implementations.
type LayoutBase struct {
}

func (LayoutBase) Assign(total, rank, size int) (_ Range) {
	return
}
func (LayoutBase) Partitioned() bool {
	return false
}

// NewLayout creates a new layout; partition selects between the sharded
// and the partitioned layout.
func NewLayout(partition bool) Layout {
	if partition {
		return PartitionedLayout{}
	}
	return ShardedLayout{}
}

// ShardedLayout represents a sharded dataset where every worker in the cluster
// has a replica of the given dataset; hence it ignores rank when assigning
// the items.
type ShardedLayout struct {
	LayoutBase
}

// Assign returns the whole dataset.
func (ShardedLayout) Assign(total, rank, size int) Range {
	return Range{Start: 0, End: total}
}

// PartitionedLayout represents a partitioned dataset where each of the workers
// in the cluster holds only a contiguous portion of the given dataset.
type PartitionedLayout struct {
	LayoutBase
}

// Assign splits the items into size contiguous blocks in rank order.  The
// first total%size ranks receive ceil(total/size) items and the rest one item
// fewer, so the blocks cover [0, total) exactly once and no rank is left
// empty unless total < size.  Unless size divides total, this differs from
// strict ceil(total/size) blocks where only the last rank is short: 10 items
// over 4 ranks are split 3/3/2/2 rather than 3/3/3/1.
func (PartitionedLayout) Assign(total, rank, size int) Range {
	if size <= 0 || rank < 0 || size <= rank {
		return Range{}
	}
	quotient, remainder := total/size, total%size
	start := rank*quotient + min(rank, remainder)
	end := start + quotient
	if rank < remainder {
		end++
	}
	return Range{Start: start, End: end}
}

func (PartitionedLayout) Partitioned() bool {
	return true
}
