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

import (
	"math/rand"
	"sort"
	"testing"
)

func TestPartitionedLayout(t *testing.T) {
	layout := NewLayout(true)
	for total := 0; total < 200; total++ {
		for size := 1; size < 12; size++ {
			covered := make([]int, total)
			smallest := total
			for rank := 0; rank < size; rank++ {
				r := layout.Assign(total, rank, size)
				if r.Len() < 0 {
					t.Fatalf("total: %d size: %d rank: %d got negative range %v", total, size, rank, r)
				}
				if r.Empty() && size <= total {
					t.Fatalf("total: %d size: %d rank: %d got empty range", total, size, rank)
				}
				if r.Len() > Ceil(total, size) {
					t.Fatalf("total: %d size: %d rank: %d range %v exceeds ceil", total, size, rank, r)
				}
				for index := r.Start; index < r.End; index++ {
					covered[index]++
				}
				if rank == size-1 && r.Len() > smallest {
					t.Fatalf("total: %d size: %d last rank got more items than rank 0", total, size)
				}
				if rank == 0 {
					smallest = r.Len()
				}
			}
			for index, count := range covered {
				if count != 1 {
					t.Fatalf("total: %d size: %d item %d covered %d times", total, size, index, count)
				}
			}
		}
	}
}

func TestPartitionedLayoutScenario(t *testing.T) {
	const (
		total = 1000
		size  = 4
	)
	if got := NewLayout(true).Assign(total, 2, size); got != (Range{Start: 500, End: 750}) {
		t.Fatalf("expected [500,750) but got %v", got)
	}
}

func TestPartitionedLayoutUneven(t *testing.T) {
	const (
		total = 10
		size  = 4
	)
	expected := []Range{{0, 3}, {3, 6}, {6, 8}, {8, 10}}
	for rank, want := range expected {
		if got := NewLayout(true).Assign(total, rank, size); got != want {
			t.Errorf("rank %d: expected %v but got %v", rank, want, got)
		}
	}
}

func TestShardedLayout(t *testing.T) {
	const total = 1 << 10
	layout := NewLayout(false)
	if layout.Partitioned() {
		t.Fatal("sharded layout reports partitioned")
	}
	for rank := 0; rank < 4; rank++ {
		if got := layout.Assign(total, rank, 4); got != (Range{End: total}) {
			t.Fatalf("rank %d got %v", rank, got)
		}
	}
}

func TestChunkPlan(t *testing.T) {
	span := Range{Start: 500, End: 750}
	for _, chunkSize := range []int{1, 7, 50, 100, 249, 250, 1000} {
		plan := NewChunkPlan(span, chunkSize)
		if plan.Len() != Ceil(span.Len(), chunkSize) {
			t.Fatalf("chunk size %d: expected %d chunks but got %d", chunkSize, Ceil(span.Len(), chunkSize), plan.Len())
		}
		plan.Shuffle(rand.New(rand.NewSource(int64(chunkSize))))

		var ranges []Range
		for wrapped := false; !wrapped; wrapped = plan.Advance() {
			ranges = append(ranges, plan.Current())
		}
		if len(ranges) != plan.Len() {
			t.Fatalf("chunk size %d: visited %d chunks before wrap", chunkSize, len(ranges))
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		next := span.Start
		for _, r := range ranges {
			if r.Start != next || r.Empty() {
				t.Fatalf("chunk size %d: gap or overlap at %v", chunkSize, r)
			}
			next = r.End
		}
		if next != span.End {
			t.Fatalf("chunk size %d: chunks end at %d", chunkSize, next)
		}
		if plan.Cursor() != 0 {
			t.Fatalf("chunk size %d: cursor did not reset", chunkSize)
		}
	}
}

func BenchmarkPartitionedLayout(b *testing.B) {
	const (
		total = 1 << 20
		size  = 1 << 6
	)
	layout := NewLayout(true)
	for i := 0; i < b.N; i++ {
		for rank := 0; rank < size; rank++ {
			layout.Assign(total, rank, size)
		}
	}
}
