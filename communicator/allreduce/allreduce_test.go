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

package allreduce

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/9rum/gradstream/communicator"
)

// runAllreducerTests runs a battery of tests on an Allreducer.
func runAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 3, 5, 8, 17} {
		for _, size := range []int{0, 1, 7, 1337} {
			t.Run(fmt.Sprintf("Nodes=%d,Size=%d", numNodes, size), func(t *testing.T) {
				vectors := make([][]float32, numNodes)
				sum := make([]float64, size)
				for rank := range vectors {
					vectors[rank] = make([]float32, size)
					for index := range vectors[rank] {
						vectors[rank][index] = float32(rand.NormFloat64())
						sum[index] += float64(vectors[rank][index])
					}
				}

				world := communicator.NewLocalWorld(numNodes)
				results := make([][]float32, numNodes)
				var wg sync.WaitGroup
				for rank, transport := range world {
					wg.Add(1)
					go func(rank int, transport communicator.Transport) {
						defer wg.Done()
						group := communicator.NewWorldGroup(transport)
						buf := communicator.EncodeFloat32s(nil, vectors[rank])
						if err := reducer.Allreduce(context.Background(), group.Session(group.NextTag()), buf, 4, communicator.SumFloat32); err != nil {
							t.Errorf("rank %d: %v", rank, err)
							return
						}
						results[rank] = make([]float32, size)
						communicator.DecodeFloat32s(results[rank], buf)
					}(rank, transport)
				}
				wg.Wait()

				verifyReductionResults(t, results, sum)
			})
		}
	}
}

func verifyReductionResults(t *testing.T, results [][]float32, expected []float64) {
	for rank, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", rank+1, len(res), len(expected))
			continue
		}
		for index, actual := range res {
			if actual != results[0][index] {
				t.Errorf("result %d is not identical to result 0", rank+1)
				break
			}
		}
	}

	for index, x := range expected {
		if math.Abs(x-float64(results[0][index])) > 1e-4 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)", x, results[0][index], index)
			break
		}
	}
}

func TestNaiveAllreducer(t *testing.T) {
	runAllreducerTests(t, NaiveAllreducer{})
}

func TestTreeAllreducer(t *testing.T) {
	runAllreducerTests(t, TreeAllreducer{})
}

func TestRingAllreducer(t *testing.T) {
	runAllreducerTests(t, RingAllreducer{})
}

func TestAllreduceInt8(t *testing.T) {
	const numNodes = 4
	big := []int8{100, 100, -100, 0}
	for _, name := range []string{"naive", "tree", "ring"} {
		reducer, err := ByName(name)
		if err != nil {
			t.Fatal(err)
		}
		world := communicator.NewLocalWorld(numNodes)
		results := make([][]byte, numNodes)
		var wg sync.WaitGroup
		for rank, transport := range world {
			wg.Add(1)
			go func(rank int, transport communicator.Transport) {
				defer wg.Done()
				group := communicator.NewWorldGroup(transport)
				buf := []byte{byte(int8(rank)), byte(-int8(rank)), byte(big[rank]), byte(-big[rank]), 0}
				if err := reducer.Allreduce(context.Background(), group.Session(group.NextTag()), buf, 1, communicator.SumInt8); err != nil {
					t.Errorf("%s rank %d: %v", name, rank, err)
				}
				results[rank] = buf
			}(rank, transport)
		}
		wg.Wait()

		// the partial sums leave the int8 range
		expected := []int8{6, -6, 100, -100, 0}
		for rank, res := range results {
			for index, want := range expected {
				if int8(res[index]) != want {
					t.Errorf("%s rank %d component %d: expected %d but got %d", name, rank, index, want, int8(res[index]))
				}
			}
		}
	}
}

func TestByName(t *testing.T) {
	if _, err := ByName("butterfly"); err == nil {
		t.Fatal("unknown algorithm accepted")
	}
	if reducer, _ := ByName(""); reducer != (RingAllreducer{}) {
		t.Fatalf("default algorithm is %T", reducer)
	}
}

func BenchmarkRingAllreducer(b *testing.B) {
	const (
		numNodes = 8
		size     = 1 << 16
	)
	world := communicator.NewLocalWorld(numNodes)
	groups := make([]*communicator.Group, numNodes)
	for rank, transport := range world {
		groups[rank] = communicator.NewWorldGroup(transport)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		tag := groups[0].NextTag()
		for _, group := range groups {
			wg.Add(1)
			go func(group *communicator.Group, tag int64) {
				defer wg.Done()
				buf := make([]byte, 4*size)
				RingAllreducer{}.Allreduce(context.Background(), group.Session(tag), buf, 4, communicator.SumFloat32)
			}(group, tag)
		}
		wg.Wait()
	}
}
