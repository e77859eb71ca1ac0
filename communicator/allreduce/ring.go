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

	"github.com/9rum/gradstream/communicator"
	"github.com/9rum/gradstream/internal/data"
)

// A RingAllreducer arranges the members in a ring and splits the vector into
// one segment per member.  The reduction has two phases: reduce-scatter,
// after which every member holds one fully reduced segment, and allgather,
// which circulates the reduced segments around the ring.
//
// Every member sends and receives 2(P-1)/P of the vector, independent of the
// number of members.
type RingAllreducer struct{}

// Allreduce runs both phases in place.  Segments are aligned to elemSize.
func (RingAllreducer) Allreduce(ctx context.Context, c Comm, buf []byte, elemSize int, fn communicator.ReduceFn) error {
	size, rank := c.Size(), c.Rank()
	if size == 1 || len(buf) == 0 {
		return nil
	}
	segments := make([][]byte, 0, size)
	layout := data.NewLayout(true)
	for len(segments) < cap(segments) {
		r := layout.Assign(len(buf)/elemSize, len(segments), size)
		segments = append(segments, buf[r.Start*elemSize:r.End*elemSize])
	}
	right, left := (rank+1)%size, (rank-1+size)%size

	// reduce-scatter: member r ends up with the reduced segment (r+1) mod P
	for step := 0; step < size-1; step++ {
		sendIndex := (rank - step + size) % size
		recvIndex := (rank - step - 1 + size) % size
		if err := c.Send(ctx, right, segments[sendIndex]); err != nil {
			return err
		}
		payload, err := recvExact(ctx, c, left, len(segments[recvIndex]))
		if err != nil {
			return err
		}
		fn(segments[recvIndex], payload)
	}

	// allgather
	for step := 0; step < size-1; step++ {
		sendIndex := (rank + 1 - step + size) % size
		recvIndex := (rank - step + size) % size
		if err := c.Send(ctx, right, segments[sendIndex]); err != nil {
			return err
		}
		payload, err := recvExact(ctx, c, left, len(segments[recvIndex]))
		if err != nil {
			return err
		}
		copy(segments[recvIndex], payload)
	}
	return nil
}
