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
)

// A NaiveAllreducer sends every vector from every member to every other
// member.
type NaiveAllreducer struct{}

// Allreduce folds the gathered vectors in rank order on every member, so all
// members compute the identical result.
func (NaiveAllreducer) Allreduce(ctx context.Context, c Comm, buf []byte, elemSize int, fn communicator.ReduceFn) error {
	if c.Size() == 1 || len(buf) == 0 {
		return nil
	}
	for rank := 0; rank < c.Size(); rank++ {
		if rank == c.Rank() {
			continue
		}
		if err := c.Send(ctx, rank, buf); err != nil {
			return err
		}
	}

	gathered := make([][]byte, c.Size())
	gathered[c.Rank()] = buf
	for rank := range gathered {
		if rank == c.Rank() {
			continue
		}
		payload, err := recvExact(ctx, c, rank, len(buf))
		if err != nil {
			return err
		}
		gathered[rank] = payload
	}

	reduced := append([]byte(nil), gathered[0]...)
	for _, vec := range gathered[1:] {
		fn(reduced, vec)
	}
	copy(buf, reduced)
	return nil
}
