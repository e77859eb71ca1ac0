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

// A TreeAllreducer arranges the members in a binary tree and performs a
// reduction by going up the tree to the root, and then back down the tree to
// the leaves.
type TreeAllreducer struct{}

// Allreduce reduces along the tree; the root's result is broadcast down.
func (TreeAllreducer) Allreduce(ctx context.Context, c Comm, buf []byte, elemSize int, fn communicator.ReduceFn) error {
	if c.Size() == 1 || len(buf) == 0 {
		return nil
	}
	parent, children := positionInTree(c.Rank(), c.Size())

	for _, child := range children {
		payload, err := recvExact(ctx, c, child, len(buf))
		if err != nil {
			return err
		}
		fn(buf, payload)
	}

	if 0 <= parent {
		if err := c.Send(ctx, parent, buf); err != nil {
			return err
		}
		payload, err := recvExact(ctx, c, parent, len(buf))
		if err != nil {
			return err
		}
		copy(buf, payload)
	}

	for _, child := range children {
		if err := c.Send(ctx, child, buf); err != nil {
			return err
		}
	}
	return nil
}

// positionInTree returns the parent and children of a member in the
// reduction tree, in heap order.
//
// There may be no children.
// There is no parent (-1) for the root.
func positionInTree(rank, size int) (parent int, children []int) {
	parent = -1
	if 0 < rank {
		parent = (rank - 1) / 2
	}
	for child := 2*rank + 1; child <= 2*rank+2 && child < size; child++ {
		children = append(children, child)
	}
	return
}
