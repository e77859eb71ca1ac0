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

// Package allreduce implements algorithms for reducing vectors across every
// member of a group, leaving the identical result on all of them.
package allreduce

import (
	"context"

	"github.com/9rum/gradstream/communicator"
	"github.com/pkg/errors"
)

// Comm is the view of a group an algorithm runs on.  A *communicator.Session
// satisfies it; a new session must be used for each reduction to avoid
// interference.
type Comm interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst int, payload []byte) error
	Recv(ctx context.Context, src int) ([]byte, error)
}

// Allreducer is an algorithm that applies a ReduceFn to byte vectors of
// elemSize-byte elements distributed across a group, in place.
type Allreducer interface {
	Allreduce(ctx context.Context, c Comm, buf []byte, elemSize int, fn communicator.ReduceFn) error
}

// ByName returns the algorithm with the given name; the empty name selects
// the ring.
func ByName(name string) (Allreducer, error) {
	switch name {
	case "", "ring":
		return RingAllreducer{}, nil
	case "tree":
		return TreeAllreducer{}, nil
	case "naive":
		return NaiveAllreducer{}, nil
	}
	return nil, errors.Errorf("unknown allreduce algorithm %q", name)
}

// recvExact receives a payload of exactly n bytes from src.
func recvExact(ctx context.Context, c Comm, src, n int) ([]byte, error) {
	payload, err := c.Recv(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(payload) != n {
		return nil, errors.Errorf("rank %d: received %d bytes from rank %d, expected %d", c.Rank(), len(payload), src, n)
	}
	return payload, nil
}
