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
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Group is an immutable subset of the processes of a job with its own rank
// space.  All reductions and point-to-point transfers reference a group.
type Group struct {
	transport Transport
	context   uint32
	members   []int
	rank      int
	tags      atomic.Int64
}

// NewGroup creates a group over the given global ranks, in group rank order.
// The calling process must be a member.
func NewGroup(transport Transport, context uint32, members []int) (*Group, error) {
	g := &Group{
		transport: transport,
		context:   context,
		members:   append([]int(nil), members...),
		rank:      -1,
	}
	for rank, member := range members {
		if member < 0 || transport.Size() <= member {
			return nil, errors.Errorf("context %d: member %d out of range of %d processes", context, member, transport.Size())
		}
		if member == transport.Rank() {
			g.rank = rank
		}
	}
	if g.rank < 0 {
		return nil, errors.Errorf("context %d: process %d is not a member of %v", context, transport.Rank(), members)
	}
	return g, nil
}

// NewWorldGroup creates the group of every process of the job.
func NewWorldGroup(transport Transport) *Group {
	members := make([]int, 0, transport.Size())
	for len(members) < cap(members) {
		members = append(members, len(members))
	}
	g, _ := NewGroup(transport, 0, members)
	return g
}

// Rank returns the rank of this process within the group.
func (g *Group) Rank() int {
	return g.rank
}

// Size returns the number of processes in the group.
func (g *Group) Size() int {
	return len(g.members)
}

// Members returns the global ranks of the group, in group rank order.
func (g *Group) Members() []int {
	return append([]int(nil), g.members...)
}

// Context returns the identifier of the group.
func (g *Group) Context() uint32 {
	return g.context
}

// NextTag returns the tag of the next collective.  Every member must call it
// in the same order, which holds when collectives are issued in the same
// order.
func (g *Group) NextTag() int64 {
	return -g.tags.Add(1)
}

// Send sends buf to group rank dst with a non-negative tag.
func (g *Group) Send(ctx context.Context, dst, tag int, buf []float32) error {
	if tag < 0 {
		return errors.Errorf("invalid tag %d", tag)
	}
	return g.Session(int64(tag)).Send(ctx, dst, EncodeFloat32s(nil, buf))
}

// Recv receives a message of exactly len(buf) elements from group rank src.
func (g *Group) Recv(ctx context.Context, src, tag int, buf []float32) error {
	if tag < 0 {
		return errors.Errorf("invalid tag %d", tag)
	}
	payload, err := g.Session(int64(tag)).Recv(ctx, src)
	if err != nil {
		return err
	}
	if len(payload) != 4*len(buf) {
		return errors.Errorf("context %d: received %d bytes from rank %d with tag %d, expected %d", g.context, len(payload), src, tag, 4*len(buf))
	}
	DecodeFloat32s(buf, payload)
	return nil
}

// Bcast replicates root's buf to every member.
func (g *Group) Bcast(ctx context.Context, buf []byte, root int) error {
	return g.Session(g.NextTag()).Bcast(ctx, buf, root)
}

// Reduce folds every member's buf into root's buf with fn.
func (g *Group) Reduce(ctx context.Context, buf []byte, root int, fn ReduceFn) error {
	return g.Session(g.NextTag()).Reduce(ctx, buf, root, fn)
}

// Barrier blocks until every member has entered it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.Session(g.NextTag()).Barrier(ctx)
}

// Session returns a view of the group bound to a single tag.
func (g *Group) Session(tag int64) *Session {
	return &Session{group: g, key: Key{Context: g.context, Tag: tag}}
}

// Session is a tag-bound view of a group, the unit collectives run on.
type Session struct {
	group *Group
	key   Key
}

func (s *Session) Rank() int {
	return s.group.rank
}

func (s *Session) Size() int {
	return len(s.group.members)
}

// Tag returns the tag the session is bound to.
func (s *Session) Tag() int64 {
	return s.key.Tag
}

// Send sends payload to group rank dst.
func (s *Session) Send(ctx context.Context, dst int, payload []byte) error {
	if dst < 0 || len(s.group.members) <= dst {
		return errors.Errorf("context %d: invalid destination rank %d", s.key.Context, dst)
	}
	return s.group.transport.Send(ctx, s.group.members[dst], s.key, payload)
}

// Recv receives the next payload from group rank src.
func (s *Session) Recv(ctx context.Context, src int) ([]byte, error) {
	if src < 0 || len(s.group.members) <= src {
		return nil, errors.Errorf("context %d: invalid source rank %d", s.key.Context, src)
	}
	return s.group.transport.Recv(ctx, s.group.members[src], s.key)
}

// Bcast replicates root's buf to every member.
func (s *Session) Bcast(ctx context.Context, buf []byte, root int) error {
	if root < 0 || s.Size() <= root {
		return errors.Errorf("context %d: invalid root %d", s.key.Context, root)
	}
	if s.Rank() == root {
		for rank := 0; rank < s.Size(); rank++ {
			if rank == root {
				continue
			}
			if err := s.Send(ctx, rank, buf); err != nil {
				return err
			}
		}
		return nil
	}

	payload, err := s.Recv(ctx, root)
	if err != nil {
		return err
	}
	if len(payload) != len(buf) {
		return errors.Errorf("context %d: broadcast of %d bytes from root %d into %d bytes", s.key.Context, len(payload), root, len(buf))
	}
	copy(buf, payload)
	return nil
}

// Reduce folds every member's buf into root's buf with fn, in rank order.
// The buffers of other members are left untouched.
func (s *Session) Reduce(ctx context.Context, buf []byte, root int, fn ReduceFn) error {
	if root < 0 || s.Size() <= root {
		return errors.Errorf("context %d: invalid root %d", s.key.Context, root)
	}
	if s.Rank() != root {
		return s.Send(ctx, root, buf)
	}

	for rank := 0; rank < s.Size(); rank++ {
		if rank == root {
			continue
		}
		payload, err := s.Recv(ctx, rank)
		if err != nil {
			return err
		}
		if len(payload) != len(buf) {
			return errors.Errorf("context %d: reduce of %d bytes from rank %d into %d bytes", s.key.Context, len(payload), rank, len(buf))
		}
		fn(buf, payload)
	}
	return nil
}

// Barrier gathers an empty message at rank 0 and releases everyone.
func (s *Session) Barrier(ctx context.Context) error {
	if err := s.Reduce(ctx, nil, 0, func(dst, src []byte) {}); err != nil {
		return err
	}
	return s.Bcast(ctx, nil, 0)
}
