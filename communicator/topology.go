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
	"fmt"

	"github.com/golang/glog"
)

// Topology splits the processes of a job into two orthogonal group
// structures.  With N processes and S subgroups, a model replica is split
// across S consecutive processes (the intra group) and the processes holding
// the same part of every replica form the inter group, over which gradients
// are reduced.
type Topology struct {
	subgroups int
	world     *Group
	inter     *Group
	intra     *Group
}

// NewTopology creates the groups of this process.  subgroups must evenly
// divide the number of processes.
func NewTopology(transport Transport, subgroups int) (*Topology, error) {
	size, rank := transport.Size(), transport.Rank()
	if subgroups <= 0 || size%subgroups != 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("%d subgroups do not evenly divide %d processes", subgroups, size)}
	}

	interColor, intraColor := rank%subgroups, rank/subgroups
	inter := make([]int, 0, size/subgroups)
	intra := make([]int, 0, subgroups)
	for member := 0; member < size; member++ {
		if member%subgroups == interColor {
			inter = append(inter, member)
		}
		if member/subgroups == intraColor {
			intra = append(intra, member)
		}
	}

	t := &Topology{
		subgroups: subgroups,
		world:     NewWorldGroup(transport),
	}
	var err error
	if t.inter, err = NewGroup(transport, uint32(1+interColor), inter); err != nil {
		return nil, err
	}
	if t.intra, err = NewGroup(transport, uint32(1+subgroups+intraColor), intra); err != nil {
		return nil, err
	}

	glog.Infof("rank %d: inter group %v (rank %d) intra group %v (rank %d)", rank, inter, t.inter.Rank(), intra, t.intra.Rank())
	return t, nil
}

// Subgroups returns the number of processes a model replica is split across.
func (t *Topology) Subgroups() int {
	return t.subgroups
}

// World returns the group of every process.
func (t *Topology) World() *Group {
	return t.world
}

// Inter returns the group of data-parallel replicas of this subgroup index.
func (t *Topology) Inter() *Group {
	return t.inter
}

// Intra returns the group of processes sharing this model replica.
func (t *Topology) Intra() *Group {
	return t.intra
}

// SendIntra sends buf to intra group rank dest.  It blocks until the payload
// is handed off.
func (t *Topology) SendIntra(ctx context.Context, buf []float32, tag, dest int) error {
	return t.intra.Send(ctx, dest, tag, buf)
}

// RecvIntra receives exactly len(buf) elements with the given tag from intra
// group rank source.
func (t *Topology) RecvIntra(ctx context.Context, buf []float32, tag, source int) error {
	return t.intra.Recv(ctx, source, tag, buf)
}
