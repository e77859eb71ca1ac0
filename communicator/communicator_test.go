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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// spawn runs f for every transport in its own goroutine and waits for all.
func spawn(world []Transport, f func(t Transport)) {
	var wg sync.WaitGroup
	for _, transport := range world {
		wg.Add(1)
		go func(transport Transport) {
			defer wg.Done()
			f(transport)
		}(transport)
	}
	wg.Wait()
}

func TestMailbox(t *testing.T) {
	m := newMailbox()
	key := Key{Context: 1, Tag: 7}
	for index := 0; index < 10; index++ {
		m.deliver(3, key, []byte{byte(index)})
	}
	m.deliver(2, key, []byte{42})
	assert.Equal(t, 2, m.pending())

	for index := 0; index < 10; index++ {
		payload, err := m.recv(context.Background(), 3, key)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(index)}, payload)
	}
	assert.Equal(t, 1, m.pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.recv(ctx, 3, key)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan error)
	go func() {
		_, err := m.recv(context.Background(), 5, key)
		done <- err
	}()
	m.close()
	assert.Equal(t, ErrClosed, <-done)
}

func TestGroupCollectives(t *testing.T) {
	const worldSize = 5
	world := NewLocalWorld(worldSize)

	spawn(world, func(transport Transport) {
		group := NewWorldGroup(transport)
		ctx := context.Background()

		buf := EncodeFloat32s(nil, []float32{float32(group.Rank()), 1})
		if group.Rank() != 2 {
			buf = EncodeFloat32s(nil, []float32{0, 0})
		}
		assert.NoError(t, group.Bcast(ctx, buf, 2))
		got := make([]float32, 2)
		DecodeFloat32s(got, buf)
		assert.Equal(t, []float32{2, 1}, got)

		buf = EncodeFloat32s(nil, []float32{float32(group.Rank()), 1})
		assert.NoError(t, group.Reduce(ctx, buf, 0, SumFloat32))
		DecodeFloat32s(got, buf)
		if group.Rank() == 0 {
			assert.Equal(t, []float32{10, worldSize}, got)
		} else {
			assert.Equal(t, []float32{float32(group.Rank()), 1}, got)
		}

		assert.NoError(t, group.Barrier(ctx))

		// ring exchange of point-to-point messages
		right, left := (group.Rank()+1)%worldSize, (group.Rank()+worldSize-1)%worldSize
		assert.NoError(t, group.Send(ctx, right, 3, []float32{float32(group.Rank())}))
		recv := make([]float32, 1)
		assert.NoError(t, group.Recv(ctx, left, 3, recv))
		assert.Equal(t, float32(left), recv[0])

		assert.Error(t, group.Send(ctx, right, -1, recv))
	})
}

func TestTopology(t *testing.T) {
	const (
		worldSize = 8
		subgroups = 2
	)
	world := NewLocalWorld(worldSize)
	var mu sync.Mutex
	inter := make(map[uint32][]int)
	intra := make(map[uint32][]int)

	spawn(world, func(transport Transport) {
		topology, err := NewTopology(transport, subgroups)
		require.NoError(t, err)
		assert.Equal(t, subgroups, topology.Subgroups())
		assert.Equal(t, worldSize/subgroups, topology.Inter().Size())
		assert.Equal(t, subgroups, topology.Intra().Size())
		assert.Equal(t, transport.Rank()/subgroups, topology.Inter().Rank())
		assert.Equal(t, transport.Rank()%subgroups, topology.Intra().Rank())

		mu.Lock()
		inter[topology.Inter().Context()] = topology.Inter().Members()
		intra[topology.Intra().Context()] = topology.Intra().Members()
		mu.Unlock()

		// pass a boundary along the model split
		ctx := context.Background()
		if topology.Intra().Rank() == 0 {
			assert.NoError(t, topology.SendIntra(ctx, []float32{float32(transport.Rank())}, 9, 1))
		} else {
			buf := make([]float32, 1)
			assert.NoError(t, topology.RecvIntra(ctx, buf, 9, 0))
			assert.Equal(t, float32(transport.Rank()-1), buf[0])
		}

		// reduce over the data-parallel replicas only
		buf := EncodeFloat32s(nil, []float32{1})
		assert.NoError(t, topology.Inter().Bcast(ctx, buf, 0))
		assert.NoError(t, topology.World().Barrier(ctx))
	})

	assert.Equal(t, map[uint32][]int{1: {0, 2, 4, 6}, 2: {1, 3, 5, 7}}, inter)
	assert.Equal(t, map[uint32][]int{3: {0, 1}, 4: {2, 3}, 5: {4, 5}, 6: {6, 7}}, intra)
}

func TestTopologyConfigurationError(t *testing.T) {
	for _, subgroups := range []int{0, 4, 5} {
		_, err := NewTopology(NewLocalWorld(6)[0], subgroups)
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "subgroups: %d", subgroups)
	}
}

// bytesOf encodes signed values as the bytes SumInt8 operates on.
func bytesOf(values ...int8) []byte {
	out := make([]byte, 0, len(values))
	for _, value := range values {
		out = append(out, byte(value))
	}
	return out
}

func TestSumInt8(t *testing.T) {
	dst := bytesOf(100, -100, 5, -5, 127)
	SumInt8(dst, bytesOf(100, -100, -7, 3, 1))
	assert.Equal(t, bytesOf(-56, 56, -2, -2, -128), dst)

	// partial sums out of range cancel out
	SumInt8(dst, bytesOf(-100, 100, 0, 0, -1))
	assert.Equal(t, bytesOf(100, -100, -2, -2, 127), dst)

	for _, order := range [][]int8{{100, 100, -100}, {100, -100, 100}, {-100, 100, 100}} {
		sum := bytesOf(order[0])
		for _, value := range order[1:] {
			SumInt8(sum, bytesOf(value))
		}
		assert.Equal(t, bytesOf(100), sum, "order: %v", order)
	}
}

// newBufconnWorld creates size gRPC transports connected over in-memory
// listeners.
func newBufconnWorld(t *testing.T, size int, session func(rank int) string) []Transport {
	t.Helper()
	listeners := make(map[string]*bufconn.Listener, size)
	peers := make([]string, 0, size)
	for len(peers) < cap(peers) {
		addr := fmt.Sprintf("bufnet-%d", len(peers))
		listeners[addr] = bufconn.Listen(1 << 20)
		peers = append(peers, addr)
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return listeners[addr].Dial()
	})

	world := make([]Transport, 0, size)
	for rank, addr := range peers {
		opts := []Option{WithDialOptions(dialer)}
		if session != nil {
			opts = append(opts, WithSession(session(rank)))
		}
		transport, err := NewGRPCTransport(rank, listeners[addr], peers, opts...)
		require.NoError(t, err)
		world = append(world, transport)
	}
	t.Cleanup(func() {
		for _, transport := range world {
			transport.Close()
		}
	})
	return world
}

func TestGRPCTransport(t *testing.T) {
	const worldSize = 3
	world := newBufconnWorld(t, worldSize, nil)

	spawn(world, func(transport Transport) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		group := NewWorldGroup(transport)

		buf := make([]byte, 4)
		if group.Rank() == 0 {
			buf = EncodeFloat32s(buf, []float32{3.5})
		}
		assert.NoError(t, group.Bcast(ctx, buf, 0))
		got := make([]float32, 1)
		DecodeFloat32s(got, buf)
		assert.Equal(t, float32(3.5), got[0])

		buf = EncodeFloat32s(nil, []float32{float32(group.Rank() + 1)})
		assert.NoError(t, group.Reduce(ctx, buf, 1, SumFloat32))
		if group.Rank() == 1 {
			DecodeFloat32s(got, buf)
			assert.Equal(t, float32(6), got[0])
		}

		// messages to self skip the network
		assert.NoError(t, group.Send(ctx, group.Rank(), 0, []float32{7}))
		assert.NoError(t, group.Recv(ctx, group.Rank(), 0, got))
		assert.Equal(t, float32(7), got[0])

		assert.NoError(t, group.Barrier(ctx))
	})
}

func TestGRPCTransportSession(t *testing.T) {
	world := newBufconnWorld(t, 2, func(rank int) string {
		return fmt.Sprintf("job-%d", rank)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, world[0].Send(ctx, 1, Key{Tag: 1}, []byte{1}))
}

func TestGRPCTransportConfiguration(t *testing.T) {
	_, err := NewGRPCTransport(2, bufconn.Listen(1<<10), []string{"a", "b"})
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
