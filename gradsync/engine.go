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

// Package gradsync reduces gradient buffers across the data-parallel
// replicas of a model.  Every buffer is reduced by an asynchronous collective
// under a request, optionally compressed to a single byte per element with
// a quantization scaled by a reference magnitude of the same shape.
//
// All members of the group must issue requests and synchronizations in the
// same order.
package gradsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/9rum/gradstream/communicator"
	"github.com/9rum/gradstream/communicator/allreduce"
	"github.com/9rum/gradstream/internal/parallel"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

var (
	// ErrExhaustedRequest is returned for a request that was never created,
	// was freed, or has no operation in flight.
	ErrExhaustedRequest = errors.New("exhausted request")

	// ErrRequestBusy is returned when a request already has a
	// synchronization in flight.
	ErrRequestBusy = errors.New("request busy")
)

// fatalf terminates the process on a failed collective.  The members of a
// group cannot recover from a collective some of them did not complete.
var fatalf = glog.Fatalf

// RequestID identifies a request.  Identifiers are issued in increasing
// order.
type RequestID int

// Config configures an Engine.
type Config struct {
	// Compress quantizes the gradients of synchronizations that carry a
	// reference magnitude.
	Compress bool

	// Average divides the reduced gradients by the group size.  Otherwise the
	// buffers hold the sum over the group.
	Average bool

	// Algorithm names the allreduce algorithm, "ring" (the default), "tree"
	// or "naive".
	Algorithm string

	// WarmupSteps is the number of synchronizations left uncompressed before
	// compression kicks in.
	WarmupSteps int

	// Seed seeds the stochastic rounding.  Zero picks a seed from the clock.
	Seed int64
}

// Stats holds counters of the synchronized elements.
type Stats struct {
	Synced     int64
	Compressed int64
	Zeros      int64
	Saturated  int64
}

// CompressionBuffer owns the byte buffer a gradient buffer is compressed
// into.
type CompressionBuffer struct {
	engine *Engine
	key    *float32
	bytes  []byte
}

// Len returns the number of elements the buffer holds.
func (b *CompressionBuffer) Len() int {
	return len(b.bytes)
}

// Release frees the byte buffer.  A later synchronization of the same
// gradient buffer allocates a new one.
func (b *CompressionBuffer) Release() {
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	if b.key != nil && b.engine.buffers[b.key] == b {
		delete(b.engine.buffers, b.key)
	}
	b.bytes = nil
}

type request struct {
	// warmup is the barrier issued at creation, if any.
	warmup <-chan error

	// done is the result of the synchronization in flight, if any.
	done       chan error
	waiting    bool
	data, ref  []float32
	compressed bool
	bytes      []byte
}

// Engine issues the gradient synchronizations of a group.
type Engine struct {
	group     *communicator.Group
	cfg       Config
	algorithm allreduce.Allreducer

	mu       sync.Mutex
	rng      *rand.Rand
	next     RequestID
	requests map[RequestID]*request
	buffers  map[*float32]*CompressionBuffer
	syncs    int

	synced, compressed, zeros, saturated atomic.Int64
}

// New creates an engine reducing over group.
func New(group *communicator.Group, cfg Config) (*Engine, error) {
	algorithm, err := allreduce.ByName(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.WarmupSteps < 0 {
		return nil, errors.Errorf("negative warm-up steps %d", cfg.WarmupSteps)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	glog.Infof("rank %d: gradient synchronization over %d ranks compress: %t average: %t warm-up: %d", group.Rank(), group.Size(), cfg.Compress, cfg.Average, cfg.WarmupSteps)
	return &Engine{
		group:     group,
		cfg:       cfg,
		algorithm: algorithm,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		requests:  make(map[RequestID]*request),
		buffers:   make(map[*float32]*CompressionBuffer),
	}, nil
}

// CreateRequest issues a new request.  Without compression, a barrier is
// started as a warm-up of the connections the request will reduce over.
func (e *Engine) CreateRequest() RequestID {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	r := new(request)
	if !e.cfg.Compress {
		warmup := make(chan error, 1)
		session := e.group.Session(e.group.NextTag())
		go func() {
			warmup <- session.Barrier(context.Background())
		}()
		r.warmup = warmup
	}
	e.requests[id] = r
	glog.V(2).Infof("rank %d: created request %d", e.group.Rank(), id)
	return id
}

// RegisterCompressionBuffer returns the compression buffer of data,
// allocating it on first use.
func (e *Engine) RegisterCompressionBuffer(data []float32) *CompressionBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockedBuffer(data)
}

// lockedBuffer looks up the compression buffer by the identity of data.
//
// It must be called with Engine.mu acquired.
func (e *Engine) lockedBuffer(data []float32) *CompressionBuffer {
	if len(data) == 0 {
		return &CompressionBuffer{engine: e}
	}
	key := &data[0]
	if b, ok := e.buffers[key]; ok && len(b.bytes) == len(data) {
		return b
	}
	b := &CompressionBuffer{engine: e, key: key, bytes: make([]byte, len(data))}
	e.buffers[key] = b
	return b
}

// SyncGradients starts reducing data across the group under the request.
// It returns without waiting; data must not be accessed until Wait returns.
// The reduction is compressed if the engine compresses, the warm-up has
// elapsed and ref holds the reference magnitudes.
func (e *Engine) SyncGradients(id RequestID, data, ref []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.requests[id]
	if !ok {
		return errors.Wrapf(ErrExhaustedRequest, "request %d", id)
	}
	if r.done != nil || r.waiting {
		return errors.Wrapf(ErrRequestBusy, "request %d", id)
	}
	if ref != nil && len(ref) != len(data) {
		return errors.Errorf("request %d: %d reference magnitudes for %d gradients", id, len(ref), len(data))
	}

	r.data, r.ref = data, ref
	r.compressed = e.cfg.Compress && e.cfg.WarmupSteps <= e.syncs && ref != nil
	e.syncs++
	e.synced.Add(int64(len(data)))

	// the tag and the seed are drawn in issue order, which every member
	// shares
	session := e.group.Session(e.group.NextTag())
	seed := e.rng.Int63()
	done := make(chan error, 1)
	r.done = done

	if r.compressed {
		e.compressed.Add(int64(len(data)))
		r.bytes = e.lockedBuffer(data).bytes
	} else {
		r.bytes = communicator.EncodeFloat32s(r.bytes, data)
	}

	go func(r *request) {
		if r.warmup != nil {
			if err := <-r.warmup; err != nil {
				done <- errors.Wrap(err, "warm-up barrier failed")
				return
			}
		}
		if r.compressed {
			e.compress(r.bytes, r.data, r.ref, seed)
			done <- e.algorithm.Allreduce(context.Background(), session, r.bytes, 1, communicator.SumInt8)
			return
		}
		done <- e.algorithm.Allreduce(context.Background(), session, r.bytes, 4, communicator.SumFloat32)
	}(r)

	glog.V(2).Infof("rank %d: request %d syncing %d gradients compressed: %t", e.group.Rank(), id, len(data), r.compressed)
	return nil
}

// compress quantizes data into bytes, splitting the work across the CPUs.
// Every stride draws from its own source so that the rounding only depends
// on the seed.
func (e *Engine) compress(bytes []byte, data, ref []float32, seed int64) {
	parallel.For(len(data), func(base, limit int) {
		rng := rand.New(rand.NewSource(seed ^ int64(base)))
		zeros, saturated := Quantize(bytes[base:limit], data[base:limit], ref[base:limit], rng)
		e.zeros.Add(int64(zeros))
		e.saturated.Add(int64(saturated))
	})
}

// Wait blocks until the operation in flight under the request completes.
// After a synchronization the gradient buffer holds the reduction over the
// group, and the request may be synchronized again.  A failed collective
// terminates the process.
func (e *Engine) Wait(id RequestID) error {
	e.mu.Lock()
	r, ok := e.requests[id]
	if !ok || r.waiting || (r.done == nil && r.warmup == nil) {
		e.mu.Unlock()
		return errors.Wrapf(ErrExhaustedRequest, "request %d has nothing in flight", id)
	}
	r.waiting = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		r.done, r.warmup, r.waiting = nil, nil, false
		e.mu.Unlock()
	}()

	if r.done == nil {
		if err := <-r.warmup; err != nil {
			fatalf("rank %d: request %d: warm-up barrier failed: %v", e.group.Rank(), id, err)
			return err
		}
		return nil
	}

	if err := <-r.done; err != nil {
		fatalf("rank %d: request %d: gradient synchronization failed: %v", e.group.Rank(), id, err)
		return err
	}

	if r.compressed {
		parallel.For(len(r.data), func(base, limit int) {
			Dequantize(r.data[base:limit], r.bytes[base:limit], r.ref[base:limit])
		})
	} else {
		communicator.DecodeFloat32s(r.data, r.bytes)
	}

	if e.cfg.Average && 1 < e.group.Size() {
		scale := 1 / float32(e.group.Size())
		parallel.For(len(r.data), func(base, limit int) {
			for index := base; index < limit; index++ {
				r.data[index] *= scale
			}
		})
	}
	return nil
}

// FreeRequest retires a request.  A request cannot be freed while an
// operation is in flight under it.
func (e *Engine) FreeRequest(id RequestID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return errors.Wrapf(ErrExhaustedRequest, "request %d", id)
	}
	if r.done != nil || r.waiting {
		return errors.Wrapf(ErrRequestBusy, "request %d", id)
	}
	delete(e.requests, id)
	return nil
}

// ReduceAccuracy returns the mean of acc over the group at group rank 0 and
// -1 elsewhere.
func (e *Engine) ReduceAccuracy(acc float32) float32 {
	buf := communicator.EncodeFloat32s(nil, []float32{acc})
	if err := e.group.Reduce(context.Background(), buf, 0, communicator.SumFloat32); err != nil {
		fatalf("rank %d: failed to reduce accuracy: %v", e.group.Rank(), err)
		return -1
	}
	if e.group.Rank() != 0 {
		return -1
	}
	sum := make([]float32, 1)
	communicator.DecodeFloat32s(sum, buf)
	return sum[0] / float32(e.group.Size())
}

// Broadcast replicates the root's buf to every member of group, the engine's
// group if nil.
func (e *Engine) Broadcast(buf []float32, root int, group *communicator.Group) error {
	if group == nil {
		group = e.group
	}
	bytes := communicator.EncodeFloat32s(nil, buf)
	if err := group.Bcast(context.Background(), bytes, root); err != nil {
		return errors.Wrapf(err, "failed to broadcast %d elements from rank %d", len(buf), root)
	}
	if group.Rank() != root {
		communicator.DecodeFloat32s(buf, bytes)
	}
	return nil
}

// Stats returns the counters of the synchronized elements.
func (e *Engine) Stats() Stats {
	return Stats{
		Synced:     e.synced.Load(),
		Compressed: e.compressed.Load(),
		Zeros:      e.zeros.Load(),
		Saturated:  e.saturated.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("synced: %d compressed: %d zeros: %d saturated: %d", s.Synced, s.Compressed, s.Zeros, s.Saturated)
}
