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

// Package main implements a training worker.  Every worker of a job serves
// the transport on its own address, streams its share of the dataset and
// synchronizes the gradients of a synthetic model with the other replicas.
// The worker stops gracefully on SIGTERM.
package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/9rum/gradstream/communicator"
	"github.com/9rum/gradstream/gradsync"
	"github.com/9rum/gradstream/stream"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type options struct {
	rank      int
	peers     []string
	subgroups int
	path      string
	stream    stream.Config
	sync      gradsync.Config
	steps     int
	params    int
}

// layers is the number of gradient buffers the parameters are split into.
const layers = 4

const learningRate = 1e-2

func main() {
	rank := flag.Int("rank", 0, "The rank of this worker")
	peers := flag.String("peers", "localhost:50051", "The comma separated addresses of every worker, in rank order")
	subgroups := flag.Int("subgroups", 1, "The number of workers a model replica is split across")
	path := flag.String("data", "", "The dataset container")
	batch := flag.Int("batch", 32, "The batch size")
	shuffle := flag.Bool("shuffle", true, "Whether to shuffle the dataset")
	partition := flag.Bool("partition", true, "Whether to partition the dataset across replicas")
	compress := flag.Bool("compress", false, "Whether to compress the gradients to a byte per element")
	average := flag.Bool("average", false, "Whether to average the gradients instead of summing them")
	warmup := flag.Int("warmup", 0, "The number of uncompressed synchronizations before compression")
	algo := flag.String("algo", "ring", "The allreduce algorithm: ring, tree or naive")
	steps := flag.Int("steps", 100, "The number of training steps")
	params := flag.Int("params", 1<<16, "The number of model parameters")
	flag.Parse()
	defer glog.Flush()

	opts := options{
		rank:      *rank,
		peers:     strings.Split(*peers, ","),
		subgroups: *subgroups,
		path:      *path,
		stream: stream.Config{
			BatchSize: *batch,
			Shuffle:   *shuffle,
			Partition: *partition,
		},
		sync: gradsync.Config{
			Compress:    *compress,
			Average:     *average,
			Algorithm:   *algo,
			WarmupSteps: *warmup,
		},
		steps:  *steps,
		params: *params,
	}
	if err := run(opts); err != nil {
		glog.Fatalf("worker failed: %v", err)
	}
}

func run(opts options) error {
	if opts.rank < 0 || len(opts.peers) <= opts.rank {
		return errors.Errorf("rank %d out of range of %d peers", opts.rank, len(opts.peers))
	}
	if opts.params < layers {
		return errors.Errorf("%d parameters cannot be split into %d layers", opts.params, layers)
	}
	lis, err := net.Listen("tcp", opts.peers[opts.rank])
	if err != nil {
		return err
	}
	transport, err := communicator.NewGRPCTransport(opts.rank, lis, opts.peers)
	if err != nil {
		return err
	}
	defer transport.Close()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGTERM)
	defer signal.Stop(done)
	go func(done <-chan os.Signal, transport communicator.Transport) {
		if _, ok := <-done; ok {
			glog.Infof("rank %d: terminating", opts.rank)
			transport.Close()
		}
	}(done, transport)

	topology, err := communicator.NewTopology(transport, opts.subgroups)
	if err != nil {
		return err
	}

	// the replicas of the same part of the model share the dataset
	s, err := stream.Open(opts.path, opts.stream, topology.Inter())
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := gradsync.New(topology.Inter(), opts.sync)
	if err != nil {
		return err
	}

	params := make([]float32, opts.params)
	if topology.World().Rank() == 0 {
		rng := rand.New(rand.NewSource(1))
		for index := range params {
			params[index] = float32(rng.NormFloat64() / 10)
		}
	}
	if err = engine.Broadcast(params, 0, topology.World()); err != nil {
		return err
	}

	grads := make([]float32, len(params))
	ref := make([]float32, len(params))
	// one request per layer, reused every step
	ids := make([]gradsync.RequestID, 0, layers)
	for len(ids) < cap(ids) {
		ids = append(ids, engine.CreateRequest())
	}
	for step := 0; step < opts.steps; step++ {
		batch, labels, err := s.NextBatch()
		if err != nil {
			return err
		}
		if err = passBoundary(topology, step, batch); err != nil {
			return err
		}

		loss := gradients(grads, params, batch, labels, opts.stream.BatchSize)
		for index, param := range params {
			ref[index] = float32(math.Abs(float64(param)))
		}

		for layer, id := range ids {
			lo, hi := layer*len(params)/layers, (layer+1)*len(params)/layers
			if err = engine.SyncGradients(id, grads[lo:hi], ref[lo:hi]); err != nil {
				return err
			}
		}
		var g errgroup.Group
		for _, id := range ids {
			id := id
			g.Go(func() error {
				return engine.Wait(id)
			})
		}
		if err = g.Wait(); err != nil {
			return err
		}

		for index, grad := range grads {
			params[index] -= learningRate * grad
		}
		if acc := engine.ReduceAccuracy(float32(1 / (1 + loss))); 0 <= acc {
			glog.Infof("step: %d epoch: %d accuracy: %.4f", step, s.Epoch(), acc)
		}
	}

	glog.Infof("rank %d: %v", opts.rank, engine.Stats())
	return topology.World().Barrier(context.Background())
}

// passBoundary hands the mean of the batch along the model split, as the
// activations of a pipeline would.
func passBoundary(topology *communicator.Topology, step int, batch []float32) error {
	intra := topology.Intra()
	if intra.Size() == 1 {
		return nil
	}
	boundary := make([]float32, 1)
	ctx := context.Background()
	if 0 < intra.Rank() {
		if err := topology.RecvIntra(ctx, boundary, step, intra.Rank()-1); err != nil {
			return err
		}
	}
	boundary[0] += mean(batch)
	if intra.Rank()+1 < intra.Size() {
		return topology.SendIntra(ctx, boundary, step, intra.Rank()+1)
	}
	glog.V(1).Infof("step: %d boundary: %f", step, boundary[0])
	return nil
}

// gradients fills grads with the gradients of a synthetic least squares
// model predicting the mean label of an item from the mean of its data, and
// returns the loss.
func gradients(grads, params, batch, labels []float32, batchSize int) float64 {
	dataElems, labelElems := len(batch)/batchSize, len(labels)/batchSize
	for index := range grads {
		grads[index] = 0
	}

	var loss float64
	for item := 0; item < batchSize; item++ {
		x := mean(batch[item*dataElems : (item+1)*dataElems])
		y := mean(labels[item*labelElems : (item+1)*labelElems])
		index := item % len(params)
		residual := params[index]*x - y
		loss += float64(residual * residual)
		grads[index] += residual * x / float32(batchSize)
	}
	return loss / float64(batchSize)
}

func mean(values []float32) (sum float32) {
	for _, value := range values {
		sum += value
	}
	return sum / float32(len(values))
}
