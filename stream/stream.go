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

// Package stream serves fixed-size batches out of a labeled array dataset
// too large to be held in memory.  Each rank of a group is assigned a
// contiguous range of items, of which a bounded working set (a chunk) is
// resident at a time.  Chunks are rotated in from storage as the batches
// drain them, and a full traversal of the chunks of a rank is an epoch.
//
// A Stream is owned by a single consumer; it is not safe for concurrent use.
package stream

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/9rum/gradstream/internal/data"
	"github.com/9rum/gradstream/internal/parallel"
	"github.com/9rum/gradstream/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultMemoryBudget bounds the resident working set, in bytes, regardless
// of the dataset size.
const DefaultMemoryBudget int64 = 2_000_000_000

// Ranks identifies this process among the consumers of a dataset.
// A *communicator.Group satisfies it.
type Ranks interface {
	Rank() int
	Size() int
}

// Config configures a Stream.
type Config struct {
	// BatchSize is the number of items returned by every NextBatch call.
	BatchSize int

	// Shuffle draws the resident items in random order and permutes the chunk
	// order every epoch.
	Shuffle bool

	// Partition splits the dataset into disjoint ranges, one per rank.
	// Otherwise every rank traverses the whole dataset.
	Partition bool

	// MemoryBudget bounds the resident working set in bytes.  Zero means
	// DefaultMemoryBudget.
	MemoryBudget int64

	// Seed seeds the shuffling.  Zero picks a seed from the clock.
	Seed int64
}

// OpenError reports a dataset container that cannot serve as a source.
type OpenError struct {
	Source string
	Reason string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot open %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot open %s: %s", e.Source, e.Reason)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a stream configuration that cannot be served.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Stream is an opened dataset.
type Stream struct {
	src  storage.Source
	cfg  Config
	rng  *rand.Rand
	plan *data.ChunkPlan

	dataDims, labelDims   []int
	dataElems, labelElems int
	assigned              data.Range
	workingSet            int

	// resident chunk
	resident             data.Range
	residentData, labels []float32
	perm                 []int
	cursor               int

	outData, outLabels []float32
	epoch              int
	err                error
}

// Open opens the dataset container in path.  The stream owns the container
// and closes it on Close.
func Open(path string, cfg Config, ranks Ranks) (*Stream, error) {
	src, err := storage.Open(path)
	if err != nil {
		return nil, &OpenError{Source: path, Reason: "unreadable container", Err: err}
	}
	s, err := OpenSource(src, cfg, ranks)
	if err != nil {
		src.Close()
		return nil, err
	}
	return s, nil
}

// OpenSource opens a stream over an already opened container and loads its
// first chunk.
func OpenSource(src storage.Source, cfg Config, ranks Ranks) (*Stream, error) {
	dataDims, err := src.Dims(storage.DataArray)
	if err != nil {
		return nil, &OpenError{Source: src.Name(), Reason: fmt.Sprintf("missing array %q", storage.DataArray), Err: err}
	}
	if len(dataDims) <= 2 {
		return nil, &OpenError{Source: src.Name(), Reason: fmt.Sprintf("array %q must have rank greater than 2, got shape %v", storage.DataArray, dataDims)}
	}
	labelDims, err := src.Dims(storage.LabelArray)
	if err != nil {
		return nil, &OpenError{Source: src.Name(), Reason: fmt.Sprintf("missing array %q", storage.LabelArray), Err: err}
	}
	if len(labelDims) <= 1 {
		return nil, &OpenError{Source: src.Name(), Reason: fmt.Sprintf("array %q must have rank greater than 1, got shape %v", storage.LabelArray, labelDims)}
	}
	if dataDims[0] != labelDims[0] {
		return nil, &OpenError{Source: src.Name(), Reason: fmt.Sprintf("%d data items but %d labels", dataDims[0], labelDims[0])}
	}

	if cfg.BatchSize <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize)}
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	s := &Stream{
		src:        src,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		dataDims:   dataDims,
		labelDims:  labelDims,
		dataElems:  storage.RowElems(dataDims),
		labelElems: storage.RowElems(labelDims),
	}

	s.assigned = data.NewLayout(cfg.Partition).Assign(dataDims[0], ranks.Rank(), ranks.Size())
	if s.assigned.Empty() {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("rank %d of %d is assigned no items out of %d", ranks.Rank(), ranks.Size(), dataDims[0])}
	}

	itemBytes := int64(s.dataElems+s.labelElems) * 4
	if int64(s.assigned.Len())*itemBytes <= cfg.MemoryBudget {
		s.workingSet = s.assigned.Len()
	} else {
		s.workingSet = int(cfg.MemoryBudget/itemBytes) / cfg.BatchSize * cfg.BatchSize
	}
	if s.workingSet == 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("a batch of %d items of %s each exceeds the memory budget of %s",
			cfg.BatchSize, humanize.Bytes(uint64(itemBytes)), humanize.Bytes(uint64(cfg.MemoryBudget)))}
	}

	s.plan = data.NewChunkPlan(s.assigned, s.workingSet)
	if cfg.Shuffle {
		s.plan.Shuffle(s.rng)
	}
	s.residentData = make([]float32, s.workingSet*s.dataElems)
	s.labels = make([]float32, s.workingSet*s.labelElems)
	s.perm = make([]int, 0, s.workingSet)
	s.outData = make([]float32, cfg.BatchSize*s.dataElems)
	s.outLabels = make([]float32, cfg.BatchSize*s.labelElems)

	glog.Infof("rank %d: opened %s items: [%d,%d) working set: %d items (%s) chunks: %d",
		ranks.Rank(), src.Name(), s.assigned.Start, s.assigned.End, s.workingSet,
		humanize.Bytes(uint64(int64(s.workingSet)*itemBytes)), s.plan.Len())

	if err = s.load(s.plan.Current()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetOutputs registers the buffers NextBatch fills.  They must hold exactly
// one batch of data and labels respectively.
func (s *Stream) SetOutputs(data, labels []float32) error {
	if len(data) != s.cfg.BatchSize*s.dataElems {
		return errors.Errorf("data buffer holds %d elements, a batch holds %d", len(data), s.cfg.BatchSize*s.dataElems)
	}
	if len(labels) != s.cfg.BatchSize*s.labelElems {
		return errors.Errorf("label buffer holds %d elements, a batch holds %d", len(labels), s.cfg.BatchSize*s.labelElems)
	}
	s.outData, s.outLabels = data, labels
	return nil
}

// NextBatch fills the output buffers with the next BatchSize items and
// returns them.  A batch crossing the end of the resident chunk is completed
// from the next one.
func (s *Stream) NextBatch() ([]float32, []float32, error) {
	if s.src == nil {
		return nil, nil, errors.Wrap(os.ErrClosed, "stream closed")
	}
	if s.err != nil {
		return nil, nil, s.err
	}
	for filled := 0; filled < s.cfg.BatchSize; {
		count := min(s.cfg.BatchSize-filled, len(s.perm)-s.cursor)
		s.copyItems(filled, s.cursor, count)
		filled += count
		s.cursor += count

		if s.cursor == len(s.perm) {
			if err := s.rotate(); err != nil {
				s.err = err
				return nil, nil, err
			}
		}
	}
	return s.outData, s.outLabels, nil
}

// copyItems copies count resident items, drawn through the permutation from
// cursor on, into the output buffers from item offset on.
func (s *Stream) copyItems(offset, cursor, count int) {
	parallel.For(count, func(base, limit int) {
		for index := base; index < limit; index++ {
			item := s.perm[cursor+index]
			copy(s.outData[(offset+index)*s.dataElems:(offset+index+1)*s.dataElems], s.residentData[item*s.dataElems:(item+1)*s.dataElems])
			copy(s.outLabels[(offset+index)*s.labelElems:(offset+index+1)*s.labelElems], s.labels[item*s.labelElems:(item+1)*s.labelElems])
		}
	})
}

// rotate makes the next chunk resident.
func (s *Stream) rotate() error {
	if s.plan.Len() == 1 {
		s.epoch++
		glog.V(1).Infof("%s: epoch %d over resident items [%d,%d)", s.src.Name(), s.epoch, s.resident.Start, s.resident.End)
		s.permute()
		return nil
	}

	if s.plan.Advance() {
		s.epoch++
		if s.cfg.Shuffle {
			s.plan.Shuffle(s.rng)
		}
		glog.V(1).Infof("%s: epoch %d", s.src.Name(), s.epoch)
	}
	return s.load(s.plan.Current())
}

// load reads the items of r into the resident buffers.  Data and labels are
// independent reads of the same item range.
func (s *Stream) load(r data.Range) error {
	glog.V(1).Infof("%s: loading chunk %d of %d items: [%d,%d)", s.src.Name(), s.plan.Cursor(), s.plan.Len(), r.Start, r.End)

	var g errgroup.Group
	g.Go(func() error {
		return s.src.ReadRows(storage.DataArray, r.Start, r.Len(), s.residentData[:r.Len()*s.dataElems])
	})
	g.Go(func() error {
		return s.src.ReadRows(storage.LabelArray, r.Start, r.Len(), s.labels[:r.Len()*s.labelElems])
	})
	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "failed to load items [%d,%d)", r.Start, r.End)
	}

	s.resident = r
	s.permute()
	return nil
}

// permute resets the cursor and draws a new order over the resident items.
func (s *Stream) permute() {
	s.cursor = 0
	s.perm = s.perm[:0]
	for len(s.perm) < s.resident.Len() {
		s.perm = append(s.perm, len(s.perm))
	}
	if s.cfg.Shuffle {
		s.rng.Shuffle(len(s.perm), func(i, j int) {
			s.perm[i], s.perm[j] = s.perm[j], s.perm[i]
		})
	}
}

// Epoch returns the number of completed traversals of the assigned items.
func (s *Stream) Epoch() int {
	return s.epoch
}

// DataShape returns the shape of a batch of data.
func (s *Stream) DataShape() []int {
	return append([]int{s.cfg.BatchSize}, s.dataDims[1:]...)
}

// LabelShape returns the shape of a batch of labels.
func (s *Stream) LabelShape() []int {
	return append([]int{s.cfg.BatchSize}, s.labelDims[1:]...)
}

// ItemRange returns the range of items assigned to this rank.
func (s *Stream) ItemRange() data.Range {
	return s.assigned
}

// WorkingSetItems returns the capacity of the resident working set.
func (s *Stream) WorkingSetItems() int {
	return s.workingSet
}

// Chunks returns the number of chunks covering the assigned items.
func (s *Stream) Chunks() int {
	return s.plan.Len()
}

// Close releases the container.
func (s *Stream) Close() error {
	if s.src == nil {
		return nil
	}
	err := s.src.Close()
	s.src = nil
	s.residentData, s.labels, s.perm = nil, nil, nil
	return err
}
