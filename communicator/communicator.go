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

// The communicator package implements the process groups the workers of a
// training job communicate over.  The primitives are based on the syntax of
// the Message Passing Interface (MPI): a Transport connects every process of
// the job, a Group is an immutable subset of the processes with its own rank
// space, and the Topology splits the processes into the inter (data-parallel
// replicas) and intra (model split) groups.  Collectives must be issued in the
// same order by every member of a group.
package communicator

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Key addresses a stream of messages between two processes.  Messages with
// the same source, destination and key are delivered in order.
type Key struct {
	// Context identifies the group the message belongs to.
	Context uint32

	// Tag tells apart the streams within a group.  Point-to-point tags are
	// non-negative; collectives use negative tags.
	Tag int64
}

// Transport moves byte payloads between the processes of a job.
// Send is eager: it returns once the payload is handed off, without waiting
// for the matching Recv.
type Transport interface {
	// Rank returns the index of this process in the job.
	Rank() int

	// Size returns the number of processes in the job.
	Size() int

	// Send delivers payload to process dst.  The payload may be reused once
	// Send returns.
	Send(ctx context.Context, dst int, key Key, payload []byte) error

	// Recv blocks until the next payload from process src with the given key
	// arrives.
	Recv(ctx context.Context, src int, key Key) ([]byte, error)

	// Close tears down the transport.  Pending and future receives fail with
	// ErrClosed.
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// ConfigurationError reports an invalid process layout.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
