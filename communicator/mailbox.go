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
	"sync"

	"github.com/unixpickle/essentials"
)

// route identifies a FIFO queue of incoming payloads.
type route struct {
	src int
	key Key
}

type queue struct {
	items [][]byte
	ready chan struct{}
}

// mailbox buffers incoming payloads until they are received.  Each route has
// at most one receiver at a time.
type mailbox struct {
	mu     sync.Mutex
	queues map[route]*queue
	closed chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[route]*queue),
		closed: make(chan struct{}),
	}
}

// lockedQueue returns the queue of r, creating it if needed.
//
// It must be called with mailbox.mu acquired.
func (m *mailbox) lockedQueue(r route) *queue {
	q, ok := m.queues[r]
	if !ok {
		q = &queue{ready: make(chan struct{}, 1)}
		m.queues[r] = q
	}
	return q
}

// deliver enqueues payload; it never blocks.
func (m *mailbox) deliver(src int, key Key, payload []byte) {
	m.mu.Lock()
	q := m.lockedQueue(route{src, key})
	q.items = append(q.items, payload)
	m.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// recv dequeues the next payload of the route, waiting for one if needed.
func (m *mailbox) recv(ctx context.Context, src int, key Key) ([]byte, error) {
	r := route{src, key}
	for {
		m.mu.Lock()
		q := m.lockedQueue(r)
		if 0 < len(q.items) {
			payload := q.items[0]
			essentials.OrderedDelete(&q.items, 0)
			// tags of collectives are never reused, so drained queues are dropped
			if len(q.items) == 0 {
				delete(m.queues, r)
			}
			m.mu.Unlock()
			return payload, nil
		}
		m.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		}
	}
}

// pending returns the number of routes holding undelivered payloads.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		if 0 < len(q.items) {
			n++
		}
	}
	return n
}

func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.closed)
	})
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
